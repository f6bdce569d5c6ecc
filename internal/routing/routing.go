package routing

import (
	"hash/fnv"

	"relay/internal/models"
)

// Provider derives the routing key of a message.
type Provider interface {
	GetRoutingKey(body models.Message) string
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(body models.Message) string

func (f ProviderFunc) GetRoutingKey(body models.Message) string { return f(body) }

// RoutingKeyer lets a message choose its own routing key.
type RoutingKeyer interface {
	RoutingKey() string
}

// Default routes commands and events by aggregate and replies by command id.
// Queries and plain messages have no affinity and get "".
var Default Provider = ProviderFunc(defaultKey)

func defaultKey(body models.Message) (key string) {
	// a misbehaving RoutingKey or accessor must not break routing
	defer func() {
		if recover() != nil {
			key = ""
		}
	}()

	switch m := body.(type) {
	case nil:
		return ""
	case RoutingKeyer:
		return m.RoutingKey()
	case *models.CommandReply:
		if m == nil {
			return ""
		}
		return m.CommandID
	case models.Command:
		return m.AggregateRootID()
	case models.Event:
		return m.AggregateRootID()
	default:
		return ""
	}
}

// Partition maps a non-empty routing key to a partition index in [0, count).
func Partition(key string, count int) int {
	if count <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(count))
}

// LeastLoaded returns the index of the smallest load, preferring the lowest index on ties.
func LeastLoaded(loads []int) int {
	best := 0
	for i := 1; i < len(loads); i++ {
		if loads[i] < loads[best] {
			best = i
		}
	}
	return best
}
