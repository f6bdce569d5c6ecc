// Package alerts raises threshold alerts from completed envelopes.
package alerts

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"relay/internal/config"
	"relay/internal/logger"
	"relay/internal/metrics"
	"relay/internal/models"
)

const (
	RuleProcessTime = "process_time"
	RuleWaitTime    = "wait_time"

	recentAlerts = 32
)

// Rule defines a simple threshold-based alert rule. Measure extracts the
// observed value, in seconds, from a completed envelope.
type Rule struct {
	Name      string
	Threshold float64
	Measure   func(env *models.Envelope) float64
}

// AlertEngine is responsible for evaluating rules and emitting alerts.
type AlertEngine interface {
	Evaluate(ctx context.Context, rule Rule, value float64) (bool, error)
	Close() error
}

// DefaultRules builds the process-time and queue-wait rules from cfg.
// A zero threshold disables its rule.
func DefaultRules(cfg config.AlertsConfig) []Rule {
	var rules []Rule
	if cfg.MaxProcess > 0 {
		rules = append(rules, Rule{
			Name:      RuleProcessTime,
			Threshold: cfg.MaxProcess.Seconds(),
			Measure:   func(env *models.Envelope) float64 { return env.ProcessTime.Seconds() },
		})
	}
	if cfg.MaxWait > 0 {
		rules = append(rules, Rule{
			Name:      RuleWaitTime,
			Threshold: cfg.MaxWait.Seconds(),
			Measure:   func(env *models.Envelope) float64 { return env.WaitTime().Seconds() },
		})
	}
	return rules
}

// ThresholdEngine fires when a value exceeds the rule threshold, at most
// once per cooldown window per rule.
type ThresholdEngine struct {
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
}

func NewThresholdEngine(cooldown time.Duration) *ThresholdEngine {
	return &ThresholdEngine{
		cooldown:  cooldown,
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
}

func (e *ThresholdEngine) Evaluate(_ context.Context, rule Rule, value float64) (bool, error) {
	if value <= rule.Threshold {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if last, ok := e.lastFired[rule.Name]; ok && now.Sub(last) < e.cooldown {
		return false, nil
	}
	e.lastFired[rule.Name] = now
	return true, nil
}

func (e *ThresholdEngine) Close() error { return nil }

// Alert is one fired rule.
type Alert struct {
	Rule      string    `json:"rule"`
	MessageID string    `json:"message_id"`
	Kind      string    `json:"kind"`
	Value     float64   `json:"value_seconds"`
	Threshold float64   `json:"threshold_seconds"`
	FiredAt   time.Time `json:"fired_at"`
}

// Monitor evaluates rules against every envelope published on a
// completion bus and keeps the most recent alerts.
type Monitor struct {
	engine AlertEngine
	rules  []Rule

	mu     sync.Mutex
	recent []Alert
	fired  atomic.Uint64
}

func NewMonitor(engine AlertEngine, rules ...Rule) *Monitor {
	return &Monitor{engine: engine, rules: rules}
}

// Listen subscribes the monitor to bus.
func (m *Monitor) Listen(bus *models.CompletionBus) {
	bus.Subscribe(func(_ string, env *models.Envelope) {
		m.Observe(context.Background(), env)
	})
}

// Observe evaluates every rule against env.
func (m *Monitor) Observe(ctx context.Context, env *models.Envelope) {
	log := logger.WithComponent("alerts")
	for _, rule := range m.rules {
		if rule.Measure == nil {
			continue
		}
		value := rule.Measure(env)
		fire, err := m.engine.Evaluate(ctx, rule, value)
		if err != nil {
			log.Error().Err(err).Str("rule", rule.Name).Msg("rule evaluation failed")
			continue
		}
		if !fire {
			continue
		}

		alert := Alert{
			Rule:      rule.Name,
			MessageID: env.MessageID(),
			Kind:      string(env.Kind()),
			Value:     value,
			Threshold: rule.Threshold,
			FiredAt:   time.Now().UTC(),
		}
		m.record(alert)
		metrics.AlertsFiredTotal.WithLabelValues(rule.Name).Inc()
		log.Warn().
			Str("rule", rule.Name).
			Str("message_id", alert.MessageID).
			Str("kind", alert.Kind).
			Float64("value_seconds", value).
			Float64("threshold_seconds", rule.Threshold).
			Msg("alert fired")
	}
}

func (m *Monitor) record(a Alert) {
	m.fired.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, a)
	if len(m.recent) > recentAlerts {
		m.recent = m.recent[len(m.recent)-recentAlerts:]
	}
}

// Recent returns the latest alerts, oldest first.
func (m *Monitor) Recent() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.recent...)
}

// Fired is the number of alerts raised since start.
func (m *Monitor) Fired() uint64 {
	return m.fired.Load()
}

func (m *Monitor) Close() error {
	return m.engine.Close()
}
