package models

// Metadata keys carried by every envelope.
const (
	MetadataKind               = "Kind"
	MetadataCorrelationID      = "CorrelationId"
	MetadataRoutingKey         = "RoutingKey"
	MetadataSourceTypeName     = "SourceTypeName"
	MetadataSourceNamespace    = "SourceNamespace"
	MetadataSourceAssemblyName = "SourceAssemblyName"
)

// Optional metadata keys.
const (
	MetadataMessageID = "MessageId"
	MetadataTypeCode  = "TypeCode"
	MetadataCommandID = "CommandId"
	MetadataReplyType = "ReplyType"
	// MetadataBatchSize is the number of events raised by the command an event belongs to.
	MetadataBatchSize = "BatchSize"

	MetadataKafkaTopic     = "KafkaTopic"
	MetadataKafkaPartition = "KafkaPartition"
	MetadataKafkaOffset    = "KafkaOffset"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// Get returns the value for key, or "" when absent. Safe on a nil map.
func (m Metadata) Get(key string) string {
	return m[key]
}
