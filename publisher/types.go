package publisher

// Sink represents a destination for session lifecycle events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if an event of this kind should be published
	Match(kind string) bool
}
