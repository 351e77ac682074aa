// Package publisher delivers session lifecycle events to external systems.
//
// The catalog hands events to a Worker, which buffers them in memory and
// publishes them asynchronously to a configured sink (NATS JetStream or
// Kafka). Delivery is best effort: the enqueue path never blocks catalog
// operations, and events that do not fit in the buffer or that exhaust
// their publish retries are dropped and counted in telemetry.
package publisher
