package sink

import "sync"

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	PublishErr error
	CloseErr   error

	mu       sync.Mutex
	messages []MockMessage
	closed   bool
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message for later inspection in tests
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.messages = append(m.messages, MockMessage{
		Topic: topic,
		Key:   key,
		Value: value,
	})

	return nil
}

// Close records that the sink was closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.CloseErr
}

// Closed reports whether Close was called
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Messages returns a copy of the recorded messages
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// SetPublishErr changes the injected publish error
func (m *MockSink) SetPublishErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishErr = err
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
