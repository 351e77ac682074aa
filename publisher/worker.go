package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/civetdb/civet/cfg"
	"github.com/civetdb/civet/encoding"
	"github.com/civetdb/civet/session"
	"github.com/civetdb/civet/telemetry"
)

const (
	// Default capacity of the in-memory event buffer
	DefaultBufferSize = 1000
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of publish attempts, the first included, before
	// dropping an event
	DefaultMaxRetries = 10
)

// WorkerConfig configures the session event publisher worker
type WorkerConfig struct {
	Name            string        // Sink name (for logging)
	Sink            Sink          // Destination sink
	Filter          Filter        // Event kind filter
	Topic           string        // Destination topic
	BufferSize      int           // Event buffer capacity
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum publish attempts per event, first included
}

// Worker buffers session lifecycle events and publishes them to a sink.
// It implements session.EventSink: Publish never blocks the caller, and
// events that do not fit in the buffer are dropped and counted.
type Worker struct {
	config      WorkerConfig
	events      chan session.Event
	stopCh      chan struct{} // Stop signal
	doneCh      chan struct{} // Done signal
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker creates a new session event publisher worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	if config.Filter == nil {
		config.Filter = &KindFilter{}
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		events: make(chan session.Event, config.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// FromConfiguration builds a worker from the node's sink configuration,
// resolving the sink through the factory registry.
func FromConfiguration(config cfg.SinkConfiguration) (*Worker, error) {
	snk, err := createSink(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	filter, err := NewKindFilter(config.FilterKinds)
	if err != nil {
		snk.Close()
		return nil, fmt.Errorf("failed to create filter: %w", err)
	}

	return NewWorker(WorkerConfig{
		Name:       config.Type,
		Sink:       snk,
		Filter:     filter,
		Topic:      config.Topic,
		BufferSize: config.BufferSize,
	})
}

// Publish enqueues an event for delivery. It never blocks; when the buffer
// is full the event is dropped and counted.
func (w *Worker) Publish(ev session.Event) {
	if !w.config.Filter.Match(string(ev.Kind)) {
		return
	}

	select {
	case w.events <- ev:
	default:
		telemetry.EventsDroppedTotal.Inc()
		log.Debug().
			Str("worker", w.config.Name).
			Str("kind", string(ev.Kind)).
			Msg("Event buffer full, dropping event")
	}
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Str("topic", w.config.Topic).
		Msg("Starting session event publisher")

	go w.pollLoop()
}

// Stop stops the worker, draining buffered events with one delivery
// attempt each, then closes the sink.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping session event publisher")

	close(w.stopCh)
	<-w.doneCh // Wait for goroutine to finish
	w.running.Store(false)

	if err := w.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Str("worker", w.config.Name).Msg("Failed to close sink")
	}

	log.Info().Str("worker", w.config.Name).Msg("Session event publisher stopped")
}

// pollLoop is the main worker loop
func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			w.drain()
			return
		case ev := <-w.events:
			w.deliver(ev)
		}
	}
}

// drain delivers whatever is left in the buffer. Retry sleeps abort
// immediately once stopCh is closed, so each event gets one attempt.
func (w *Worker) drain() {
	for {
		select {
		case ev := <-w.events:
			w.deliver(ev)
		default:
			return
		}
	}
}

// deliver publishes a single event. Events that cannot be encoded or that
// exhaust their retries are dropped and counted.
func (w *Worker) deliver(ev session.Event) {
	value, err := encoding.Marshal(ev)
	if err != nil {
		telemetry.EventsDroppedTotal.Inc()
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("kind", string(ev.Kind)).
			Msg("Failed to encode event")
		return
	}

	key := ev.SID
	if key == "" {
		key = string(ev.Kind)
	}

	if err := w.publishWithRetry(w.config.Topic, key, value); err != nil {
		telemetry.EventsDroppedTotal.Inc()
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("kind", string(ev.Kind)).
			Msg("Failed to publish event")
		return
	}

	telemetry.EventsPublishedTotal.With(string(ev.Kind)).Inc()
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++

		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
