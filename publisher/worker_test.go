package publisher_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/civetdb/civet/encoding"
	"github.com/civetdb/civet/hlc"
	"github.com/civetdb/civet/publisher"
	"github.com/civetdb/civet/publisher/sink"
	"github.com/civetdb/civet/session"
)

func newTestWorker(t *testing.T, snk publisher.Sink, overrides func(*publisher.WorkerConfig)) *publisher.Worker {
	t.Helper()
	config := publisher.WorkerConfig{
		Name:         "test",
		Sink:         snk,
		Topic:        "civet.sessions",
		BufferSize:   16,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		MaxRetries:   3,
	}
	if overrides != nil {
		overrides(&config)
	}
	w, err := publisher.NewWorker(config)
	require.NoError(t, err)
	return w
}

func waitForMessages(t *testing.T, snk *sink.MockSink, n int) []sink.MockMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		msgs := snk.Messages()
		if len(msgs) >= n {
			return msgs
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(msgs))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWorker_ConfigValidation(t *testing.T) {
	_, err := publisher.NewWorker(publisher.WorkerConfig{Sink: &sink.MockSink{}, Topic: "t"})
	require.Error(t, err)

	_, err = publisher.NewWorker(publisher.WorkerConfig{Name: "w", Topic: "t"})
	require.Error(t, err)

	_, err = publisher.NewWorker(publisher.WorkerConfig{Name: "w", Sink: &sink.MockSink{}})
	require.Error(t, err)
}

func TestWorker_PublishesEvents(t *testing.T) {
	snk := &sink.MockSink{}
	w := newTestWorker(t, snk, nil)
	w.Start()
	defer w.Stop()

	ts := hlc.Timestamp{WallTime: 42, Logical: 7}
	w.Publish(session.Event{Kind: session.EventInvalidated, SID: "sid-1", TS: ts})

	msgs := waitForMessages(t, snk, 1)
	require.Equal(t, "civet.sessions", msgs[0].Topic)
	require.Equal(t, "sid-1", msgs[0].Key)

	var got session.Event
	require.NoError(t, encoding.Unmarshal(msgs[0].Value, &got))
	require.Equal(t, session.EventInvalidated, got.Kind)
	require.Equal(t, "sid-1", got.SID)
	require.Equal(t, ts, got.TS)
}

func TestWorker_KindKeyWhenNoSID(t *testing.T) {
	snk := &sink.MockSink{}
	w := newTestWorker(t, snk, nil)
	w.Start()
	defer w.Stop()

	w.Publish(session.Event{Kind: session.EventStepUp})

	msgs := waitForMessages(t, snk, 1)
	require.Equal(t, "step_up", msgs[0].Key)
}

func TestWorker_FullBufferDrops(t *testing.T) {
	snk := &sink.MockSink{}
	w := newTestWorker(t, snk, func(c *publisher.WorkerConfig) {
		c.BufferSize = 2
	})
	// Worker not started: the buffer fills and later events are dropped
	for i := 0; i < 5; i++ {
		w.Publish(session.Event{Kind: session.EventKilled, SID: "s"})
	}

	w.Start()
	msgs := waitForMessages(t, snk, 2)
	w.Stop()
	require.Len(t, msgs, 2)
}

func TestWorker_RetriesUntilSuccess(t *testing.T) {
	snk := &sink.MockSink{}
	snk.SetPublishErr(errors.New("broker unavailable"))
	w := newTestWorker(t, snk, nil)
	w.Start()
	defer w.Stop()

	w.Publish(session.Event{Kind: session.EventQuiesce})
	time.Sleep(2 * time.Millisecond)
	snk.SetPublishErr(nil)

	waitForMessages(t, snk, 1)
}

func TestWorker_ExhaustedRetriesDropEvent(t *testing.T) {
	snk := &sink.MockSink{}
	snk.SetPublishErr(errors.New("broker gone"))
	w := newTestWorker(t, snk, func(c *publisher.WorkerConfig) {
		c.MaxRetries = 2
	})
	w.Start()

	w.Publish(session.Event{Kind: session.EventKilled, SID: "dead"})
	time.Sleep(20 * time.Millisecond)
	snk.SetPublishErr(nil)
	w.Publish(session.Event{Kind: session.EventKilled, SID: "alive"})

	// The first event was dropped after exhausting retries; the second,
	// published once the sink recovered, goes through.
	msgs := waitForMessages(t, snk, 1)
	var got session.Event
	require.NoError(t, encoding.Unmarshal(msgs[len(msgs)-1].Value, &got))
	require.Equal(t, "alive", got.SID)

	w.Stop()
}

func TestWorker_StopDrainsBuffer(t *testing.T) {
	snk := &sink.MockSink{}
	w := newTestWorker(t, snk, nil)
	w.Start()

	for i := 0; i < 5; i++ {
		w.Publish(session.Event{Kind: session.EventInvalidated, SID: "s"})
	}
	w.Stop()

	require.Len(t, snk.Messages(), 5)
	require.True(t, snk.Closed())
}

func TestWorker_FilterSkipsKinds(t *testing.T) {
	snk := &sink.MockSink{}
	filter, err := publisher.NewKindFilter([]string{"killed"})
	require.NoError(t, err)

	w := newTestWorker(t, snk, func(c *publisher.WorkerConfig) {
		c.Filter = filter
	})
	w.Start()

	w.Publish(session.Event{Kind: session.EventInvalidated, SID: "skip"})
	w.Publish(session.Event{Kind: session.EventKilled, SID: "keep"})
	w.Stop()

	msgs := snk.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "keep", msgs[0].Key)
}

func TestWorker_StartStopIdempotent(t *testing.T) {
	snk := &sink.MockSink{}
	w := newTestWorker(t, snk, nil)

	w.Start()
	w.Start()
	w.Stop()
	w.Stop()
}
