package publisher_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/civetdb/civet/cfg"
	"github.com/civetdb/civet/publisher"
	"github.com/civetdb/civet/publisher/sink"
)

func TestFromConfiguration_RegisteredSink(t *testing.T) {
	snk := &sink.MockSink{}
	publisher.RegisterSink("recording", func(cfg.SinkConfiguration) (publisher.Sink, error) {
		return snk, nil
	})

	w, err := publisher.FromConfiguration(cfg.SinkConfiguration{
		Type:  "recording",
		Topic: "civet.sessions",
	})
	require.NoError(t, err)

	w.Start()
	w.Stop()
	require.True(t, snk.Closed())
}

func TestFromConfiguration_UnknownType(t *testing.T) {
	_, err := publisher.FromConfiguration(cfg.SinkConfiguration{
		Type:  "carrier-pigeon",
		Topic: "civet.sessions",
	})
	require.Error(t, err)
}

func TestFromConfiguration_BadFilterPattern(t *testing.T) {
	publisher.RegisterSink("noop", func(cfg.SinkConfiguration) (publisher.Sink, error) {
		return &sink.MockSink{}, nil
	})

	_, err := publisher.FromConfiguration(cfg.SinkConfiguration{
		Type:        "noop",
		Topic:       "civet.sessions",
		FilterKinds: []string{"[bad"},
	})
	require.Error(t, err)
}
