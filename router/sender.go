package router

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/civetdb/civet/telemetry"
)

// Request is one command destined for one shard
type Request struct {
	ShardID string
	Payload map[string]interface{}
}

// Response is one shard's reply. Transport failures arrive in Err with a
// nil payload.
type Response struct {
	ShardID string
	Payload map[string]interface{}
	Err     error
}

// AsyncSender dispatches a request batch and hands back responses one at a
// time. Next consumes responses in request order; calling it after Done
// reports true is a programmer error.
type AsyncSender interface {
	Done() bool
	Next() Response
	StopRetrying()
}

// ShardClient executes a single command against a shard. The grpc package
// provides the wire implementation.
type ShardClient interface {
	Execute(ctx context.Context, shardID string, payload map[string]interface{}) (map[string]interface{}, error)
}

// RetryPolicy bounds per-request retries inside the sender
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// NoRetry performs a single attempt per request
var NoRetry = RetryPolicy{MaxAttempts: 1}

// FanOutSender sends every request concurrently and resolves a future per
// request. Retries happen here and only here; adapters layered on top must
// not add their own.
type FanOutSender struct {
	futures []*future.Future[Response]
	next    int
	halted  atomic.Bool
}

// NewFanOutSender dispatches the batch immediately. readPref, when set, is
// attached to each outgoing payload.
func NewFanOutSender(ctx context.Context, client ShardClient, requests []Request, readPref string, retry RetryPolicy) *FanOutSender {
	s := &FanOutSender{futures: make([]*future.Future[Response], 0, len(requests))}
	for _, req := range requests {
		p := future.NewPromise[Response]()
		s.futures = append(s.futures, p.Future())
		go s.send(ctx, client, req, readPref, retry, p)
	}
	return s
}

func (s *FanOutSender) send(ctx context.Context, client ShardClient, req Request, readPref string, retry RetryPolicy, p *future.Promise[Response]) {
	payload := req.Payload
	if readPref != "" {
		withPref := make(map[string]interface{}, len(payload)+1)
		for k, v := range payload {
			withPref[k] = v
		}
		withPref["$readPreference"] = readPref
		payload = withPref
	}

	attempts := retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	resp := Response{ShardID: req.ShardID}
	for attempt := 1; ; attempt++ {
		start := time.Now()
		out, err := client.Execute(ctx, req.ShardID, payload)
		telemetry.ShardCommandSeconds.Observe(time.Since(start).Seconds())

		if err == nil {
			resp.Payload = out
			resp.Err = nil
			telemetry.RouterRequestsTotal.With("ok").Inc()
			break
		}

		resp.Err = err
		if attempt >= attempts || s.halted.Load() || ctx.Err() != nil {
			telemetry.RouterRequestsTotal.With("failed").Inc()
			log.Debug().Err(err).Str("shard", req.ShardID).Int("attempts", attempt).Msg("Shard request failed")
			break
		}

		telemetry.RouterRequestsTotal.With("retried").Inc()
		select {
		case <-time.After(retry.Backoff):
		case <-ctx.Done():
		}
	}

	p.Set(resp, nil)
}

// Done reports whether every response has been consumed
func (s *FanOutSender) Done() bool {
	return s.next >= len(s.futures)
}

// Next blocks for and consumes the next response, in request order
func (s *FanOutSender) Next() Response {
	if s.Done() {
		panic("router: Next called on a drained sender")
	}
	f := s.futures[s.next]
	s.next++
	resp, _ := f.Get()
	return resp
}

// StopRetrying makes in-flight requests fail on their next error instead of
// backing off again. Requests that already succeeded are unaffected.
func (s *FanOutSender) StopRetrying() {
	s.halted.Store(true)
}
