package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/civetdb/civet/hlc"
	"github.com/civetdb/civet/session"
)

func TestParticipant_AttachTxnFields(t *testing.T) {
	r := NewTransactionRouter("sid-r1", 7, "majority")
	p := r.Participant("shard-a")

	first := p.AttachTxnFields(map[string]interface{}{"insert": "orders"})
	require.Equal(t, "orders", first["insert"])
	require.Equal(t, int64(7), first["txnNumber"])
	require.Equal(t, false, first["autocommit"])
	require.Equal(t, int32(0), first["stmtId"])
	require.Equal(t, true, first["startTransaction"])
	require.Equal(t, "majority", first["readConcern"])

	// Until a command actually reached the shard, retried attaches still
	// carry the start fields, with fresh statement IDs
	second := p.AttachTxnFields(map[string]interface{}{"update": "orders"})
	require.Equal(t, int32(1), second["stmtId"])
	require.Equal(t, true, second["startTransaction"])

	p.MarkAsCommandSent()
	third := p.AttachTxnFields(map[string]interface{}{"find": "orders"})
	require.Equal(t, int32(2), third["stmtId"])
	require.NotContains(t, third, "startTransaction")
	require.NotContains(t, third, "readConcern")
}

func TestParticipant_AttachDoesNotMutateInput(t *testing.T) {
	r := NewTransactionRouter("sid-r2", 1, "")
	p := r.Participant("shard-a")

	in := map[string]interface{}{"find": "users"}
	out := p.AttachTxnFields(in)
	require.Len(t, in, 1)
	require.NotContains(t, in, "txnNumber")
	require.Contains(t, out, "txnNumber")
	require.NotContains(t, out, "readConcern")
}

func TestTransactionRouter_ParticipantReuse(t *testing.T) {
	r := NewTransactionRouter("sid-r3", 2, "local")

	a := r.Participant("shard-a")
	require.Same(t, a, r.Participant("shard-a"))
	r.Participant("shard-b")
	require.ElementsMatch(t, []string{"shard-a", "shard-b"}, r.ParticipantShards())

	r.MarkAsCommandSent("shard-a")
	require.True(t, a.CommandSent())

	// Marking an uncontacted shard is a no-op
	r.MarkAsCommandSent("shard-z")
}

func TestRouterContextBinding(t *testing.T) {
	require.Nil(t, FromContext(context.Background()))

	r := NewTransactionRouter("sid-r4", 3, "")
	ctx := WithRouter(context.Background(), r)
	require.Same(t, r, FromContext(ctx))
}

func TestParticipantList_Votes(t *testing.T) {
	l := NewParticipantList([]string{"shard-a", "shard-b"})

	commit, decided := l.Decision()
	require.False(t, decided)
	require.False(t, commit)

	require.NoError(t, l.RecordVote("shard-a", VoteCommit, hlc.Timestamp{WallTime: 10}))
	_, decided = l.Decision()
	require.False(t, decided)

	require.NoError(t, l.RecordVote("shard-b", VoteCommit, hlc.Timestamp{WallTime: 20}))
	commit, decided = l.Decision()
	require.True(t, decided)
	require.True(t, commit)
	require.Equal(t, int64(20), l.HighestPrepareTS().WallTime)

	require.Error(t, l.RecordVote("shard-x", VoteCommit, hlc.Timestamp{}))
	require.Error(t, l.RecordVote("shard-a", VoteAbort, hlc.Timestamp{}))
}

func TestParticipantList_AbortDecidesImmediately(t *testing.T) {
	l := NewParticipantList([]string{"shard-a", "shard-b", "shard-c"})

	require.NoError(t, l.RecordVote("shard-b", VoteAbort, hlc.Timestamp{}))
	commit, decided := l.Decision()
	require.True(t, decided)
	require.False(t, commit)
}

func TestParticipantList_Acks(t *testing.T) {
	l := NewParticipantList([]string{"shard-a", "shard-b"})

	require.False(t, l.AllAcked())
	require.NoError(t, l.RecordAck("shard-a"))
	require.False(t, l.AllAcked())
	require.NoError(t, l.RecordAck("shard-b"))
	require.True(t, l.AllAcked())
	require.Error(t, l.RecordAck("shard-x"))
}

// fakeShardClient scripts per-shard failures before success
type fakeShardClient struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFakeShardClient(failures map[string]int) *fakeShardClient {
	return &fakeShardClient{failures: failures, calls: make(map[string]int)}
}

func (f *fakeShardClient) Execute(_ context.Context, shardID string, payload map[string]interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[shardID]++
	if f.failures[shardID] > 0 {
		f.failures[shardID]--
		return nil, errors.New("shard unavailable")
	}
	return map[string]interface{}{"ok": true, "shard": shardID}, nil
}

func (f *fakeShardClient) callCount(shardID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[shardID]
}

func TestFanOutSender_ResponsesInRequestOrder(t *testing.T) {
	client := newFakeShardClient(nil)
	requests := []Request{
		{ShardID: "shard-a", Payload: map[string]interface{}{"n": 1}},
		{ShardID: "shard-b", Payload: map[string]interface{}{"n": 2}},
		{ShardID: "shard-c", Payload: map[string]interface{}{"n": 3}},
	}

	s := NewFanOutSender(context.Background(), client, requests, "", NoRetry)
	for _, want := range []string{"shard-a", "shard-b", "shard-c"} {
		require.False(t, s.Done())
		resp := s.Next()
		require.NoError(t, resp.Err)
		require.Equal(t, want, resp.ShardID)
		require.Equal(t, want, resp.Payload["shard"])
	}
	require.True(t, s.Done())
	require.Panics(t, func() { s.Next() })
}

func TestFanOutSender_EmptyBatch(t *testing.T) {
	s := NewFanOutSender(context.Background(), newFakeShardClient(nil), nil, "", NoRetry)
	require.True(t, s.Done())
}

func TestFanOutSender_RetriesUntilSuccess(t *testing.T) {
	client := newFakeShardClient(map[string]int{"shard-a": 2})
	requests := []Request{{ShardID: "shard-a", Payload: map[string]interface{}{}}}

	s := NewFanOutSender(context.Background(), client, requests, "",
		RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond})
	resp := s.Next()
	require.NoError(t, resp.Err)
	require.Equal(t, 3, client.callCount("shard-a"))
}

func TestFanOutSender_ExhaustedRetriesDeliverError(t *testing.T) {
	client := newFakeShardClient(map[string]int{"shard-a": 10})
	requests := []Request{{ShardID: "shard-a", Payload: map[string]interface{}{}}}

	s := NewFanOutSender(context.Background(), client, requests, "",
		RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond})
	resp := s.Next()
	require.Error(t, resp.Err)
	require.Equal(t, 2, client.callCount("shard-a"))
}

func TestFanOutSender_StopRetrying(t *testing.T) {
	client := newFakeShardClient(map[string]int{"shard-a": 1 << 30})
	requests := []Request{{ShardID: "shard-a", Payload: map[string]interface{}{}}}

	s := NewFanOutSender(context.Background(), client, requests, "",
		RetryPolicy{MaxAttempts: 1 << 30, Backoff: time.Millisecond})
	s.StopRetrying()

	resp := s.Next()
	require.Error(t, resp.Err)
}

func TestFanOutSender_AttachesReadPreference(t *testing.T) {
	var got map[string]interface{}
	client := &captureClient{}
	requests := []Request{{ShardID: "shard-a", Payload: map[string]interface{}{"find": "x"}}}

	s := NewFanOutSender(context.Background(), client, requests, "secondaryPreferred", NoRetry)
	_ = s.Next()

	got = client.last()
	require.Equal(t, "secondaryPreferred", got["$readPreference"])
	require.Equal(t, "x", got["find"])
	// The caller's payload stays clean
	require.NotContains(t, requests[0].Payload, "$readPreference")
}

type captureClient struct {
	mu      sync.Mutex
	payload map[string]interface{}
}

func (c *captureClient) Execute(_ context.Context, _ string, payload map[string]interface{}) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload = payload
	return map[string]interface{}{"ok": true}, nil
}

func (c *captureClient) last() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload
}

// scriptedSender feeds canned responses and records the batch it was built
// with
type scriptedSender struct {
	requests []Request
	next     int
	stopped  bool
}

func (s *scriptedSender) Done() bool { return s.next >= len(s.requests) }

func (s *scriptedSender) Next() Response {
	req := s.requests[s.next]
	s.next++
	return Response{ShardID: req.ShardID, Payload: map[string]interface{}{"ok": true}}
}

func (s *scriptedSender) StopRetrying() { s.stopped = true }

func TestMultiStatementSender_AttachesAndMarks(t *testing.T) {
	r := NewTransactionRouter("sid-m1", 9, "majority")
	ctx := WithRouter(context.Background(), r)
	op := session.NewOperation(ctx, session.NewClient("router-test"))

	requests := []Request{
		{ShardID: "shard-a", Payload: map[string]interface{}{"n": 1}},
		{ShardID: "shard-b", Payload: map[string]interface{}{"n": 2}},
		{ShardID: "shard-c", Payload: map[string]interface{}{"n": 3}},
	}

	var sender *scriptedSender
	m := NewMultiStatementSender(op, requests, "", NoRetry,
		func(prepared []Request, _ string, _ RetryPolicy) AsyncSender {
			sender = &scriptedSender{requests: prepared}
			return sender
		})

	// Every dispatched payload was rewritten before the sender saw it
	require.Len(t, sender.requests, 3)
	for _, req := range sender.requests {
		require.Equal(t, int64(9), req.Payload["txnNumber"])
		require.Equal(t, true, req.Payload["startTransaction"])
		require.Equal(t, false, req.Payload["autocommit"])
		require.Contains(t, req.Payload, "stmtId")
	}

	for i := 0; i < 3; i++ {
		require.False(t, m.Done())
		resp := m.Next()
		require.True(t, r.Participant(resp.ShardID).CommandSent())
	}
	require.True(t, m.Done())
}

func TestMultiStatementSender_NoRouterPassthrough(t *testing.T) {
	op := session.NewOperation(context.Background(), session.NewClient("plain"))
	requests := []Request{{ShardID: "shard-a", Payload: map[string]interface{}{"find": "y"}}}

	var sender *scriptedSender
	m := NewMultiStatementSender(op, requests, "", NoRetry,
		func(prepared []Request, _ string, _ RetryPolicy) AsyncSender {
			sender = &scriptedSender{requests: prepared}
			return sender
		})

	require.Len(t, sender.requests, 1)
	require.NotContains(t, sender.requests[0].Payload, "txnNumber")

	resp := m.Next()
	require.Equal(t, "shard-a", resp.ShardID)

	m.StopRetrying()
	require.True(t, sender.stopped)
}
