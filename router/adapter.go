package router

import (
	"github.com/civetdb/civet/session"
	"github.com/civetdb/civet/telemetry"
)

// SenderFactory builds the underlying async sender for a prepared batch.
// Injected so tests can observe the rewritten requests.
type SenderFactory func(requests []Request, readPref string, retry RetryPolicy) AsyncSender

// MultiStatementSender decorates a request batch with the transaction
// coordination fields of the router bound to the operation, then delegates
// sending. Operations outside a transaction pass through untouched. The
// adapter adds no retry behavior of its own.
type MultiStatementSender struct {
	router *TransactionRouter
	sender AsyncSender
}

// NewMultiStatementSender prepares and dispatches the batch
func NewMultiStatementSender(op *session.Operation, requests []Request, readPref string, retry RetryPolicy, factory SenderFactory) *MultiStatementSender {
	r := FromContext(op.Ctx)

	prepared := requests
	if r != nil {
		prepared = make([]Request, len(requests))
		for i, req := range requests {
			participant := r.Participant(req.ShardID)
			prepared[i] = Request{
				ShardID: req.ShardID,
				Payload: participant.AttachTxnFields(req.Payload),
			}
		}
		telemetry.RouterParticipants.Observe(float64(len(r.ParticipantShards())))
	}

	return &MultiStatementSender{
		router: r,
		sender: factory(prepared, readPref, retry),
	}
}

// Done reports whether all responses have been consumed
func (m *MultiStatementSender) Done() bool {
	return m.sender.Done()
}

// Next consumes one response. Once a response arrives the shard has seen
// the command, so the participant is marked sent even on error replies.
func (m *MultiStatementSender) Next() Response {
	resp := m.sender.Next()
	if m.router != nil {
		m.router.MarkAsCommandSent(resp.ShardID)
	}
	return resp
}

// StopRetrying forwards to the underlying sender
func (m *MultiStatementSender) StopRetrying() {
	m.sender.StopRetrying()
}
