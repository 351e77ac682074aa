// Package router coordinates multi-statement transactions across shards:
// per-shard participant records, the coordination fields attached to
// outgoing commands, and the fan-out machinery that sends a statement batch
// and collects responses.
package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// TransactionRouter carries the router-side state of one multi-statement
// transaction: which shards participate and what coordination fields each
// of their commands must carry.
type TransactionRouter struct {
	sid         string
	txnNumber   int64
	readConcern string

	mu           sync.Mutex
	participants map[string]*Participant
}

// NewTransactionRouter starts router state for one transaction attempt
func NewTransactionRouter(sid string, txnNumber int64, readConcern string) *TransactionRouter {
	return &TransactionRouter{
		sid:          sid,
		txnNumber:    txnNumber,
		readConcern:  readConcern,
		participants: make(map[string]*Participant),
	}
}

// SID returns the canonical session ID the transaction runs on
func (r *TransactionRouter) SID() string {
	return r.sid
}

// TxnNumber returns the transaction number being routed
func (r *TransactionRouter) TxnNumber() int64 {
	return r.txnNumber
}

// Participant returns the record for a shard, creating it on first contact
func (r *TransactionRouter) Participant(shardID string) *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[shardID]
	if !ok {
		p = newParticipant(shardID, r.txnNumber, r.readConcern)
		r.participants[shardID] = p
		log.Debug().
			Str("sid", r.sid).
			Int64("txn", r.txnNumber).
			Str("shard", shardID).
			Msg("Added transaction participant")
	}
	return p
}

// MarkAsCommandSent records that a command reached the shard, so later
// commands stop carrying the start-transaction fields.
func (r *TransactionRouter) MarkAsCommandSent(shardID string) {
	r.mu.Lock()
	p, ok := r.participants[shardID]
	r.mu.Unlock()
	if ok {
		p.MarkAsCommandSent()
	}
}

// ParticipantShards returns the shards contacted so far
func (r *TransactionRouter) ParticipantShards() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.participants))
	for shard := range r.participants {
		out = append(out, shard)
	}
	return out
}

type routerContextKey struct{}

// WithRouter binds a transaction router to the operation context
func WithRouter(ctx context.Context, r *TransactionRouter) context.Context {
	return context.WithValue(ctx, routerContextKey{}, r)
}

// FromContext returns the router bound to ctx, or nil for operations that
// are not part of a multi-statement transaction.
func FromContext(ctx context.Context) *TransactionRouter {
	r, _ := ctx.Value(routerContextKey{}).(*TransactionRouter)
	return r
}
