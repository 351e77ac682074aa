// Package txn holds the per-session transaction participant state: the
// retryable-write history and multi-statement transaction progress of one
// logical session. The catalog treats this state as opaque apart from
// Invalidate.
package txn

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/civetdb/civet/db"
	"github.com/civetdb/civet/hlc"
)

// Participant tracks one session's transaction progress. It is exclusive to
// the session's current holder, except for Invalidate which may be called
// concurrently.
type Participant struct {
	sid   string
	table db.TxnTable
	clock *hlc.Clock

	mu        sync.Mutex
	valid     bool
	refreshed bool
	highest   int64
	// Completed statement IDs per transaction number
	completed map[int64]map[int32]struct{}
}

// NewParticipant creates participant state for a session. The state starts
// unrefreshed; callers hydrate it with Refresh before use.
func NewParticipant(sid string, table db.TxnTable, clock *hlc.Clock) *Participant {
	return &Participant{
		sid:       sid,
		table:     table,
		clock:     clock,
		completed: make(map[int64]map[int32]struct{}),
	}
}

// SID returns the canonical session ID string this state belongs to
func (p *Participant) SID() string {
	return p.sid
}

// Invalidate marks the state stale. Idempotent, safe to call while another
// goroutine is using the participant; the holder observes the flag at the
// next use point and must Refresh before continuing.
func (p *Participant) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.valid && !p.refreshed {
		return
	}
	p.valid = false
	p.highest = 0
	p.completed = make(map[int64]map[int32]struct{})
}

// Valid reports whether the state is usable without a refresh
func (p *Participant) Valid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valid
}

// Refresh hydrates the participant from the durable transaction table and
// marks it valid.
func (p *Participant) Refresh() error {
	rec, err := p.table.GetSession(p.sid)
	if err != nil {
		return err
	}

	var highest int64
	completed := make(map[int64]map[int32]struct{})
	if rec != nil {
		highest = rec.HighestTxnNumber
		statements, err := p.table.GetStatements(p.sid, highest)
		if err != nil {
			return err
		}
		for _, stmt := range statements {
			if completed[stmt.TxnNumber] == nil {
				completed[stmt.TxnNumber] = make(map[int32]struct{})
			}
			completed[stmt.TxnNumber][stmt.StmtID] = struct{}{}
		}
	}

	p.mu.Lock()
	p.valid = true
	p.refreshed = true
	p.highest = highest
	p.completed = completed
	p.mu.Unlock()

	log.Debug().Str("sid", p.sid).Int64("highest_txn", highest).Msg("Refreshed session transaction state")
	return nil
}

// HighestTxnNumber returns the highest transaction number seen
func (p *Participant) HighestTxnNumber() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highest
}

// BeginOrContinue starts a new transaction or continues the current one.
// Transaction numbers are monotonic per session: an older number fails with
// StaleTxnNumberError.
func (p *Participant) BeginOrContinue(txnNumber int64) error {
	p.mu.Lock()
	if !p.valid {
		sid := p.sid
		refreshed := p.refreshed
		p.mu.Unlock()
		if refreshed {
			return &InvalidatedError{SID: sid}
		}
		return &NotRefreshedError{SID: sid}
	}

	if txnNumber < p.highest {
		err := &StaleTxnNumberError{SID: p.sid, Highest: p.highest, Attempted: txnNumber}
		p.mu.Unlock()
		return err
	}

	if txnNumber == p.highest {
		p.mu.Unlock()
		return nil
	}

	p.highest = txnNumber
	p.completed[txnNumber] = make(map[int32]struct{})
	p.mu.Unlock()

	return p.table.PutSession(&db.SessionRecord{
		SID:              p.sid,
		HighestTxnNumber: txnNumber,
		LastWriteTS:      p.clock.Now(),
	})
}

// SaveExecution persists one statement outcome and records it as completed
func (p *Participant) SaveExecution(txnNumber int64, stmtID int32, payload []byte) error {
	p.mu.Lock()
	if !p.valid {
		sid := p.sid
		p.mu.Unlock()
		return &InvalidatedError{SID: sid}
	}
	if txnNumber != p.highest {
		err := &StaleTxnNumberError{SID: p.sid, Highest: p.highest, Attempted: txnNumber}
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	if err := p.table.SaveStatement(&db.StatementRecord{
		SID:        p.sid,
		TxnNumber:  txnNumber,
		StmtID:     stmtID,
		Payload:    payload,
		ExecutedAt: p.clock.Now(),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	if p.completed[txnNumber] == nil {
		p.completed[txnNumber] = make(map[int32]struct{})
	}
	p.completed[txnNumber][stmtID] = struct{}{}
	p.mu.Unlock()
	return nil
}

// HasExecuted reports whether a statement of the current transaction already
// ran. Retried writes consult this before re-executing.
func (p *Participant) HasExecuted(txnNumber int64, stmtID int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	stmts, ok := p.completed[txnNumber]
	if !ok {
		return false
	}
	_, executed := stmts[stmtID]
	return executed
}
