package session

import (
	"github.com/civetdb/civet/txn"
)

// Record is the runtime entry for one session. The catalog mutex guards
// checkedOut and currentOp; the transaction participant is exclusive to the
// holder while checked out, except for Invalidate.
//
// Records are shared between the catalog map and any live holder: erasing a
// record from the map never destroys a held one, the holder's pointer keeps
// it alive until release.
type Record struct {
	id  ID
	txn *txn.Participant

	// Guarded by the catalog mutex
	checkedOut bool
	currentOp  *Operation

	// Capacity 1: a release hands out at most one wake token, waking a
	// single waiter. Spurious tokens are harmless since waiters recheck
	// checkedOut under the catalog mutex.
	wakeCh chan struct{}
}

func newRecord(id ID, participant *txn.Participant) *Record {
	return &Record{
		id:     id,
		txn:    participant,
		wakeCh: make(chan struct{}, 1),
	}
}

// ID returns the session ID this record belongs to
func (r *Record) ID() ID {
	return r.id
}

// Txn returns the session's transaction participant state. Only the current
// holder may use it for anything beyond Invalidate.
func (r *Record) Txn() *txn.Participant {
	return r.txn
}

func (r *Record) wakeOne() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}
