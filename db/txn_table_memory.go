package db

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/civetdb/civet/encoding"
)

// MemoryTxnTable implements TxnTable with lock-free maps. Used by tests and
// ephemeral nodes; nothing survives a restart.
type MemoryTxnTable struct {
	sessions   *xsync.MapOf[string, *SessionRecord]
	statements *xsync.MapOf[string, *StatementRecord]
	ensured    atomic.Bool
}

// Ensure MemoryTxnTable implements TxnTable
var _ TxnTable = (*MemoryTxnTable)(nil)

// NewMemoryTxnTable creates an in-memory TxnTable
func NewMemoryTxnTable() *MemoryTxnTable {
	return &MemoryTxnTable{
		sessions:   xsync.NewMapOf[string, *SessionRecord](),
		statements: xsync.NewMapOf[string, *StatementRecord](),
	}
}

// EnsureTable is trivially idempotent for the in-memory backend
func (t *MemoryTxnTable) EnsureTable() error {
	t.ensured.Store(true)
	return nil
}

// PutSession upserts a session's durable record
func (t *MemoryTxnTable) PutSession(rec *SessionRecord) error {
	copied := *rec
	t.sessions.Store(rec.SID, &copied)
	return nil
}

// GetSession returns the durable record for a session, or nil if absent
func (t *MemoryTxnTable) GetSession(sid string) (*SessionRecord, error) {
	rec, ok := t.sessions.Load(sid)
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

// SaveStatement persists one executed statement outcome
func (t *MemoryTxnTable) SaveStatement(rec *StatementRecord) error {
	copied := *rec
	key := encoding.StatementKey(rec.SID, rec.TxnNumber, rec.StmtID)
	t.statements.Store(key, &copied)
	return nil
}

// GetStatements returns the persisted statements of one transaction in
// statement-id order
func (t *MemoryTxnTable) GetStatements(sid string, txnNumber int64) ([]*StatementRecord, error) {
	prefix := encoding.TxnStatementPrefix(sid, txnNumber)

	var records []*StatementRecord
	t.statements.Range(func(key string, rec *StatementRecord) bool {
		if strings.HasPrefix(key, prefix) {
			copied := *rec
			records = append(records, &copied)
		}
		return true
	})

	sort.Slice(records, func(i, j int) bool {
		return records[i].StmtID < records[j].StmtID
	})
	return records, nil
}

// DeleteSession removes a session's record and all of its statements
func (t *MemoryTxnTable) DeleteSession(sid string) error {
	t.sessions.Delete(sid)

	prefix := encoding.StatementPrefix(sid)
	t.statements.Range(func(key string, _ *StatementRecord) bool {
		if strings.HasPrefix(key, prefix) {
			t.statements.Delete(key)
		}
		return true
	})
	return nil
}

// HasDurableState reports whether the session has any durable record
func (t *MemoryTxnTable) HasDurableState(sid string) (bool, error) {
	_, ok := t.sessions.Load(sid)
	return ok, nil
}

// FilterEntries returns the resident session count; the memory backend has
// no filter so the count is exact.
func (t *MemoryTxnTable) FilterEntries() int {
	return t.sessions.Size()
}

// Close is a no-op for the in-memory backend
func (t *MemoryTxnTable) Close() error {
	return nil
}

// Checkpoint is a no-op for the in-memory backend
func (t *MemoryTxnTable) Checkpoint() error {
	return nil
}
