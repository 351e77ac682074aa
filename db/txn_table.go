package db

import (
	"fmt"

	"github.com/civetdb/civet/cfg"
	"github.com/civetdb/civet/hlc"
)

// TxnTable is the durable session-transactions table. It records, per
// session, the highest transaction number seen and the outcome of every
// executed statement, so that retryable writes can be answered from durable
// state after a failover.
//
// Implementations are safe for concurrent use.
type TxnTable interface {
	// EnsureTable creates the table if absent. A table that already exists
	// is success. Invoked on step-up.
	EnsureTable() error

	// PutSession upserts a session's durable record.
	PutSession(rec *SessionRecord) error

	// GetSession returns the durable record for a session, or nil if the
	// session has none.
	GetSession(sid string) (*SessionRecord, error)

	// SaveStatement persists one executed statement outcome.
	SaveStatement(rec *StatementRecord) error

	// GetStatements returns the persisted statements of one transaction in
	// statement-id order.
	GetStatements(sid string, txnNumber int64) ([]*StatementRecord, error)

	// DeleteSession removes a session's record and all of its statements.
	DeleteSession(sid string) error

	// HasDurableState reports whether the session has any durable record.
	HasDurableState(sid string) (bool, error)

	// FilterEntries returns the number of sessions tracked by the
	// durable-state filter, for the metrics collector.
	FilterEntries() int

	Close() error

	// Checkpoint flushes the store for a consistent on-disk state.
	Checkpoint() error
}

// SessionRecord is the durable per-session record.
type SessionRecord struct {
	SID              string        `msgpack:"sid"`
	HighestTxnNumber int64         `msgpack:"txn"`
	LastWriteTS      hlc.Timestamp `msgpack:"ts"`
}

// StatementRecord is the durable outcome of one executed statement.
type StatementRecord struct {
	SID        string        `msgpack:"sid"`
	TxnNumber  int64         `msgpack:"txn"`
	StmtID     int32         `msgpack:"stmt"`
	Payload    []byte        `msgpack:"p"`
	Compressed bool          `msgpack:"z"`
	ExecutedAt hlc.Timestamp `msgpack:"ts"`
}

// NewTxnTable opens the transaction table selected by the configuration.
func NewTxnTable() (TxnTable, error) {
	switch cfg.Config.Storage.Engine {
	case cfg.EnginePebble:
		return NewPebbleTxnTable(cfg.StorePath(), DefaultPebbleOptions())
	case cfg.EngineSQLite:
		return NewSQLiteTxnTable(cfg.StorePath()+".db", cfg.Config.Storage.SQLiteBusyTimeout)
	case cfg.EngineMemory:
		return NewMemoryTxnTable(), nil
	default:
		return nil, fmt.Errorf("unknown storage engine: %s", cfg.Config.Storage.Engine)
	}
}
