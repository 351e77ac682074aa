package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"

	"github.com/civetdb/civet/cfg"
	"github.com/civetdb/civet/telemetry"
)

// SQLiteTxnTable implements TxnTable using SQLite
type SQLiteTxnTable struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	dialect goqu.DialectWrapper

	sessTable string
	stmtTable string

	filter *SessionFilter
}

// Ensure SQLiteTxnTable implements TxnTable
var _ TxnTable = (*SQLiteTxnTable)(nil)

// NewSQLiteTxnTable creates a new SQLite-backed TxnTable
func NewSQLiteTxnTable(path string, busyTimeoutMS int) (*SQLiteTxnTable, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	// Write connection (1 connection)
	writeDSN := path
	if !isMemoryDB {
		writeDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open session write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDSN := path
	if !isMemoryDB {
		readDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
	}

	readDB := writeDB
	if !isMemoryDB {
		readDB, err = sql.Open("sqlite3", readDSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to open session read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(0)

		for _, db := range []*sql.DB{writeDB, readDB} {
			if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
			}
		}
	}

	ns := namespaceIdent(cfg.Config.Storage.TableNamespace)
	table := &SQLiteTxnTable{
		writeDB:   writeDB,
		readDB:    readDB,
		path:      path,
		dialect:   goqu.Dialect("sqlite3"),
		sessTable: ns,
		stmtTable: ns + "_stmts",
		filter:    NewSessionFilter(cfg.Config.Storage.FilterCapacity),
	}

	return table, nil
}

// namespaceIdent turns the conventional dotted namespace into a legal SQLite
// identifier.
func namespaceIdent(ns string) string {
	return strings.ReplaceAll(ns, ".", "_")
}

// EnsureTable creates both tables. "Already exists" is success.
func (t *SQLiteTxnTable) EnsureTable() error {
	schemas := []string{
		fmt.Sprintf(`CREATE TABLE %s (
			sid TEXT PRIMARY KEY,
			highest_txn_number INTEGER NOT NULL,
			last_write_ts_wall INTEGER NOT NULL,
			last_write_ts_logical INTEGER NOT NULL,
			last_write_ts_node INTEGER NOT NULL
		)`, t.sessTable),
		fmt.Sprintf(`CREATE TABLE %s (
			sid TEXT NOT NULL,
			txn_number INTEGER NOT NULL,
			stmt_id INTEGER NOT NULL,
			payload BLOB,
			executed_ts_wall INTEGER NOT NULL,
			executed_ts_logical INTEGER NOT NULL,
			executed_ts_node INTEGER NOT NULL,
			PRIMARY KEY (sid, txn_number, stmt_id)
		)`, t.stmtTable),
	}

	for _, schema := range schemas {
		if _, err := t.writeDB.Exec(schema); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return &TableCreationError{Namespace: cfg.Config.Storage.TableNamespace, Cause: err}
		}
	}

	return t.rebuildFilter()
}

func (t *SQLiteTxnTable) rebuildFilter() error {
	rows, err := t.readDB.Query(fmt.Sprintf("SELECT sid FROM %s", t.sessTable))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return err
		}
		t.filter.Add(HashSID(sid))
	}
	return rows.Err()
}

// PutSession upserts a session's durable record
func (t *SQLiteTxnTable) PutSession(rec *SessionRecord) error {
	start := time.Now()

	query, args, err := t.dialect.Insert(t.sessTable).
		Rows(goqu.Record{
			"sid":                   rec.SID,
			"highest_txn_number":    rec.HighestTxnNumber,
			"last_write_ts_wall":    rec.LastWriteTS.WallTime,
			"last_write_ts_logical": rec.LastWriteTS.Logical,
			"last_write_ts_node":    rec.LastWriteTS.NodeID,
		}).
		OnConflict(goqu.DoUpdate("sid", goqu.Record{
			"highest_txn_number":    rec.HighestTxnNumber,
			"last_write_ts_wall":    rec.LastWriteTS.WallTime,
			"last_write_ts_logical": rec.LastWriteTS.Logical,
			"last_write_ts_node":    rec.LastWriteTS.NodeID,
		})).
		ToSQL()
	if err != nil {
		return err
	}

	if _, err := t.writeDB.Exec(query, args...); err != nil {
		telemetry.TableOpsTotal.With("put", "failed").Inc()
		return err
	}

	t.filter.Add(HashSID(rec.SID))
	telemetry.TableOpSeconds.With("put").Observe(time.Since(start).Seconds())
	telemetry.TableOpsTotal.With("put", "ok").Inc()
	return nil
}

// GetSession returns the durable record for a session, or nil if absent
func (t *SQLiteTxnTable) GetSession(sid string) (*SessionRecord, error) {
	start := time.Now()

	query, args, err := t.dialect.From(t.sessTable).
		Select("sid", "highest_txn_number", "last_write_ts_wall",
			"last_write_ts_logical", "last_write_ts_node").
		Where(goqu.C("sid").Eq(sid)).
		ToSQL()
	if err != nil {
		return nil, err
	}

	var rec SessionRecord
	row := t.readDB.QueryRow(query, args...)
	err = row.Scan(&rec.SID, &rec.HighestTxnNumber, &rec.LastWriteTS.WallTime,
		&rec.LastWriteTS.Logical, &rec.LastWriteTS.NodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		telemetry.TableOpsTotal.With("get", "failed").Inc()
		return nil, err
	}

	telemetry.TableOpSeconds.With("get").Observe(time.Since(start).Seconds())
	telemetry.TableOpsTotal.With("get", "ok").Inc()
	return &rec, nil
}

// SaveStatement persists one executed statement outcome
func (t *SQLiteTxnTable) SaveStatement(rec *StatementRecord) error {
	start := time.Now()

	query, args, err := t.dialect.Insert(t.stmtTable).
		Rows(goqu.Record{
			"sid":                 rec.SID,
			"txn_number":          rec.TxnNumber,
			"stmt_id":             rec.StmtID,
			"payload":             rec.Payload,
			"executed_ts_wall":    rec.ExecutedAt.WallTime,
			"executed_ts_logical": rec.ExecutedAt.Logical,
			"executed_ts_node":    rec.ExecutedAt.NodeID,
		}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return err
	}

	if _, err := t.writeDB.Exec(query, args...); err != nil {
		telemetry.TableOpsTotal.With("save_stmt", "failed").Inc()
		return err
	}

	t.filter.Add(HashSID(rec.SID))
	telemetry.TableOpSeconds.With("save_stmt").Observe(time.Since(start).Seconds())
	telemetry.TableOpsTotal.With("save_stmt", "ok").Inc()
	return nil
}

// GetStatements returns the persisted statements of one transaction in
// statement-id order
func (t *SQLiteTxnTable) GetStatements(sid string, txnNumber int64) ([]*StatementRecord, error) {
	start := time.Now()

	query, args, err := t.dialect.From(t.stmtTable).
		Select("sid", "txn_number", "stmt_id", "payload",
			"executed_ts_wall", "executed_ts_logical", "executed_ts_node").
		Where(goqu.C("sid").Eq(sid), goqu.C("txn_number").Eq(txnNumber)).
		Order(goqu.C("stmt_id").Asc()).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := t.readDB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StatementRecord
	for rows.Next() {
		var rec StatementRecord
		if err := rows.Scan(&rec.SID, &rec.TxnNumber, &rec.StmtID, &rec.Payload,
			&rec.ExecutedAt.WallTime, &rec.ExecutedAt.Logical, &rec.ExecutedAt.NodeID); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	telemetry.TableOpSeconds.With("scan").Observe(time.Since(start).Seconds())
	telemetry.TableOpsTotal.With("scan", "ok").Inc()
	return records, nil
}

// DeleteSession removes a session's record and all of its statements
func (t *SQLiteTxnTable) DeleteSession(sid string) error {
	for _, table := range []string{t.stmtTable, t.sessTable} {
		query, args, err := t.dialect.Delete(table).
			Where(goqu.C("sid").Eq(sid)).
			ToSQL()
		if err != nil {
			return err
		}
		if _, err := t.writeDB.Exec(query, args...); err != nil {
			telemetry.TableOpsTotal.With("delete", "failed").Inc()
			return err
		}
	}

	t.filter.Remove(HashSID(sid))
	telemetry.TableOpsTotal.With("delete", "ok").Inc()
	return nil
}

// HasDurableState consults the filter first; only a filter hit pays for a
// store lookup.
func (t *SQLiteTxnTable) HasDurableState(sid string) (bool, error) {
	if !t.filter.Check(HashSID(sid)) {
		telemetry.FilterChecks.With("fast_path").Inc()
		return false, nil
	}

	telemetry.FilterChecks.With("slow_path").Inc()
	rec, err := t.GetSession(sid)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// FilterEntries returns the number of sessions in the durable-state filter
func (t *SQLiteTxnTable) FilterEntries() int {
	return t.filter.Size()
}

// Close closes both database connections
func (t *SQLiteTxnTable) Close() error {
	var writeErr, readErr error
	if t.writeDB != nil {
		writeErr = t.writeDB.Close()
	}
	if t.readDB != nil && t.readDB != t.writeDB {
		readErr = t.readDB.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

// Checkpoint forces a WAL checkpoint
func (t *SQLiteTxnTable) Checkpoint() error {
	_, err := t.writeDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}
