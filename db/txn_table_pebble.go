package db

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog/log"

	"github.com/civetdb/civet/cfg"
	"github.com/civetdb/civet/encoding"
	"github.com/civetdb/civet/telemetry"
)

// Key layout (sorted for efficient iteration):
//
//	/meta/namespace/{ns}                        table marker
//	/sess/{sid}                                 session record
//	/sess_stmt/{sid}/{txn:016x}/{stmt:08x}      statement record
const pebblePrefixNamespace = "/meta/namespace/"

// PebbleTxnTable implements TxnTable using Pebble
type PebbleTxnTable struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool

	// Cuckoo filter for the fast-path "session has durable state?" check
	filter *SessionFilter
}

// Ensure PebbleTxnTable implements TxnTable
var _ TxnTable = (*PebbleTxnTable)(nil)

// PebbleTxnTableOptions configures Pebble
type PebbleTxnTableOptions struct {
	CacheSizeMB    int64
	FilterCapacity uint
	DisableWAL     bool // Only for testing!
}

// DefaultPebbleOptions returns Pebble options from cfg.Config.Storage.
func DefaultPebbleOptions() PebbleTxnTableOptions {
	st := cfg.Config.Storage
	return PebbleTxnTableOptions{
		CacheSizeMB:    int64(st.PebbleCacheSizeMB),
		FilterCapacity: st.FilterCapacity,
	}
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// NewPebbleTxnTable creates a new Pebble-backed TxnTable
func NewPebbleTxnTable(path string, opts PebbleTxnTableOptions) (*PebbleTxnTable, error) {
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB will hold reference

	pebbleOpts := &pebble.Options{
		Cache:      cache,
		DisableWAL: opts.DisableWAL,
		Logger:     &pebbleLogger{},
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	table := &PebbleTxnTable{
		db:     db,
		path:   path,
		filter: NewSessionFilter(opts.FilterCapacity),
	}

	if err := table.rebuildFilter(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to rebuild session filter: %w", err)
	}

	return table, nil
}

// rebuildFilter scans existing session records and populates the filter.
// Called on startup to restore filter state after restart.
func (t *PebbleTxnTable) rebuildFilter() error {
	prefix := []byte("/sess/")
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	count := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			continue
		}

		var rec SessionRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			continue
		}

		t.filter.Add(HashSID(rec.SID))
		count++
	}

	if count > 0 {
		log.Info().Int("sessions", count).Msg("Rebuilt session filter from durable records")
	}

	return nil
}

// EnsureTable writes the namespace marker. A marker that already exists is
// success.
func (t *PebbleTxnTable) EnsureTable() error {
	ns := cfg.Config.Storage.TableNamespace
	key := []byte(pebblePrefixNamespace + ns)

	_, closer, err := t.db.Get(key)
	if err == nil {
		closer.Close()
		return nil
	}
	if err != pebble.ErrNotFound {
		return &TableCreationError{Namespace: ns, Cause: err}
	}

	if err := t.db.Set(key, []byte{1}, pebble.Sync); err != nil {
		return &TableCreationError{Namespace: ns, Cause: err}
	}

	log.Info().Str("namespace", ns).Msg("Created session-transactions table")
	return nil
}

// PutSession upserts a session's durable record
func (t *PebbleTxnTable) PutSession(rec *SessionRecord) error {
	start := time.Now()

	data, err := encoding.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	if err := t.db.Set([]byte(encoding.SessionKey(rec.SID)), data, pebble.Sync); err != nil {
		telemetry.TableOpsTotal.With("put", "failed").Inc()
		return err
	}

	t.filter.Add(HashSID(rec.SID))
	telemetry.TableOpSeconds.With("put").Observe(time.Since(start).Seconds())
	telemetry.TableOpsTotal.With("put", "ok").Inc()
	return nil
}

// GetSession returns the durable record for a session, or nil if absent
func (t *PebbleTxnTable) GetSession(sid string) (*SessionRecord, error) {
	start := time.Now()

	val, closer, err := t.db.Get([]byte(encoding.SessionKey(sid)))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		telemetry.TableOpsTotal.With("get", "failed").Inc()
		return nil, err
	}
	defer closer.Close()

	var rec SessionRecord
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}

	telemetry.TableOpSeconds.With("get").Observe(time.Since(start).Seconds())
	telemetry.TableOpsTotal.With("get", "ok").Inc()
	return &rec, nil
}

// SaveStatement persists one executed statement outcome. Payloads above the
// configured threshold are stored s2-compressed.
func (t *PebbleTxnTable) SaveStatement(rec *StatementRecord) error {
	start := time.Now()

	stored := *rec
	threshold := cfg.Config.Storage.CompressThreshold
	if threshold > 0 && len(rec.Payload) > threshold {
		stored.Payload = s2.Encode(nil, rec.Payload)
		stored.Compressed = true
		telemetry.CompressedPayloadsTotal.Inc()
	}

	data, err := encoding.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode statement record: %w", err)
	}

	key := encoding.StatementKey(rec.SID, rec.TxnNumber, rec.StmtID)
	if err := t.db.Set([]byte(key), data, pebble.Sync); err != nil {
		telemetry.TableOpsTotal.With("save_stmt", "failed").Inc()
		return err
	}

	t.filter.Add(HashSID(rec.SID))
	telemetry.TableOpSeconds.With("save_stmt").Observe(time.Since(start).Seconds())
	telemetry.TableOpsTotal.With("save_stmt", "ok").Inc()
	return nil
}

// GetStatements returns the persisted statements of one transaction in
// statement-id order. Key layout makes iteration order the statement order.
func (t *PebbleTxnTable) GetStatements(sid string, txnNumber int64) ([]*StatementRecord, error) {
	start := time.Now()

	prefix := []byte(encoding.TxnStatementPrefix(sid, txnNumber))
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []*StatementRecord
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var rec StatementRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode statement record: %w", err)
		}

		if rec.Compressed {
			payload, err := s2.Decode(nil, rec.Payload)
			if err != nil {
				return nil, fmt.Errorf("failed to decompress statement payload: %w", err)
			}
			rec.Payload = payload
			rec.Compressed = false
		}

		records = append(records, &rec)
	}

	telemetry.TableOpSeconds.With("scan").Observe(time.Since(start).Seconds())
	telemetry.TableOpsTotal.With("scan", "ok").Inc()
	return records, nil
}

// DeleteSession removes a session's record and all of its statements
func (t *PebbleTxnTable) DeleteSession(sid string) error {
	batch := t.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete([]byte(encoding.SessionKey(sid)), nil); err != nil {
		return err
	}

	prefix := []byte(encoding.StatementPrefix(sid))
	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		telemetry.TableOpsTotal.With("delete", "failed").Inc()
		return err
	}

	t.filter.Remove(HashSID(sid))
	telemetry.TableOpsTotal.With("delete", "ok").Inc()
	return nil
}

// HasDurableState consults the filter first; only a filter hit pays for a
// store lookup.
func (t *PebbleTxnTable) HasDurableState(sid string) (bool, error) {
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
func (t *PebbleTxnTable) FilterEntries() int {
	return t.filter.Size()
}

// Close closes the store. Idempotent.
func (t *PebbleTxnTable) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.db.Close()
}

// Checkpoint flushes the memtable so on-disk state is current
func (t *PebbleTxnTable) Checkpoint() error {
	return t.db.Flush()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
