// Package session implements the node's session catalog: the in-memory map
// of logical client sessions, the check-out protocol that serializes use of
// each session, the quiesce barrier used during replication role changes,
// and the binding of sessions to operations.
package session

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/civetdb/civet/cfg"
	"github.com/civetdb/civet/db"
	"github.com/civetdb/civet/hlc"
	"github.com/civetdb/civet/telemetry"
	"github.com/civetdb/civet/txn"
)

// Catalog is the process-wide registry of live sessions. One mutex guards
// the session map, the checkout gate, the checked-out count, and every
// record's checkedOut flag. All waits release the mutex while blocked.
type Catalog struct {
	table   db.TxnTable
	clock   *hlc.Clock
	sink    EventSink
	replSet bool

	mu            sync.Mutex
	sessions      map[ID]*Record
	allowCheckout bool
	// Closed while the gate is open; replaced with a fresh channel when a
	// quiesce period closes the gate. Waiters block on receive.
	gateCh        chan struct{}
	numCheckedOut int
	// Closed while numCheckedOut is zero; replaced on the 0 -> 1 transition
	drainCh      chan struct{}
	recentErased *lru.Cache[string, time.Time]
}

// NewCatalog builds a catalog over the given durable table and clock.
// Events go to sink; pass NoopSink{} when publishing is disabled.
func NewCatalog(table db.TxnTable, clock *hlc.Clock, sink EventSink) *Catalog {
	cache, err := lru.New[string, time.Time](cfg.Config.Catalog.RecentErasedCacheSize)
	if err != nil {
		panic(fmt.Sprintf("session: bad recently-erased cache size: %v", err))
	}

	gate := make(chan struct{})
	close(gate)
	drain := make(chan struct{})
	close(drain)

	return &Catalog{
		table:         table,
		clock:         clock,
		sink:          sink,
		replSet:       cfg.Config.Replication.Mode == cfg.ModeReplicaSet,
		sessions:      make(map[ID]*Record),
		allowCheckout: true,
		gateCh:        gate,
		drainCh:       drain,
		recentErased:  cache,
	}
}

// CheckOut acquires exclusive use of the operation's session, creating the
// entry if needed. It blocks while the checkout gate is closed and while
// another holder has the session, and fails with InterruptedError when the
// operation's context fires during either wait. An interrupted checkout
// leaves no trace: the gate wait precedes entry creation.
func (c *Catalog) CheckOut(op *Operation) (*CheckedOutSession, error) {
	if op.SID == nil {
		panic("session: checkout requires an operation with a session ID")
	}

	sid := *op.SID
	start := time.Now()
	warnAfter := time.Duration(cfg.Config.Catalog.CheckoutWarnMS) * time.Millisecond

	c.mu.Lock()
	for {
		if !c.allowCheckout {
			gate := c.gateCh
			c.mu.Unlock()
			select {
			case <-gate:
			case <-op.Ctx.Done():
				return nil, c.checkoutInterrupted(op, sid, "checkout gate closed")
			}
			c.mu.Lock()
			continue
		}

		rec := c.lookupOrCreateLocked(sid)
		if !rec.checkedOut {
			rec.checkedOut = true
			c.numCheckedOut++
			if c.numCheckedOut == 1 {
				c.drainCh = make(chan struct{})
			}
			c.mu.Unlock()

			waited := time.Since(start)
			telemetry.CheckoutWaitSeconds.Observe(waited.Seconds())
			telemetry.CheckoutsTotal.With("ok").Inc()
			telemetry.CheckedOutSessions.Inc()
			if warnAfter > 0 && waited > warnAfter {
				log.Warn().
					Str("sid", sid.String()).
					Dur("waited", waited).
					Msg("Slow session checkout")
			}
			return &CheckedOutSession{catalog: c, record: rec, op: op}, nil
		}

		wake := rec.wakeCh
		c.mu.Unlock()
		select {
		case <-wake:
		case <-op.Ctx.Done():
			return nil, c.checkoutInterrupted(op, sid, "session held by another operation")
		}
		// The record may have been erased while we slept; the loop looks
		// it up again under the mutex.
		c.mu.Lock()
	}
}

func (c *Catalog) checkoutInterrupted(op *Operation, sid ID, during string) error {
	telemetry.CheckoutInterruptsTotal.Inc()
	telemetry.CheckoutsTotal.With("interrupted").Inc()
	return &InterruptedError{SID: sid.String(), Reason: fmt.Sprintf("%s: %v", during, op.Ctx.Err())}
}

// lookupOrCreateLocked requires c.mu held
func (c *Catalog) lookupOrCreateLocked(sid ID) *Record {
	if rec, ok := c.sessions[sid]; ok {
		return rec
	}
	rec := newRecord(sid, txn.NewParticipant(sid.String(), c.table, c.clock))
	c.sessions[sid] = rec
	telemetry.ActiveSessions.Inc()
	return rec
}

// GetOrCreate returns a shared, non-exclusive handle to the session's entry
// without checking it out. The operation must carry no session ID and no
// transaction number, and must not already hold a checked-out session.
func (c *Catalog) GetOrCreate(op *Operation, sid ID) *Record {
	if op.SID != nil || op.TxnNumber != nil {
		panic("session: get-or-create from an operation that carries session attributes")
	}
	if op.Client != nil && op.Client.CheckedOut() != nil {
		panic("session: get-or-create from an operation that holds a session")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupOrCreateLocked(sid)
}

// release is the check-in path invoked by CheckedOutSession
func (c *Catalog) release(rec *Record) {
	c.mu.Lock()
	cur, ok := c.sessions[rec.id]
	if !ok || cur != rec || !rec.checkedOut {
		c.mu.Unlock()
		panic(fmt.Sprintf("session: release of %s which is not checked out", rec.id))
	}

	rec.checkedOut = false
	rec.currentOp = nil
	rec.wakeOne()
	c.numCheckedOut--
	if c.numCheckedOut == 0 {
		close(c.drainCh)
	}
	c.mu.Unlock()

	telemetry.CheckedOutSessions.Dec()
}

// Invalidate marks one session's transaction state stale and erases the
// entry unless it is currently checked out. A missing SID is a silent
// no-op. In replica-set mode the invalidating operation must not itself
// carry a session ID.
func (c *Catalog) Invalidate(op *Operation, sid ID) error {
	if err := c.checkInvalidateAllowed(op); err != nil {
		return err
	}

	c.mu.Lock()
	rec, ok := c.sessions[sid]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	c.invalidateLocked(rec)
	c.mu.Unlock()

	telemetry.InvalidationsTotal.With("single").Inc()
	c.sink.Publish(Event{Kind: EventInvalidated, SID: sid.String(), TS: c.clock.Now()})
	return nil
}

// InvalidateAll invalidates every resident session, erasing the idle ones
func (c *Catalog) InvalidateAll(op *Operation) error {
	if err := c.checkInvalidateAllowed(op); err != nil {
		return err
	}

	c.mu.Lock()
	count := len(c.sessions)
	for _, rec := range c.sessions {
		c.invalidateLocked(rec)
	}
	c.mu.Unlock()

	telemetry.InvalidationsTotal.With("all").Inc()
	c.sink.Publish(Event{Kind: EventInvalidated, TS: c.clock.Now()})
	log.Info().Int("sessions", count).Msg("Invalidated all sessions")
	return nil
}

func (c *Catalog) checkInvalidateAllowed(op *Operation) error {
	if c.replSet && op != nil && op.SID != nil {
		return &InvalidOperationError{
			Detail: "cannot invalidate sessions from an operation that carries a session ID",
		}
	}
	return nil
}

// invalidateLocked requires c.mu held
func (c *Catalog) invalidateLocked(rec *Record) {
	rec.txn.Invalidate()
	if !rec.checkedOut {
		delete(c.sessions, rec.id)
		c.recentErased.Add(rec.id.String(), time.Now())
		telemetry.ActiveSessions.Dec()
	}
}

// Matcher selects sessions by their canonical string form
type Matcher interface {
	Match(sid string) bool
}

// Scan invokes fn under the catalog mutex for every resident session whose
// ID matches. fn must not block or call back into the catalog.
func (c *Catalog) Scan(op *Operation, m Matcher, fn func(*Operation, *txn.Participant)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.sessions {
		if m.Match(rec.id.String()) {
			fn(op, rec.txn)
		}
	}
}

// KillMatching invalidates every session matching m and reports how many
// were hit. Checked-out sessions stay resident until released, with their
// transaction state already marked stale.
func (c *Catalog) KillMatching(op *Operation, m Matcher) (int, error) {
	if err := c.checkInvalidateAllowed(op); err != nil {
		return 0, err
	}

	var killed []string
	c.mu.Lock()
	for _, rec := range c.sessions {
		if m.Match(rec.id.String()) {
			killed = append(killed, rec.id.String())
			c.invalidateLocked(rec)
		}
	}
	c.mu.Unlock()

	ts := c.clock.Now()
	for _, sid := range killed {
		telemetry.SessionsKilledTotal.Inc()
		c.sink.Publish(Event{Kind: EventKilled, SID: sid, TS: ts})
	}
	if len(killed) > 0 {
		log.Info().Int("sessions", len(killed)).Msg("Killed sessions")
	}
	return len(killed), nil
}

// OnStepUp prepares the node to act as primary: all resident session state
// is stale relative to the new replication history, so everything is
// invalidated before the durable transaction table is ensured.
func (c *Catalog) OnStepUp(op *Operation) error {
	if err := c.InvalidateAll(op); err != nil {
		return err
	}

	if err := c.table.EnsureTable(); err != nil {
		return err
	}

	if cfg.Config.Storage.CheckpointOnStepUp {
		if err := c.table.Checkpoint(); err != nil {
			log.Warn().Err(err).Msg("Checkpoint after step-up failed")
		}
	}

	telemetry.StepUpsTotal.Inc()
	c.sink.Publish(Event{Kind: EventStepUp, TS: c.clock.Now()})
	log.Info().Msg("Session catalog stepped up")
	return nil
}

// Stats reports resident and checked-out session counts
func (c *Catalog) Stats() (activeSessions, checkedOut int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions), c.numCheckedOut
}

// ResidentSIDs returns a snapshot of resident session IDs in canonical form
func (c *Catalog) ResidentSIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for _, rec := range c.sessions {
		out = append(out, rec.id.String())
	}
	return out
}

// RecentlyErased returns canonical SIDs of recently erased sessions with
// their erasure times. The map carries no ordering.
func (c *Catalog) RecentlyErased() map[string]time.Time {
	out := make(map[string]time.Time)
	for _, key := range c.recentErased.Keys() {
		if when, ok := c.recentErased.Peek(key); ok {
			out[key] = when
		}
	}
	return out
}
