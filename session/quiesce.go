package session

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/civetdb/civet/telemetry"
)

// QuiescePeriod closes the catalog's checkout gate for its lifetime. New
// checkouts block at the gate until End; already checked-out sessions are
// unaffected until the holder decides to WaitForDrain. Periods do not nest.
type QuiescePeriod struct {
	catalog *Catalog
	started time.Time
	ended   bool
}

// StartQuiesce closes the checkout gate. Starting a period while another is
// live is a programmer error.
func (c *Catalog) StartQuiesce() *QuiescePeriod {
	c.mu.Lock()
	if !c.allowCheckout {
		c.mu.Unlock()
		panic("session: quiesce started while checkouts already disallowed")
	}
	c.allowCheckout = false
	c.gateCh = make(chan struct{})
	c.mu.Unlock()

	c.sink.Publish(Event{Kind: EventQuiesce, TS: c.clock.Now()})
	log.Info().Msg("Session checkout gate closed")
	return &QuiescePeriod{catalog: c, started: time.Now()}
}

// WaitForDrain blocks until no session is checked out, or until the
// operation's context fires. The catalog state is untouched on
// interruption; the gate stays closed either way.
func (q *QuiescePeriod) WaitForDrain(op *Operation) error {
	if q.ended {
		panic("session: drain wait on an ended quiesce period")
	}

	c := q.catalog
	c.mu.Lock()
	drain := c.drainCh
	c.mu.Unlock()

	start := time.Now()
	select {
	case <-drain:
	case <-op.Ctx.Done():
		return &InterruptedError{Reason: "quiesce drain: " + op.Ctx.Err().Error()}
	}

	telemetry.QuiesceDrainSeconds.Observe(time.Since(start).Seconds())
	log.Info().Dur("drained_in", time.Since(start)).Msg("Checked-out sessions drained")
	return nil
}

// End reopens the checkout gate and wakes every blocked checkout. Ending
// twice is a programmer error.
func (q *QuiescePeriod) End() {
	if q.ended {
		panic("session: quiesce period ended twice")
	}
	q.ended = true

	c := q.catalog
	c.mu.Lock()
	if c.allowCheckout {
		c.mu.Unlock()
		panic("session: quiesce end found the checkout gate open")
	}
	c.allowCheckout = true
	close(c.gateCh)
	c.mu.Unlock()

	log.Info().Dur("quiesced_for", time.Since(q.started)).Msg("Session checkout gate reopened")
}
