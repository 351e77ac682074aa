package session

// OperationSession binds an operation to its session for the operation's
// duration. Construction checks the session out and parks the handle on the
// operation's client; Release undoes both. Operations without a session ID
// bind to nothing, and a nested internal command reuses the binding already
// held by its parent.
type OperationSession struct {
	catalog *Catalog
	op      *Operation
	nested  bool
	active  bool
}

// NewOperationSession checks out the operation's session and binds it.
// Binding an already-bound operation is a programmer error unless the
// operation is a nested internal call.
func NewOperationSession(c *Catalog, op *Operation) (*OperationSession, error) {
	os := &OperationSession{catalog: c, op: op}
	if op.SID == nil || op.SkipCheckout {
		return os, nil
	}

	if op.Client.CheckedOut() != nil {
		if op.InternalNested {
			os.nested = true
			return os, nil
		}
		panic("session: operation is already bound to a session")
	}

	scoped, err := c.CheckOut(op)
	if err != nil {
		return nil, err
	}

	// The client lock is taken on its own here, never inside the catalog
	// mutex: setCheckedOut drops it before bindCurrentOp takes the catalog
	// mutex, so the two locks are never held together on this path.
	op.Client.setCheckedOut(scoped)
	c.bindCurrentOp(scoped.record, op)
	os.active = true
	return os, nil
}

// Release unbinds the session and checks it back in. A no-op for unbound
// and nested bindings.
func (os *OperationSession) Release() {
	if !os.active {
		return
	}
	os.active = false

	client := os.op.Client
	client.mu.Lock()
	scoped := client.checkedOut
	client.checkedOut = nil
	client.mu.Unlock()

	os.catalog.bindCurrentOp(scoped.record, nil)

	// After the client lock is gone: release takes the catalog mutex
	scoped.Release()
}

// Current returns the session bound to the operation, or nil
func Current(op *Operation) *CheckedOutSession {
	if op.Client == nil {
		return nil
	}
	return op.Client.CheckedOut()
}

func (c *Catalog) bindCurrentOp(rec *Record, op *Operation) {
	c.mu.Lock()
	rec.currentOp = op
	c.mu.Unlock()
}

// CurrentOp returns the operation currently executing against the record,
// or nil when the session is idle.
func (c *Catalog) CurrentOp(rec *Record) *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return rec.currentOp
}
