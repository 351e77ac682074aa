package session

import (
	"context"
	"sync"
)

// Client models one connected client. A client runs at most one operation at
// a time, but background actors such as killers may inspect the client's
// checked-out session concurrently, so the slot is guarded by the client's
// own lock rather than the catalog's.
type Client struct {
	Name string

	mu         sync.Mutex
	checkedOut *CheckedOutSession
}

// NewClient creates a client with the given connection name
func NewClient(name string) *Client {
	return &Client{Name: name}
}

// CheckedOut returns the session currently checked out by this client, or
// nil when none is held.
func (c *Client) CheckedOut() *CheckedOutSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkedOut
}

func (c *Client) setCheckedOut(s *CheckedOutSession) {
	c.mu.Lock()
	c.checkedOut = s
	c.mu.Unlock()
}

// Operation carries the per-request attributes that the catalog consults:
// the cancellation context, the owning client, and the optional session and
// transaction identifiers supplied by the driver.
type Operation struct {
	Ctx       context.Context
	Client    *Client
	SID       *ID
	TxnNumber *int64

	// InternalNested marks an internal command issued on behalf of an
	// operation that already holds its session. Binding such an operation
	// is a re-entrancy no-op.
	InternalNested bool

	// SkipCheckout opts the operation out of session binding even when a
	// session ID is present. Used by commands that manage sessions rather
	// than run inside one.
	SkipCheckout bool
}

// NewOperation builds an operation for a client without session attributes
func NewOperation(ctx context.Context, client *Client) *Operation {
	return &Operation{Ctx: ctx, Client: client}
}

// WithSession attaches a session ID to the operation
func (op *Operation) WithSession(id ID) *Operation {
	op.SID = &id
	return op
}

// WithTxnNumber attaches a transaction number to the operation
func (op *Operation) WithTxnNumber(n int64) *Operation {
	op.TxnNumber = &n
	return op
}
