package session

// CheckedOutSession owns the exclusive right to use one session. Exactly one
// live handle exists per checked-out entry; Release returns the session to
// the catalog and wakes one waiter. A handle must be released before the
// operation it was checked out for finishes.
type CheckedOutSession struct {
	catalog *Catalog
	record  *Record
	op      *Operation
	done    bool
}

// Record returns the session entry this handle owns
func (s *CheckedOutSession) Record() *Record {
	if s.done {
		panic("session: use of a released checkout handle")
	}
	return s.record
}

// Operation returns the operation the session was checked out for
func (s *CheckedOutSession) Operation() *Operation {
	return s.op
}

// Release checks the session back in. Releasing twice is a programmer
// error.
func (s *CheckedOutSession) Release() {
	if s.done {
		panic("session: double release of checkout handle")
	}
	s.done = true
	s.catalog.release(s.record)
}
