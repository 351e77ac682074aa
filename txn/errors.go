package txn

import "fmt"

// StaleTxnNumberError indicates a caller tried to start or continue a
// transaction older than the highest one the session has seen
type StaleTxnNumberError struct {
	SID       string
	Highest   int64
	Attempted int64
}

func (e *StaleTxnNumberError) Error() string {
	return fmt.Sprintf("transaction number %d on session %s is older than highest %d",
		e.Attempted, e.SID, e.Highest)
}

// InvalidatedError indicates the participant state was invalidated and must
// be refreshed from durable state before use
type InvalidatedError struct {
	SID string
}

func (e *InvalidatedError) Error() string {
	return fmt.Sprintf("session %s transaction state was invalidated, refresh required", e.SID)
}

// NotRefreshedError indicates the participant was never hydrated from the
// durable table
type NotRefreshedError struct {
	SID string
}

func (e *NotRefreshedError) Error() string {
	return fmt.Sprintf("session %s transaction state has not been refreshed", e.SID)
}
