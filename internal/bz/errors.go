package bz

import "fmt"

// ConnectivityError indicates the client is offline or the Bugzilla server
// could not be reached at all. The enclosing poll cycle aborts with no
// partial cache writes; the scheduler retries on the next poll.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bugzilla unreachable: %v", e.Err)
	}
	return "offline: no network connectivity"
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// FetchError indicates the server responded but the payload was malformed or
// missing data for a requested bug. It aborts the whole batch; there is no
// partial-batch success.
type FetchError struct {
	ID  int64 // bug id the failure relates to, 0 if the whole response
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("failed to fetch %s for bug %d: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("failed to fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
