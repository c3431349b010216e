package gmail

import (
	"errors"
	"fmt"
	"net/http"
)

// RemoteError is any failure talking to the Gmail API. It is scope-limited by
// the caller: the reconciler treats it as fatal to one rule or one message,
// never to the whole run.
type RemoteError struct {
	Op     string // remote operation, e.g. "list labels"
	Status int    // HTTP status when known, zero otherwise
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same call may succeed.
func (e *RemoteError) Temporary() bool {
	switch e.Status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsConflict reports whether err is a RemoteError for a name-collision create
// (HTTP 409), which happens when another writer created the label between our
// list and create calls.
func IsConflict(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusConflict
}
