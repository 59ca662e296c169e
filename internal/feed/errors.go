package feed

import (
	"errors"
	"fmt"
)

// ErrInvalidVenue rejects Connect calls before any resource is touched.
var ErrInvalidVenue = errors.New("venue id must not be empty")

// ConnectionError is the only error type crossing the Connect boundary: an
// invalid venue id or a failed initial handshake. It is terminal for that
// Connect call; the service is left in the Failed state.
type ConnectionError struct {
	Venue string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect venue %q: %v", e.Venue, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
