package endpoint

import "github.com/pkg/errors"

// API results for recoverable conditions. Programmer misuse (wrong
// goroutine on the datapath, reentering the event loop, responding
// twice) is fatal instead and panics with a diagnostic.
var (
	ErrOutOfSessions           = errors.New("session table full")
	ErrBadURI                  = errors.New("malformed remote URI")
	ErrForbiddenContext        = errors.New("operation forbidden in this context")
	ErrNoCredits               = errors.New("no credits on session")
	ErrSessionNotConnected     = errors.New("session not connected")
	ErrSlotBusy                = errors.New("request slot busy")
	ErrInvalidSessionNum       = errors.New("invalid session number")
	ErrMsgTooLarge             = errors.New("message exceeds configured max size")
	ErrFaultInjectionForbidden = errors.New("fault injection forbidden")
	ErrEndpointClosed          = errors.New("endpoint closed")
)
