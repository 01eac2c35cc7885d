package mtclient

import "errors"

// Sentinel errors matched by [Error] codes returned from the service.
var (
	ErrNotFound         = errors.New("mtclient: not found")
	ErrConflict         = errors.New("mtclient: conflict")
	ErrRejected         = errors.New("mtclient: rejected")
	ErrOverloaded       = errors.New("mtclient: overloaded")
	ErrTimeout          = errors.New("mtclient: timeout")
	ErrNoCandidate      = errors.New("mtclient: no candidate")
	ErrExecutionFailure = errors.New("mtclient: execution failure")
	ErrClosed           = errors.New("mtclient: closed")
	ErrNoResponder      = errors.New("mtclient: no responder")
)

var codes = map[string]error{
	"not_found":         ErrNotFound,
	"already_exists":    ErrConflict,
	"conflict":          ErrConflict,
	"rejected":          ErrRejected,
	"overloaded":        ErrOverloaded,
	"timeout":           ErrTimeout,
	"no_candidate":      ErrNoCandidate,
	"execution_failure": ErrExecutionFailure,
	"closed":            ErrClosed,
}

// Error is an error reply from the service.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return "mtclient: " + e.Message
}

// Is matches the sentinel for e.Code.
func (e *Error) Is(target error) bool {
	return codes[e.Code] == target
}
