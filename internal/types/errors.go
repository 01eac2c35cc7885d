package types

import "errors"

// Error taxonomy shared by every component. Call sites wrap these with
// fmt.Errorf("%w: ...") so that callers can test with errors.Is.
var (
	ErrConflict             = errors.New("conflict")
	ErrRejected             = errors.New("rejected")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrOverloaded           = errors.New("overloaded")
	ErrTimeout              = errors.New("timeout")
	ErrExecutionFailure     = errors.New("execution failure")
	ErrInvalidConfig        = errors.New("invalid config")
	ErrNoCandidate          = errors.New("no candidate")
	ErrCanceled             = errors.New("canceled")
	ErrClosed               = errors.New("closed")
)

// ErrorCode returns a stable string code for err, used by the HTTP and NATS
// surfaces. Unknown errors map to "internal".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExecutionFailure):
		return "execution_failure"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrNoCandidate):
		return "no_candidate"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "internal"
}
