package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/model-tiers/internal/types"
)

type handleState int

const (
	handleQueued handleState = iota
	handleDispatched
	handleDone
)

// Handle is the result of one request. It is fulfilled exactly once, with a
// value or an error.
type Handle struct {
	req      Request
	arrival  time.Time
	resource string

	mu    sync.Mutex
	state handleState
	value []byte
	err   error
	done  chan struct{}
}

func newHandle(req Request) *Handle {
	return &Handle{req: req, arrival: time.Now(), done: make(chan struct{})}
}

// Arrival is when the request was submitted.
func (h *Handle) Arrival() time.Time { return h.arrival }

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the value or error. It is only meaningful after Done.
func (h *Handle) Result() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.err
}

// Resource is the resource the request was dispatched to, once selected.
func (h *Handle) Resource() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resource
}

// Wait blocks until the result is available or ctx is done. Giving up on
// the wait does not cancel the request.
func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel fails the request with types.ErrCanceled if its batch has not closed
// yet. It reports whether the request was canceled.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handleQueued {
		return false
	}
	h.state = handleDone
	h.err = fmt.Errorf("%w: request canceled before dispatch", types.ErrCanceled)
	close(h.done)
	return true
}

func (h *Handle) isCanceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == handleDone
}

// markDispatched moves a queued request into a closed batch. It fails if the
// request was canceled.
func (h *Handle) markDispatched() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handleQueued {
		return false
	}
	h.state = handleDispatched
	return true
}

func (h *Handle) fulfill(value []byte, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == handleDone {
		return false
	}
	h.state = handleDone
	h.value = value
	h.err = err
	close(h.done)
	return true
}

func (h *Handle) setResource(name string) {
	h.mu.Lock()
	h.resource = name
	h.mu.Unlock()
}
