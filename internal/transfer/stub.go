package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/gftdcojp/model-tiers/internal/lifecycle"
	"github.com/gftdcojp/model-tiers/internal/types"
)

// Stub is a deterministic transfer for tests and demos. Each run sleeps
// Delay split over Steps progress updates. Failures are injected per
// resource and operation, and Hold blocks runs until Release is called.
type Stub struct {
	Delay time.Duration
	Steps int

	mu    sync.Mutex
	fail  map[stubKey]error
	hold  chan struct{}
	calls []lifecycle.TransferRequest
}

type stubKey struct {
	name string
	op   types.Operation
}

var _ lifecycle.Transfer = (*Stub)(nil)

// Fail makes every run of op on the named resource return err. A nil err
// clears the failure.
func (s *Stub) Fail(name string, op types.Operation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail == nil {
		s.fail = make(map[stubKey]error)
	}
	if err == nil {
		delete(s.fail, stubKey{name, op})
		return
	}
	s.fail[stubKey{name, op}] = err
}

// Hold blocks subsequent runs until Release.
func (s *Stub) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold == nil {
		s.hold = make(chan struct{})
	}
}

func (s *Stub) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
}

// Calls returns the requests seen so far.
func (s *Stub) Calls() []lifecycle.TransferRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]lifecycle.TransferRequest(nil), s.calls...)
}

func (s *Stub) Run(ctx context.Context, req lifecycle.TransferRequest, progress func(float64)) error {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	hold := s.hold
	err := s.fail[stubKey{req.Spec.Name, req.Op}]
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	steps := max(s.Steps, 1)
	step := s.Delay / time.Duration(steps)
	for i := 1; i <= steps; i++ {
		if step > 0 {
			t := time.NewTimer(step)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
		if err != nil && i*2 > steps {
			return err
		}
		progress(float64(i) / float64(steps))
	}
	return err
}
