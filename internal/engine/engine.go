// Package engine adapts execution engines that turn request payloads into
// results for a resident resource.
package engine

import (
	"context"
	"fmt"
)

// Output is the engine's result for one payload of a group.
type Output struct {
	Value []byte
	Err   error
}

// Engine executes a group of payloads against one resident resource. The
// returned outputs are in payload order. A non-nil error fails the whole
// group.
type Engine interface {
	Run(ctx context.Context, resource string, payloads [][]byte) ([]Output, error)
}

// Func runs each payload in order with a per-item function.
type Func func(ctx context.Context, resource string, payload []byte) ([]byte, error)

func (f Func) Run(ctx context.Context, resource string, payloads [][]byte) ([]Output, error) {
	out := make([]Output, len(payloads))
	for i, p := range payloads {
		v, err := f(ctx, resource, p)
		out[i] = Output{Value: v, Err: err}
	}
	return out, nil
}

// Echo returns every payload prefixed with the resource name. Useful for
// demos and smoke tests.
var Echo = Func(func(_ context.Context, resource string, payload []byte) ([]byte, error) {
	return fmt.Appendf(nil, "%s: %s", resource, payload), nil
})
