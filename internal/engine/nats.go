package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gftdcojp/model-tiers/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type runRequest struct {
	Resource string   `json:"resource"`
	Payloads [][]byte `json:"payloads"`
}

type runOutput struct {
	Value []byte `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

type runResponse struct {
	Outputs []runOutput `json:"outputs,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NATS calls a remote engine over request/reply on {prefix}.run.{resource}.
type NATS struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

func NewNATS(nc *nats.Conn, prefix string, timeout time.Duration) *NATS {
	if prefix == "" {
		prefix = "mt.engine"
	}
	return &NATS{nc: nc, prefix: prefix, timeout: timeout}
}

func (n *NATS) Run(ctx context.Context, resource string, payloads [][]byte) ([]Output, error) {
	data, err := json.Marshal(runRequest{Resource: resource, Payloads: payloads})
	if err != nil {
		return nil, err
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	msg, err := n.nc.RequestWithContext(ctx, n.prefix+".run."+resource, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("%w: engine request for %s: %w", types.ErrTimeout, resource, err)
		}
		return nil, fmt.Errorf("engine request for %s: %w", resource, err)
	}

	var resp runResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("decoding engine response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if len(resp.Outputs) != len(payloads) {
		return nil, fmt.Errorf("engine returned %d outputs for %d payloads", len(resp.Outputs), len(payloads))
	}

	out := make([]Output, len(resp.Outputs))
	for i, o := range resp.Outputs {
		out[i].Value = o.Value
		if o.Error != "" {
			out[i].Err = errors.New(o.Error)
		}
	}
	return out, nil
}

// Serve exposes e on {prefix}.run.> until ctx is cancelled. It is the
// worker side of the NATS adapter.
func Serve(ctx context.Context, nc *nats.Conn, prefix string, e Engine, logger *zap.Logger) error {
	if prefix == "" {
		prefix = "mt.engine"
	}
	subject := prefix + ".run.>"
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var req runRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respond(msg, runResponse{Error: "invalid request: " + err.Error()})
			return
		}
		if req.Resource == "" {
			req.Resource = strings.TrimPrefix(msg.Subject, prefix+".run.")
		}

		outs, err := e.Run(ctx, req.Resource, req.Payloads)
		if err != nil {
			respond(msg, runResponse{Error: err.Error()})
			return
		}
		resp := runResponse{Outputs: make([]runOutput, len(outs))}
		for i, o := range outs {
			resp.Outputs[i].Value = o.Value
			if o.Err != nil {
				resp.Outputs[i].Error = o.Err.Error()
			}
		}
		respond(msg, resp)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	logger.Info("engine worker started", zap.String("subject", subject))

	<-ctx.Done()
	sub.Unsubscribe()
	return nil
}

func respond(msg *nats.Msg, resp runResponse) {
	data, _ := json.Marshal(resp)
	msg.Respond(data)
}
