package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/internal/metrics"
	"github.com/gftdcojp/model-tiers/internal/selector"
	"github.com/gftdcojp/model-tiers/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultSubjectPrefix = "mt"

// SubjectPrefix returns the configured prefix or the default.
func SubjectPrefix(cfg config.NATSResponderConfig) string {
	if cfg.SubjectPrefix == "" {
		return defaultSubjectPrefix
	}
	return cfg.SubjectPrefix
}

type responder struct {
	ctx    context.Context
	svc    Service
	prefix string
	logger *zap.Logger
}

// RunNATSResponder serves the residency API over NATS request-reply.
// Subjects:
//
//	{prefix}.request              execute a request and reply with its result
//	{prefix}.select               run the selector only
//	{prefix}.migrate.{resource}   submit a migration job
//	{prefix}.unload.{resource}    submit an unload job
//	{prefix}.job.{id}             job snapshot
//	{prefix}.tiers                tier budgets
//	{prefix}.resources            registered resources
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, svc Service, logger *zap.Logger) error {
	r := &responder{ctx: ctx, svc: svc, prefix: SubjectPrefix(cfg), logger: logger}

	routes := []struct {
		subject string
		handle  func(*nats.Msg) (any, error)
		async   bool
	}{
		{r.prefix + ".request", r.handleRequest, true},
		{r.prefix + ".select", r.handleSelect, false},
		{r.prefix + ".migrate.*", r.handleMigrate, false},
		{r.prefix + ".unload.*", r.handleUnload, false},
		{r.prefix + ".job.*", r.handleJob, false},
		{r.prefix + ".tiers", r.handleTiers, false},
		{r.prefix + ".resources", r.handleResources, false},
	}

	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	for _, rt := range routes {
		sub, err := nc.Subscribe(rt.subject, func(msg *nats.Msg) {
			if rt.async {
				go r.reply(msg, rt.handle)
				return
			}
			r.reply(msg, rt.handle)
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", rt.subject, err)
		}
		subs = append(subs, sub)
	}

	logger.Info("NATS responder started", zap.String("prefix", r.prefix))

	<-ctx.Done()
	return nil
}

func (r *responder) reply(msg *nats.Msg, handle func(*nats.Msg) (any, error)) {
	v, err := handle(msg)
	var data []byte
	if err != nil {
		data, _ = json.Marshal(ErrorResponse{Error: err.Error(), Code: types.ErrorCode(err)})
		metrics.APIRequests.WithLabelValues("nats", types.ErrorCode(err)).Inc()
	} else {
		data, _ = json.Marshal(v)
		metrics.APIRequests.WithLabelValues("nats", "ok").Inc()
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Debug("NATS reply failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// token returns the subject token after {prefix}.{verb}.
func (r *responder) token(msg *nats.Msg, verb string) (string, error) {
	name := strings.TrimPrefix(msg.Subject, r.prefix+"."+verb+".")
	if name == "" || name == msg.Subject {
		return "", fmt.Errorf("%w: invalid subject %s", types.ErrRejected, msg.Subject)
	}
	return name, nil
}

func unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", types.ErrRejected, err)
	}
	return nil
}

func (r *responder) handleRequest(msg *nats.Msg) (any, error) {
	var body ExecuteRequest
	if err := unmarshal(msg.Data, &body); err != nil {
		return nil, err
	}
	req, err := body.batchRequest()
	if err != nil {
		return nil, err
	}
	h, err := r.svc.SubmitRequest(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(r.ctx, maxWait)
	defer cancel()
	value, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return ExecuteResponse{Resource: h.Resource(), Result: string(value)}, nil
}

func (r *responder) handleSelect(msg *nats.Msg) (any, error) {
	var body ExecuteRequest
	if err := unmarshal(msg.Data, &body); err != nil {
		return nil, err
	}
	req, err := body.batchRequest()
	if err != nil {
		return nil, err
	}
	res, err := r.svc.Select(selector.Request{
		Capabilities: req.Capabilities,
		Class:        req.Class,
		Preference:   req.Preference,
	})
	if err != nil {
		return nil, err
	}
	return SelectResponse{Resource: res.Resource, FellBack: res.FellBack, Reason: res.Reason}, nil
}

func (r *responder) handleMigrate(msg *nats.Msg) (any, error) {
	name, err := r.token(msg, "migrate")
	if err != nil {
		return nil, err
	}
	var body MigrateRequest
	if err := unmarshal(msg.Data, &body); err != nil {
		return nil, err
	}
	target, err := types.ParseTier(body.TargetTier)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrRejected, err)
	}
	id, err := r.svc.Migrate(name, target)
	if err != nil {
		return nil, err
	}
	return r.svc.GetJob(r.ctx, id)
}

func (r *responder) handleUnload(msg *nats.Msg) (any, error) {
	name, err := r.token(msg, "unload")
	if err != nil {
		return nil, err
	}
	var body UnloadRequest
	if err := unmarshal(msg.Data, &body); err != nil {
		return nil, err
	}
	id, err := r.svc.Unload(name, body.ToCache)
	if err != nil {
		return nil, err
	}
	return r.svc.GetJob(r.ctx, id)
}

func (r *responder) handleJob(msg *nats.Msg) (any, error) {
	id, err := r.token(msg, "job")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	return r.svc.GetJob(ctx, id)
}

func (r *responder) handleTiers(*nats.Msg) (any, error) {
	return r.svc.TierStatus(), nil
}

func (r *responder) handleResources(*nats.Msg) (any, error) {
	return r.svc.ListResources(), nil
}
