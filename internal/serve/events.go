package serve

import (
	"encoding/json"

	"github.com/gftdcojp/model-tiers/internal/lifecycle"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher publishes job events on {prefix}.events.job.{resource}.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

var _ lifecycle.EventPublisher = (*NATSPublisher)(nil)

func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

func (p *NATSPublisher) Publish(e lifecycle.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("encoding event", zap.String("event", e.Name), zap.Error(err))
		return
	}
	subject := p.prefix + ".events.job." + e.Resource
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publishing event",
			zap.String("subject", subject),
			zap.String("event", e.Name),
			zap.Error(err),
		)
	}
}
