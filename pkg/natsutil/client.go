// Package natsutil connects the daemon, engine workers and clients to NATS.
package natsutil

import (
	"fmt"
	"time"

	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Options translates cfg into connection options. Connection state changes
// are logged on logger.
func Options(cfg config.NATSConfig, logger *zap.Logger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.PingInterval(20 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected, requests will fail until reconnect", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()),
				zap.Uint64("reconnects", nc.Stats().Reconnects),
			)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS async error", fields...)
		}),
	}

	switch {
	case cfg.CredentialsFile != "" && cfg.NKeySeedFile != "":
		return nil, fmt.Errorf("nats: credentials_file and nkey_seed_file are mutually exclusive")
	case cfg.CredentialsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	case cfg.NKeySeedFile != "":
		opt, err := nats.NkeyOptionFromSeed(cfg.NKeySeedFile)
		if err != nil {
			return nil, fmt.Errorf("loading nkey seed: %w", err)
		}
		opts = append(opts, opt)
	}

	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
	}
	if cfg.TLS.CAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
	}
	return opts, nil
}

// Connect dials cfg.URL. Extra options are applied after the configured ones.
func Connect(cfg config.NATSConfig, logger *zap.Logger, extra ...nats.Option) (*nats.Conn, error) {
	opts, err := Options(cfg, logger)
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect(cfg.URL, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("server_id", nc.ConnectedServerId()),
	)
	return nc, nil
}

// Drain lets in-flight responder replies and published events go out
// before the connection closes. The connection is closed outright after
// timeout.
func Drain(nc *nats.Conn, timeout time.Duration, logger *zap.Logger) {
	if nc.IsClosed() {
		return
	}
	if err := nc.Drain(); err != nil {
		logger.Warn("NATS drain failed", zap.Error(err))
		nc.Close()
		return
	}
	deadline := time.Now().Add(timeout)
	for !nc.IsClosed() {
		if time.Now().After(deadline) {
			logger.Warn("NATS drain timed out", zap.Duration("timeout", timeout))
			nc.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
