package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher publishes events to "<prefix>.<event type>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials NATS with reconnects enabled forever.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	return &NATSPublisher{
		nc:     nc,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.Named("events"),
	}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t Type) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + "." + string(t)
}

// Emit publishes the event. Failures are logged, not returned.
func (p *NATSPublisher) Emit(ctx context.Context, e Event) {
	if p.nc == nil || p.nc.IsClosed() {
		p.logger.Debug("nats not connected, dropping event", zap.String("type", string(e.Type)))
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.Subject(e.Type), data); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("type", string(e.Type)),
			zap.String("system_id", e.SystemID),
			zap.Error(err))
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
