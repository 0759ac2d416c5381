package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/events"
)

const reconnectWait = 2 * time.Second

// compile-time interface check.
var _ events.Publisher = (*Publisher)(nil)

// Publisher sends events as JSON to a NATS server.
type Publisher struct {
	nc *nats.Conn
}

// New connects to url. The connection reconnects forever in the background.
func New(ctx context.Context, url string) (*Publisher, error) {
	logger := log.WithFunc("nats.New")
	nc, err := nats.Connect(url,
		nats.Name("sprout"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf(ctx, "nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof(ctx, "nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Publisher{nc: nc}, nil
}

func (p *Publisher) Publish(_ context.Context, e events.Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.nc.Publish(e.Subject(), data)
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
