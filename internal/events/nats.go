package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATS publishes sync events as JSON on one subject.
type NATS struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
}

func NewNATS(url, subject string, logger *logrus.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("crm-sheet-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("[EVENTS] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("[EVENTS] NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("[EVENTS] NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Infof("[EVENTS] ✅ connected to NATS at %s", url)
	return &NATS{conn: conn, subject: subject, logger: logger}, nil
}

// Publish sends ev on <subject>.<type>. Delivery is fire-and-forget.
func (p *NATS) Publish(_ context.Context, ev SyncEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(p.subject+"."+string(ev.Type), data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	p.logger.Debugf("[EVENTS] published %s for %s#%d", ev.Type, ev.ConfigID, ev.RowNumber)
	return nil
}

func (p *NATS) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
}
