package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
)

// NATS publishes events on "<prefix>.<type>" subjects.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// ConnectNATS dials url and returns a publisher using subject prefix.
func ConnectNATS(url, prefix string, timeout time.Duration) (*NATS, error) {
	if url == "" {
		return nil, fmt.Errorf("no NATS url configured")
	}
	if prefix == "" {
		prefix = "recorder"
	}

	conn, err := nats.Connect(url,
		nats.Name("voice-recorder"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warning(logging.CategoryEvents, "NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Info(logging.CategoryEvents, "NATS reconnected url=%s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logging.Info(logging.CategoryEvents, "connected to NATS url=%s prefix=%s", url, prefix)
	return &NATS{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject used for events of type t.
func (n *NATS) Subject(t Type) string { return n.prefix + "." + string(t) }

// Publish encodes ev as JSON and publishes it.
func (n *NATS) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(n.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (n *NATS) Healthy() bool {
	return n != nil && n.conn != nil && n.conn.Status() == nats.CONNECTED
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	logging.Info(logging.CategoryEvents, "closing NATS connection")
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
