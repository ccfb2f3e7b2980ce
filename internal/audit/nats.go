package audit

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Conn wraps a NATS connection configured for audit publishing.
type Conn struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials NATS with reconnect-tolerant options. The audit stream
// survives broker restarts without failing the pipeline.
func Connect(url, token string, logger *slog.Logger) (*Conn, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Conn{conn: nc, logger: logger}, nil
}

func (c *Conn) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *Conn) Close() {
	c.conn.Close()
}
