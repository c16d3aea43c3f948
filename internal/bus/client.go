package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/lectern/internal/config"
)

const reconnectWait = 500 * time.Millisecond

// Client is the process-wide NATS connection carrying audio jobs, progress
// events and worker presence.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

// Connect dials the configured servers. Once connected the client reconnects
// forever; loss and recovery of the connection are logged.
func Connect(ctx context.Context, name string, cfg config.BusConfig, logger *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		name = "lectern"
	}
	log := logger.With(slog.String("component", "bus"))

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS connection lost", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS connection restored", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn("NATS async error", slog.String("subject", subject), slog.String("error", err.Error()))
		}),
	}
	switch {
	case cfg.Token != "":
		options = append(options, nats.Token(cfg.Token))
	case cfg.Username != "" || cfg.Password != "":
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	servers := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(servers, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", servers, err)
	}
	log.Info("connected to NATS", slog.String("url", conn.ConnectedUrl()), slog.Int64("max_payload", conn.MaxPayload()))
	return &Client{conn: conn, log: log}, nil
}

// Close drains subscriptions and pending publishes before closing.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.log.Warn("NATS drain failed", slog.String("error", err.Error()))
	}
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// PublishJSON marshals v and publishes it on subject. Messages larger than the
// server's max payload are rejected before they reach the wire.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", subject, err)
	}
	if limit := c.conn.MaxPayload(); limit > 0 && int64(len(data)) > limit {
		return fmt.Errorf("%s message is %d bytes: %w", subject, len(data), nats.ErrMaxPayload)
	}
	return c.conn.Publish(subject, data)
}
