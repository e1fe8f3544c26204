// Package nats provides a NATS implementation of the messaging interfaces.
package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/common/messaging"
)

// Client is a core NATS connection.
type Client struct {
	conn *nats.Conn
}

// Config holds NATS client configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for connection identification.
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for infinite reconnects.
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration

	// Username for authentication (optional).
	Username string

	// Password for authentication (optional).
	Password string

	// Token for token-based authentication (optional).
	Token string

	// Logger receives connection state changes. Defaults to logging.Default().
	Logger *logging.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "flowsink",
		MaxReconnects: -1, // Infinite reconnects
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NewClient creates a new NATS client with the given configuration.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	}

	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{conn: conn}, nil
}

// Close releases all resources.
func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

// Drain gracefully closes, allowing in-flight messages to complete.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

func toNatsMsg(msg *messaging.Message) *nats.Msg {
	natsMsg := &nats.Msg{
		Subject: msg.Subject,
		Data:    msg.Data,
	}
	if len(msg.Metadata) > 0 {
		natsMsg.Header = make(nats.Header)
		for k, v := range msg.Metadata {
			natsMsg.Header.Set(k, v)
		}
	}
	return natsMsg
}
