// Package messaging carries change notifications between the writers of the
// friend and conversation stores and the subscription layer. NATSClient is the
// multi-node transport; LocalBus serves single-node deployments and tests.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSClient wraps the NATS connection and tracks every subscription it hands
// out so Close can drain them.
type NATSClient struct {
	conn         *nats.Conn
	log          zerolog.Logger
	flushTimeout time.Duration

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	FlushTimeout  time.Duration // wait for the server to confirm a subscription
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "friendchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
		FlushTimeout:  2 * time.Second,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log zerolog.Logger) (*NATSClient, error) {
	log = log.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected")
			} else {
				log.Warn().Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	if config.FlushTimeout <= 0 {
		config.FlushTimeout = DefaultNATSConfig().FlushTimeout
	}
	return &NATSClient{
		conn:         nc,
		log:          log,
		flushTimeout: config.FlushTimeout,
		subs:         make(map[uint64]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for the given subject. Several subscriptions
// on the same subject coexist; each is tracked separately. It returns only
// after the server has acknowledged the interest, so anything published
// afterwards on any node reaches handler.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	if err := c.conn.FlushTimeout(c.flushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe %s: flush: %w", subject, err)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = sub
	c.mu.Unlock()

	return &natsSubscription{client: c, id: id}, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", sub.Subject).Msg("drain subscription")
		}
	}
	c.subs = make(map[uint64]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain")
	}

	c.log.Info().Msg("client closed")
}

// unsubscribe removes and unsubscribes a tracked subscription. Unknown ids
// are ignored so a second Unsubscribe is a no-op.
func (c *NATSClient) unsubscribe(id uint64) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, id)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}

type natsSubscription struct {
	client *NATSClient
	id     uint64
}

func (s *natsSubscription) Unsubscribe() error {
	return s.client.unsubscribe(s.id)
}
