// Package messaging provides the NATS-backed realtime channel for chat
// insert events. It handles connection lifecycle, subject mapping for
// conversation-scoped and global subscriptions, and publishing of inserts.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/campusbazaar/chat-app/internal/chat"
	"github.com/campusbazaar/chat-app/internal/model"
)

// SubjectInsertPrefix is prepended to the conversation ID:
// messages.insert.<conversation_id>.
const SubjectInsertPrefix = "messages.insert"

var ErrUnknownTopic = errors.New("messaging: unknown topic")

// NATSClient wraps the NATS connection and tracks live subscriptions so
// they can be drained on Close.
type NATSClient struct {
	conn   *nats.Conn
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "campusbazaar-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", "error", err)
			} else {
				logger.Warn("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect: %w", err)
	}

	logger.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// SubjectFor maps a topic and filter to a NATS subject. A global filter
// maps to the single-token wildcard.
func SubjectFor(topic string, filter chat.Filter) (string, error) {
	if topic != chat.TopicMessages {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if filter.Global() {
		return SubjectInsertPrefix + ".*", nil
	}
	if strings.ContainsAny(filter.ConversationID, ".*> \t\r\n") {
		return "", fmt.Errorf("messaging: invalid conversation id %q", filter.ConversationID)
	}
	return SubjectInsertPrefix + "." + filter.ConversationID, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishInsert announces an inserted message on its conversation subject.
func (c *NATSClient) PublishInsert(msg model.Message) error {
	subject, err := SubjectFor(chat.TopicMessages, chat.Filter{ConversationID: msg.ConversationID})
	if err != nil {
		return err
	}
	data, err := json.Marshal(model.NewInsertEvent(msg))
	if err != nil {
		return fmt.Errorf("messaging: encode insert: %w", err)
	}
	if err := c.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe implements chat.Realtime. Payloads that do not decode as an
// insert event are logged and dropped.
func (c *NATSClient) Subscribe(topic string, filter chat.Filter, handler func(msg model.Message)) (chat.Subscription, error) {
	subject, err := SubjectFor(topic, filter)
	if err != nil {
		return nil, err
	}

	sub, err := c.conn.Subscribe(subject, func(m *nats.Msg) {
		msg, err := DecodeInsert(m.Data)
		if err != nil {
			c.logger.Warn("dropping undecodable event", "subject", m.Subject, "error", err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	key := uuid.NewString()
	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()

	return &subscription{client: c, key: key}, nil
}

// DecodeInsert parses an insert event payload.
func DecodeInsert(data []byte) (model.Message, error) {
	var ev model.InsertEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.Message{}, fmt.Errorf("messaging: decode insert: %w", err)
	}
	if ev.Message.ID == "" || ev.Message.ConversationID == "" {
		return model.Message{}, errors.New("messaging: decode insert: missing message ids")
	}
	return ev.Message, nil
}

type subscription struct {
	client *NATSClient
	key    string
	once   sync.Once
	err    error
}

// Unsubscribe is idempotent. A subscription already drained by Close is
// not an error.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.client.unsubscribe(s.key)
	})
	return s.err
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", "subject", sub.Subject, "key", key, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain", "error", err)
	}

	c.logger.Info("client closed")
}

// unsubscribe removes and unsubscribes a tracked subscription.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("messaging: unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}
