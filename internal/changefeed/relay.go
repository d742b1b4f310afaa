// Package changefeed turns PostgreSQL insert notifications on the messages
// table into realtime events. A trigger installed by the store migrations
// calls pg_notify on every insert; the Relay listens on that channel and
// republishes each row.
package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/campusbazaar/chat-app/internal/messaging"
	"github.com/campusbazaar/chat-app/internal/metrics"
	"github.com/campusbazaar/chat-app/internal/model"
)

// Channel is the notification channel the insert trigger signals on.
const Channel = "message_inserted"

// Publisher forwards a decoded insert.
type Publisher interface {
	PublishInsert(msg model.Message) error
}

// Listener is the part of *pq.Listener the relay needs.
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Config holds listener settings.
type Config struct {
	DSN                  string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration // ping the connection when idle this long
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinReconnectInterval: 10 * time.Second,
		MaxReconnectInterval: time.Minute,
		PingInterval:         90 * time.Second,
	}
}

// Relay forwards insert notifications to a Publisher.
type Relay struct {
	listener     Listener
	publisher    Publisher
	logger       *slog.Logger
	pingInterval time.Duration
}

// NewRelay opens a pq listener for cfg.DSN. The connection is established
// in the background and re-established on failure.
func NewRelay(cfg Config, publisher Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "changefeed")

	listener := pq.NewListener(cfg.DSN, cfg.MinReconnectInterval, cfg.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnected:
				logger.Info("listener connected")
			case pq.ListenerEventDisconnected:
				logger.Warn("listener disconnected", "error", err)
			case pq.ListenerEventReconnected:
				logger.Info("listener reconnected")
			case pq.ListenerEventConnectionAttemptFailed:
				logger.Warn("listener connection attempt failed", "error", err)
			}
		})

	return NewRelayWithListener(listener, cfg.PingInterval, publisher, logger)
}

// NewRelayWithListener builds a relay around an existing listener.
func NewRelayWithListener(listener Listener, pingInterval time.Duration, publisher Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if pingInterval <= 0 {
		pingInterval = DefaultConfig().PingInterval
	}
	return &Relay{
		listener:     listener,
		publisher:    publisher,
		logger:       logger,
		pingInterval: pingInterval,
	}
}

// Run listens until ctx is done, then closes the listener. Undecodable
// payloads and publish failures are logged and skipped.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.listener.Listen(Channel); err != nil {
		r.listener.Close()
		return fmt.Errorf("changefeed: listen %s: %w", Channel, err)
	}
	defer r.listener.Close()

	r.logger.Info("relay started", "channel", Channel)

	idle := time.NewTimer(r.pingInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return nil

		case n, ok := <-r.listener.NotificationChannel():
			if !ok {
				return fmt.Errorf("changefeed: listener closed")
			}
			// A nil notification follows a reconnect; inserts made while
			// disconnected are not replayed.
			if n != nil {
				r.forward(n.Extra)
			} else {
				r.logger.Warn("listener reconnected, notifications may have been missed")
			}
			resetTimer(idle, r.pingInterval)

		case <-idle.C:
			go func() {
				if err := r.listener.Ping(); err != nil {
					r.logger.Warn("listener ping failed", "error", err)
				}
			}()
			idle.Reset(r.pingInterval)
		}
	}
}

func (r *Relay) forward(payload string) {
	msg, err := messaging.DecodeInsert([]byte(payload))
	if err != nil {
		metrics.RelayedEvents.WithLabelValues("decode_error").Inc()
		r.logger.Warn("dropping undecodable notification", "error", err)
		return
	}
	if err := r.publisher.PublishInsert(msg); err != nil {
		metrics.RelayedEvents.WithLabelValues("publish_error").Inc()
		r.logger.Warn("publish insert failed", "message_id", msg.ID, "error", err)
		return
	}
	metrics.RelayedEvents.WithLabelValues("ok").Inc()
	r.logger.Debug("relayed insert", "message_id", msg.ID, "conversation_id", msg.ConversationID)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
