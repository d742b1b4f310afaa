// Package unread maintains a user's total unread message count across every
// conversation they take part in. The value always comes from the store;
// realtime events only trigger a re-query.
package unread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/campusbazaar/chat-app/internal/chat"
	"github.com/campusbazaar/chat-app/internal/metrics"
	"github.com/campusbazaar/chat-app/internal/model"
)

// DefaultQueryTimeout bounds a single count query.
const DefaultQueryTimeout = 5 * time.Second

var (
	ErrStarted = errors.New("unread: counter already started")
	ErrStopped = errors.New("unread: counter stopped")
)

// CountStore returns the authoritative unread count for a user: messages
// not yet read, sent by someone else, in conversations the user is part of.
type CountStore interface {
	CountUnread(ctx context.Context, userID string) (int, error)
}

// Option configures a Counter.
type Option func(*Counter)

// WithLogger sets the counter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Counter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOnChange registers fn to be called with each new count, and once
// with the first loaded value. fn runs on the counter's worker goroutine.
func WithOnChange(fn func(count int)) Option {
	return func(c *Counter) { c.onChange = fn }
}

// WithQueryTimeout bounds each count query.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Counter) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Counter tracks one user's unread count.
//
// Refreshes run on a single worker goroutine. Events arriving while a
// query is in flight collapse into one follow-up query, so results are
// applied in query order and the stored value is the last one fetched.
type Counter struct {
	store        CountStore
	realtime     chat.Realtime
	logger       *slog.Logger
	onChange     func(int)
	queryTimeout time.Duration

	mu     sync.Mutex
	state  state
	cancel context.CancelFunc
	sub    chat.Subscription
	done   chan struct{}

	kick chan struct{}

	countMu sync.RWMutex
	count   int
	loaded  bool
}

// NewCounter creates an idle counter.
func NewCounter(store CountStore, rt chat.Realtime, opts ...Option) *Counter {
	c := &Counter{
		store:        store,
		realtime:     rt,
		logger:       slog.Default(),
		queryTimeout: DefaultQueryTimeout,
		kick:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start loads the count for userID, then subscribes to every insert the
// user can see and re-queries on each one. It returns once the first
// query has finished, successful or not. Query and subscribe failures are
// logged and leave the last value in place.
func (c *Counter) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("unread: start: %w", chat.ErrInvalidArgument)
	}

	c.mu.Lock()
	switch c.state {
	case stateRunning:
		c.mu.Unlock()
		return ErrStarted
	case stateStopped:
		c.mu.Unlock()
		return ErrStopped
	}
	wctx, cancel := context.WithCancel(ctx)
	c.state = stateRunning
	c.cancel = cancel
	c.done = make(chan struct{})
	c.logger = c.logger.With("user_id", userID)
	c.mu.Unlock()

	ready := make(chan struct{})
	go c.run(wctx, userID, ready)

	select {
	case <-ready:
	case <-wctx.Done():
		return nil
	}

	sub, err := c.realtime.Subscribe(chat.TopicMessages, chat.Filter{}, func(model.Message) {
		c.trigger()
	})
	if err != nil {
		metrics.BackendErrors.WithLabelValues("subscribe").Inc()
		c.logger.Warn("unread subscribe failed, count will not refresh", "error", err)
		return nil
	}

	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		c.release(sub)
		return nil
	}
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// Stop ends the subscription and the worker. It is idempotent and safe to
// call on a counter that was never started. The count is frozen at its
// last value.
func (c *Counter) Stop() {
	c.mu.Lock()
	prev := c.state
	c.state = stateStopped
	sub := c.sub
	c.sub = nil
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if prev != stateRunning {
		return
	}
	if sub != nil {
		c.release(sub)
	}
	cancel()
	<-done
}

// Count returns the last authoritative value.
func (c *Counter) Count() int {
	c.countMu.RLock()
	defer c.countMu.RUnlock()
	return c.count
}

// Refresh asks for a re-query without waiting for it.
func (c *Counter) Refresh() {
	c.trigger()
}

func (c *Counter) trigger() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Counter) run(ctx context.Context, userID string, ready chan struct{}) {
	defer close(c.done)

	c.refresh(ctx, userID)
	close(ready)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
			c.refresh(ctx, userID)
		}
	}
}

func (c *Counter) refresh(ctx context.Context, userID string) {
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	n, err := c.store.CountUnread(qctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.UnreadRefreshes.WithLabelValues("error").Inc()
		metrics.BackendErrors.WithLabelValues("count_unread").Inc()
		c.logger.Warn("unread count failed", "error", err)
		return
	}
	metrics.UnreadRefreshes.WithLabelValues("ok").Inc()

	if ctx.Err() != nil {
		return
	}

	c.countMu.Lock()
	changed := !c.loaded || c.count != n
	c.count = n
	c.loaded = true
	c.countMu.Unlock()

	if changed && c.onChange != nil {
		c.onChange(n)
	}
}

func (c *Counter) release(sub chat.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		metrics.BackendErrors.WithLabelValues("unsubscribe").Inc()
		c.logger.Warn("unread unsubscribe failed", "error", err)
	}
}
