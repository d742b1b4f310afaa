// Package chat implements the per-conversation chat session: a live,
// ordered view of a conversation's messages that keeps read receipts
// accurate and owns exactly one realtime subscription while open.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/campusbazaar/chat-app/internal/metrics"
	"github.com/campusbazaar/chat-app/internal/model"
)

var (
	ErrInvalidArgument = errors.New("chat: invalid argument")
	ErrClosed          = errors.New("chat: session closed")
)

// DefaultReadTimeout bounds a single mark-read call.
const DefaultReadTimeout = 10 * time.Second

// UpdateKind identifies what changed in a session's view.
type UpdateKind int

const (
	UpdateHistory UpdateKind = iota + 1 // backlog loaded; Messages is the full view
	UpdateMessage                       // live message appended; Messages has one entry
	UpdateRead                          // read flags flipped; ReadIDs lists them
)

// Update describes one change to the session view.
type Update struct {
	Kind     UpdateKind
	Messages []model.Message
	ReadIDs  []string
}

// Deps are the backend collaborators of a session.
type Deps struct {
	Store    Store
	Realtime Realtime
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers fn to be called on every view change. fn runs on
// the session goroutine and must not call Close.
func WithObserver(fn func(Update)) Option {
	return func(s *Session) { s.observer = fn }
}

// WithReadTimeout bounds each mark-read call.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// Session is an open view of one conversation for one user.
//
// A single goroutine owns the view and the subscription handle. History
// loads, subscription setup, live events and read receipts are posted to
// its inbox; once the session context is done nothing posted is applied.
type Session struct {
	conversationID string
	userID         string
	store          Store
	realtime       Realtime
	logger         *slog.Logger
	observer       func(Update)
	readTimeout    time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     chan event
	done      chan struct{}
	closeOnce sync.Once

	thread *Thread
	sub    Subscription // owned by run

	draftMu sync.Mutex
	draft   string
}

type event interface{}

type backlogLoaded struct {
	messages []model.Message
	err      error
}

type subscribed struct {
	sub Subscription
}

type arrived struct {
	msg model.Message
}

type markedRead struct {
	ids []string
}

// Open starts a session on conversationID for userID. It returns at once;
// the backlog fetch and the live subscription proceed concurrently and
// their failures are logged, never returned. The session ends when Close
// is called or ctx is done.
func Open(ctx context.Context, deps Deps, conversationID, userID string, opts ...Option) (*Session, error) {
	if conversationID == "" || userID == "" {
		return nil, fmt.Errorf("%w: conversation and user ids are required", ErrInvalidArgument)
	}
	if deps.Store == nil || deps.Realtime == nil {
		return nil, fmt.Errorf("%w: store and realtime are required", ErrInvalidArgument)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		conversationID: conversationID,
		userID:         userID,
		store:          deps.Store,
		realtime:       deps.Realtime,
		logger:         slog.Default(),
		readTimeout:    DefaultReadTimeout,
		ctx:            sctx,
		cancel:         cancel,
		inbox:          make(chan event),
		done:           make(chan struct{}),
		thread:         NewThread(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("conversation_id", conversationID, "user_id", userID)

	metrics.SessionsOpen.Inc()
	go s.run()
	go s.loadBacklog()
	go s.subscribe()

	return s, nil
}

// ConversationID returns the conversation this session views.
func (s *Session) ConversationID() string { return s.conversationID }

// UserID returns the viewing user.
func (s *Session) UserID() string { return s.userID }

// Messages returns a snapshot of the view, oldest first.
func (s *Session) Messages() []model.Message {
	return s.thread.Messages()
}

// Draft returns the compose field.
func (s *Session) Draft() string {
	s.draftMu.Lock()
	defer s.draftMu.Unlock()
	return s.draft
}

// SetDraft replaces the compose field.
func (s *Session) SetDraft(text string) {
	s.draftMu.Lock()
	s.draft = text
	s.draftMu.Unlock()
}

// Send submits text as a new message from the session user. Blank text is
// a no-op. The compose field is cleared before the insert and restored to
// text if it fails. The message is not appended here; it shows up when the
// insert event comes back on the subscription.
func (s *Session) Send(ctx context.Context, text string) error {
	body := strings.TrimSpace(text)
	if body == "" {
		return nil
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if err := ValidateMessage(body); err != nil {
		return err
	}

	s.SetDraft("")

	start := time.Now()
	_, err := s.store.InsertMessage(ctx, s.conversationID, s.userID, body)
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.SetDraft(text)
		metrics.MessagesTotal.WithLabelValues("send_failed").Inc()
		metrics.BackendErrors.WithLabelValues("insert").Inc()
		s.logger.Warn("send failed", "error", err)
		return fmt.Errorf("chat: send: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return nil
}

// Close ends the session. It is safe to call more than once and from any
// goroutine except an observer callback. Once Close returns the view no
// longer changes and the subscription, if it was ever established, is
// released or being released.
func (s *Session) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run() {
	defer close(s.done)
	defer s.teardown()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.inbox:
			if s.ctx.Err() != nil {
				if sub, ok := ev.(subscribed); ok {
					s.release(sub.sub)
				}
				continue
			}
			s.apply(ev)
		}
	}
}

func (s *Session) teardown() {
	if s.sub != nil {
		s.release(s.sub)
		s.sub = nil
	}
	metrics.SessionsOpen.Dec()
	s.logger.Debug("session closed")
}

// post hands ev to the session goroutine. It returns false if the session
// ended first, in which case ev was not applied.
func (s *Session) post(ev event) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) apply(ev event) {
	switch ev := ev.(type) {
	case backlogLoaded:
		s.applyBacklog(ev)

	case subscribed:
		if s.sub != nil {
			s.release(s.sub)
		}
		s.sub = ev.sub

	case arrived:
		s.applyLive(ev.msg)

	case markedRead:
		if changed := s.thread.MarkRead(ev.ids); len(changed) > 0 {
			s.notify(Update{Kind: UpdateRead, ReadIDs: changed})
		}
	}
}

func (s *Session) applyBacklog(ev backlogLoaded) {
	if ev.err != nil {
		metrics.BackendErrors.WithLabelValues("list").Inc()
		s.logger.Warn("load history failed", "error", ev.err)
		return
	}

	s.thread.Load(ev.messages)
	s.notify(Update{Kind: UpdateHistory, Messages: s.thread.Messages()})

	var unread []string
	for _, msg := range ev.messages {
		if msg.SenderID != s.userID && !msg.Read {
			unread = append(unread, msg.ID)
		}
	}
	if len(unread) > 0 {
		go s.markRead(unread)
	}
}

func (s *Session) applyLive(msg model.Message) {
	// Events for other conversations are ignored.
	if msg.ConversationID != s.conversationID {
		return
	}
	if !s.thread.Append(msg) {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug("duplicate live message dropped", "message_id", msg.ID)
		return
	}

	metrics.MessagesTotal.WithLabelValues("live").Inc()
	s.notify(Update{Kind: UpdateMessage, Messages: []model.Message{msg}})

	if msg.SenderID != s.userID {
		go s.markRead([]string{msg.ID})
	}
}

func (s *Session) notify(u Update) {
	if s.observer != nil {
		s.observer(u)
	}
}

func (s *Session) loadBacklog() {
	msgs, err := s.store.ListMessages(s.ctx, s.conversationID)
	s.post(backlogLoaded{messages: msgs, err: err})
}

func (s *Session) subscribe() {
	sub, err := s.realtime.Subscribe(TopicMessages, Filter{ConversationID: s.conversationID}, func(msg model.Message) {
		s.post(arrived{msg: msg})
	})
	if err != nil {
		metrics.BackendErrors.WithLabelValues("subscribe").Inc()
		s.logger.Warn("subscribe failed, live updates disabled", "error", err)
		return
	}
	if !s.post(subscribed{sub: sub}) {
		s.release(sub)
	}
}

// markRead records read receipts. The write is not tied to the session
// context: closing the view suppresses the effect on the view, not the
// receipt itself.
func (s *Session) markRead(ids []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.readTimeout)
	defer cancel()

	if err := s.store.MarkRead(ctx, ids...); err != nil {
		metrics.BackendErrors.WithLabelValues("mark_read").Inc()
		s.logger.Warn("mark read failed", "count", len(ids), "error", err)
		return
	}
	s.post(markedRead{ids: ids})
}

func (s *Session) release(sub Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		metrics.BackendErrors.WithLabelValues("unsubscribe").Inc()
		s.logger.Warn("unsubscribe failed", "error", err)
	}
}
