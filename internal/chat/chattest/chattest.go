// Package chattest provides in-memory stand-ins for the message store and
// the realtime channel, for tests of code built on package chat.
package chattest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campusbazaar/chat-app/internal/chat"
	"github.com/campusbazaar/chat-app/internal/model"
	"github.com/campusbazaar/chat-app/internal/store"
)

// ErrNotFound is returned by Store lookups for unknown conversations. It is
// the same sentinel the PostgreSQL store uses.
var ErrNotFound = store.ErrNotFound

// Store is an in-memory message and conversation store.
type Store struct {
	mu            sync.Mutex
	messages      []model.Message
	conversations map[string]model.Conversation

	// ListGate, when non-nil, blocks ListMessages until it is closed. The
	// wait ignores the caller's context.
	ListGate chan struct{}
	// ListReturned, when non-nil, is closed once a gated ListMessages returns.
	ListReturned chan struct{}

	ListErr     error
	InsertErr   error
	MarkReadErr error
	CountErr    error
	PingErr     error

	// OnInsert is called after a successful insert, e.g. to publish it.
	OnInsert func(model.Message)

	markCalls  [][]string
	inserts    []model.Message
	listCalls  int
	countCalls int
}

// NewStore returns a store holding msgs.
func NewStore(msgs ...model.Message) *Store {
	return &Store{
		messages:      append([]model.Message(nil), msgs...),
		conversations: make(map[string]model.Conversation),
	}
}

// AddConversation registers conv.
func (s *Store) AddConversation(conv model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
}

// ListMessages implements chat.Store.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if s.ListGate != nil {
		<-s.ListGate
		if s.ListReturned != nil {
			defer close(s.ListReturned)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.ListErr != nil {
		return nil, s.ListErr
	}

	out := []model.Message{}
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// InsertMessage implements chat.Store.
func (s *Store) InsertMessage(ctx context.Context, conversationID, senderID, body string) (*model.Message, error) {
	s.mu.Lock()
	if s.InsertErr != nil {
		s.mu.Unlock()
		return nil, s.InsertErr
	}
	msg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	s.inserts = append(s.inserts, msg)
	onInsert := s.OnInsert
	s.mu.Unlock()

	if onInsert != nil {
		onInsert(msg)
	}
	return &msg, nil
}

// MarkRead implements chat.Store.
func (s *Store) MarkRead(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls = append(s.markCalls, append([]string(nil), ids...))
	if s.MarkReadErr != nil {
		return s.MarkReadErr
	}

	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for i := range s.messages {
		if set[s.messages[i].ID] {
			s.messages[i].Read = true
		}
	}
	return nil
}

// CountUnread counts unread messages from others in conversations userID
// takes part in. Messages in unregistered conversations count if userID
// did not send them.
func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countCalls++
	if s.CountErr != nil {
		return 0, s.CountErr
	}

	n := 0
	for _, msg := range s.messages {
		if msg.Read || msg.SenderID == userID {
			continue
		}
		if conv, ok := s.conversations[msg.ConversationID]; ok && !conv.IsParticipant(userID) {
			continue
		}
		n++
	}
	return n, nil
}

// Ping fails with PingErr.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// GetConversation returns a registered conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &conv, nil
}

// ListConversations returns the conversations userID takes part in.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Conversation{}
	for _, conv := range s.conversations {
		if conv.IsParticipant(userID) {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindOrCreateConversation returns the conversation for the triple,
// creating it on first use.
func (s *Store) FindOrCreateConversation(ctx context.Context, listingID, buyerID, sellerID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		if conv.ListingID == listingID && conv.BuyerID == buyerID && conv.SellerID == sellerID {
			return &conv, nil
		}
	}
	conv := model.Conversation{
		ID:        uuid.NewString(),
		ListingID: listingID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		CreatedAt: time.Now().UTC(),
	}
	s.conversations[conv.ID] = conv
	return &conv, nil
}

// MarkReadCalls returns the id sets passed to MarkRead, in call order.
func (s *Store) MarkReadCalls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.markCalls))
	for i, ids := range s.markCalls {
		out[i] = append([]string(nil), ids...)
	}
	return out
}

// Inserts returns the messages stored through InsertMessage.
func (s *Store) Inserts() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.inserts...)
}

// ListCalls returns how many times ListMessages completed.
func (s *Store) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// CountCalls returns how many times CountUnread ran.
func (s *Store) CountCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countCalls
}

// SetCountErr changes the CountUnread failure under the store lock.
func (s *Store) SetCountErr(err error) {
	s.mu.Lock()
	s.CountErr = err
	s.mu.Unlock()
}

// Put adds msg as if another client had inserted it.
func (s *Store) Put(msg model.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

// Realtime is an in-memory realtime channel. Delivery is synchronous:
// Deliver returns after every matching handler has returned.
type Realtime struct {
	mu   sync.Mutex
	subs []*Subscription

	// SubscribeErr makes Subscribe fail.
	SubscribeErr error
	// SubscribeGate, when non-nil, blocks Subscribe until it is closed.
	SubscribeGate chan struct{}
}

// NewRealtime returns an empty channel.
func NewRealtime() *Realtime {
	return &Realtime{}
}

// Subscription is a handle returned by Realtime.Subscribe.
type Subscription struct {
	rt      *Realtime
	topic   string
	filter  chat.Filter
	handler func(model.Message)

	mu     sync.Mutex
	closed bool
	calls  int
}

// Subscribe implements chat.Realtime.
func (r *Realtime) Subscribe(topic string, filter chat.Filter, handler func(model.Message)) (chat.Subscription, error) {
	if r.SubscribeGate != nil {
		<-r.SubscribeGate
	}
	if r.SubscribeErr != nil {
		return nil, r.SubscribeErr
	}

	sub := &Subscription{rt: r, topic: topic, filter: filter, handler: handler}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub, nil
}

// Unsubscribe implements chat.Subscription.
func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.closed = true
	return nil
}

// Closed reports whether Unsubscribe was called.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Filter returns the filter the subscription was opened with.
func (s *Subscription) Filter() chat.Filter {
	return s.filter
}

// Deliver hands msg to every open subscription whose filter matches.
func (r *Realtime) Deliver(msg model.Message) {
	for _, sub := range r.Subscriptions() {
		if sub.Closed() {
			continue
		}
		if !sub.filter.Global() && sub.filter.ConversationID != msg.ConversationID {
			continue
		}
		sub.handler(msg)
	}
}

// Subscriptions returns every subscription ever opened, open or not.
func (r *Realtime) Subscriptions() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Subscription(nil), r.subs...)
}

// Active returns the number of open subscriptions.
func (r *Realtime) Active() int {
	n := 0
	for _, sub := range r.Subscriptions() {
		if !sub.Closed() {
			n++
		}
	}
	return n
}
