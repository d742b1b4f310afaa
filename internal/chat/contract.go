//go:generate mockgen -destination=mock_contract_test.go -package=${GOPACKAGE} -source=contract.go
package chat

import (
	"context"

	"github.com/campusbazaar/chat-app/internal/model"
)

// TopicMessages is the realtime topic carrying message insert events.
const TopicMessages = "messages"

// Store is the message persistence a session depends on.
type Store interface {
	// ListMessages returns every message of the conversation, oldest first.
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	InsertMessage(ctx context.Context, conversationID, senderID, body string) (*model.Message, error)
	// MarkRead sets the read flag on the given messages. It is used both in
	// bulk (backlog) and for single live messages.
	MarkRead(ctx context.Context, ids ...string) error
}

// Filter scopes a subscription. The zero value is global: every insert the
// subscriber is allowed to see.
type Filter struct {
	ConversationID string
}

// Global reports whether the filter is unscoped.
func (f Filter) Global() bool {
	return f.ConversationID == ""
}

// Realtime delivers insert events for a topic. The handler is called once
// per inserted message, in delivery order.
type Realtime interface {
	Subscribe(topic string, filter Filter, handler func(msg model.Message)) (Subscription, error)
}

// Subscription is a handle to an open realtime subscription. Unsubscribe is
// idempotent and best-effort; callers log its error.
type Subscription interface {
	Unsubscribe() error
}
