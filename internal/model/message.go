// Package model holds the persisted marketplace chat records shared by the
// store, the realtime channel and the session layer.
package model

import "time"

// Message is one persisted chat message. Within a conversation messages are
// ordered by CreatedAt, ties broken by ID. Read only ever goes false -> true.
type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	SenderID       string    `db:"sender_id" json:"sender_id"`
	Body           string    `db:"body" json:"body"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	Read           bool      `db:"read" json:"read"`
}

// InsertEvent is the payload published on the realtime channel for every
// newly inserted message.
type InsertEvent struct {
	Type    string  `json:"type"` // always "INSERT"
	Table   string  `json:"table"`
	Message Message `json:"record"`
}

const (
	EventInsert   = "INSERT"
	TableMessages = "messages"
)

// NewInsertEvent wraps msg in an insert event for the messages table.
func NewInsertEvent(msg Message) InsertEvent {
	return InsertEvent{Type: EventInsert, Table: TableMessages, Message: msg}
}
