// Package protocol defines the WebSocket message types exchanged between the
// browser and the chat gateway. All messages are serialized as JSON and
// follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/campusbazaar/chat-app/internal/model"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeOpen  = "open"
	TypeClose = "close"
	TypeSend  = "send"
	TypeDraft = "draft"
	TypePing  = "ping"
)

// Server -> Client message types.
const (
	TypeHistory    = "history"
	TypeMessage    = "message"
	TypeRead       = "read"
	TypeUnread     = "unread"
	TypeSendFailed = "send_failed"
	TypeError      = "error"
	TypePong       = "pong"
)

// Error codes carried by ErrorMsg and SendFailedMsg.
const (
	CodeBadRequest  = "bad_request"
	CodeForbidden   = "forbidden"
	CodeNoSession   = "no_session"
	CodeInvalid     = "invalid_message"
	CodeRateLimited = "rate_limited"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// OpenMsg opens a conversation view, replacing any view already open on
// the connection.
type OpenMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// CloseMsg closes the open conversation view.
type CloseMsg struct {
	Type string `json:"type"`
}

// SendMsg submits the compose text of the open conversation.
type SendMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DraftMsg mirrors the compose field so it can be restored after a failed
// send.
type DraftMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// HistoryMsg carries the full view after the backlog loads.
type HistoryMsg struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
}

// ServerMessageMsg carries one live message appended to the view.
type ServerMessageMsg struct {
	Type    string        `json:"type"`
	Message model.Message `json:"message"`
}

// ReadMsg lists messages whose read flag flipped.
type ReadMsg struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id"`
	IDs            []string `json:"ids"`
}

// UnreadMsg carries the user's total unread count.
type UnreadMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// SendFailedMsg reports a failed send. Text is the compose text to put
// back in the input. RetryAfter is set in seconds for rate_limited.
type SendFailedMsg struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Error      string `json:"error"`
	Text       string `json:"text"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition. The
// description lives under "error" so it never collides with the message
// object of a message frame.
type ErrorMsg struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeOpen:
		var m OpenMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ConversationID == "" {
			err = fmt.Errorf("conversation_id is required")
		}
		msg = m
	case TypeClose:
		var m CloseMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDraft:
		var m DraftMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
