package gateway

import (
	"log/slog"

	"github.com/campusbazaar/chat-app/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (protocol.OpenMsg,
// protocol.SendMsg, ...).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client messages to registered handlers by type.
// Ping is answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *slog.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger *slog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

// Register associates a handler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and routes it. Parse errors and unregistered types
// are answered with an error frame.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("dispatch parse error", "conn_id", conn.ID, "type", msgType, "error", err)
		conn.SendError(protocol.CodeBadRequest, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		conn.Send(protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("unsupported message type", "conn_id", conn.ID, "type", msgType)
		conn.SendError(protocol.CodeBadRequest, "unsupported message type")
		return
	}

	handler(conn, msg)
}
