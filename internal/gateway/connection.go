package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/campusbazaar/chat-app/internal/chat"
	"github.com/campusbazaar/chat-app/internal/protocol"
	"github.com/campusbazaar/chat-app/internal/unread"
)

// Connection is one authenticated WebSocket client. Writes are serialized
// by writeMu; the read side is owned by the connection's read loop.
type Connection struct {
	ID        string    // connection ID (UUID)
	UserID    string    // authenticated user
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	src          io.Reader // buffered reader left over from the upgrade
	writeTimeout time.Duration
	maxFrameSize int64
	lastActive   atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	session *chat.Session
	counter *unread.Counter
}

// LastActive returns when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// Session returns the open chat session, or nil.
func (c *Connection) Session() *chat.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// swapSession installs sess and returns the one it replaced.
func (c *Connection) swapSession(sess *chat.Session) *chat.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.session
	c.session = sess
	return prev
}

// ReadMessage blocks until a complete text message arrives. Ping and close
// frames are answered under the write lock; binary messages are skipped.
func (c *Connection) ReadMessage() ([]byte, error) {
	rd := &wsutil.Reader{
		Source:       c.src,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: c.maxFrameSize,
	}
	rd.OnIntermediate = func(hdr ws.Header, r io.Reader) error {
		return c.handleControl(hdr, r)
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		c.touch()

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

func (c *Connection) handleControl(hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	return c.writeFrame(ws.NewTextFrame(data))
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Header and payload go out in one write; an empty payload must not
	// turn into a zero-length write of its own.
	bts, err := ws.CompileFrame(f)
	if err != nil {
		return err
	}

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	_, err = c.Conn.Write(bts)
	return err
}

// Send encodes payload as a server frame of msgType and writes it. A failed
// write closes the socket, which ends the read loop and tears the
// connection down; Send itself never tears down, so it is safe to call
// from session observers and counter callbacks.
func (c *Connection) Send(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		c.logger.Error("encode frame failed", "type", msgType, "error", err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		c.logger.Debug("write failed, closing socket", "type", msgType, "error", err)
		_ = c.Conn.Close()
	}
}

// SendError sends an error frame.
func (c *Connection) SendError(code, message string) {
	c.Send(protocol.TypeError, protocol.ErrorMsg{Code: code, Error: message})
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection and closes its socket. It returns false
// if the connection was already gone, so exactly one caller tears it down.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
