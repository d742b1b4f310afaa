package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/campusbazaar/chat-app/internal/chat"
	"github.com/campusbazaar/chat-app/internal/metrics"
	"github.com/campusbazaar/chat-app/internal/protocol"
	"github.com/campusbazaar/chat-app/internal/ratelimit"
	"github.com/campusbazaar/chat-app/internal/store"
)

func (s *Server) registerHandlers() {
	s.dispatcher.Register(protocol.TypeOpen, s.handleOpen)
	s.dispatcher.Register(protocol.TypeClose, s.handleClose)
	s.dispatcher.Register(protocol.TypeSend, s.handleSend)
	s.dispatcher.Register(protocol.TypeDraft, s.handleDraft)
}

// handleOpen replaces the connection's session with one on the requested
// conversation. Only the buyer and the seller may open it; unknown and
// foreign conversations get the same answer.
func (s *Server) handleOpen(c *Connection, msg interface{}) {
	m := msg.(protocol.OpenMsg)

	ctx, cancel := context.WithTimeout(c.ctx, s.config.RequestTimeout)
	conv, err := s.deps.Store.GetConversation(ctx, m.ConversationID)
	cancel()
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.SendError(protocol.CodeForbidden, "conversation not available")
		return
	case err != nil:
		metrics.BackendErrors.WithLabelValues("get_conversation").Inc()
		c.logger.Warn("conversation lookup failed", "conversation_id", m.ConversationID, "error", err)
		c.SendError(protocol.CodeUnavailable, "conversation could not be loaded")
		return
	case !conv.IsParticipant(c.UserID):
		c.SendError(protocol.CodeForbidden, "conversation not available")
		return
	}

	s.closeSession(c)

	sess, err := chat.Open(c.ctx, chat.Deps{Store: s.deps.Store, Realtime: s.deps.Realtime}, conv.ID, c.UserID,
		chat.WithLogger(c.logger),
		chat.WithReadTimeout(s.config.MarkReadTimeout),
		chat.WithObserver(s.observe(c, conv.ID)),
	)
	if err != nil {
		c.logger.Error("open session failed", "conversation_id", conv.ID, "error", err)
		c.SendError(protocol.CodeInternal, "conversation could not be opened")
		return
	}
	c.swapSession(sess)

	if s.presence != nil {
		pctx, pcancel := context.WithTimeout(c.ctx, presenceTimeout)
		if err := s.presence.SetConversation(pctx, c.ID, conv.ID); err != nil {
			c.logger.Warn("presence update failed", "error", err)
		}
		pcancel()
	}
}

// observe turns session updates into server frames. It runs on the session
// goroutine.
func (s *Server) observe(c *Connection, conversationID string) func(chat.Update) {
	return func(u chat.Update) {
		switch u.Kind {
		case chat.UpdateHistory:
			c.Send(protocol.TypeHistory, protocol.HistoryMsg{
				ConversationID: conversationID,
				Messages:       u.Messages,
			})
		case chat.UpdateMessage:
			for _, m := range u.Messages {
				c.Send(protocol.TypeMessage, protocol.ServerMessageMsg{Message: m})
			}
		case chat.UpdateRead:
			c.Send(protocol.TypeRead, protocol.ReadMsg{
				ConversationID: conversationID,
				IDs:            u.ReadIDs,
			})
			// Marking read does not produce an insert event.
			c.mu.Lock()
			counter := c.counter
			c.mu.Unlock()
			if counter != nil {
				counter.Refresh()
			}
		}
	}
}

func (s *Server) handleClose(c *Connection, _ interface{}) {
	s.closeSession(c)
}

func (s *Server) closeSession(c *Connection) {
	prev := c.swapSession(nil)
	if prev == nil {
		return
	}
	prev.Close()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(c.ctx, presenceTimeout)
		if err := s.presence.ClearConversation(ctx, c.ID); err != nil {
			c.logger.Warn("presence update failed", "error", err)
		}
		cancel()
	}
}

func (s *Server) handleDraft(c *Connection, msg interface{}) {
	m := msg.(protocol.DraftMsg)
	if sess := c.Session(); sess != nil {
		sess.SetDraft(m.Text)
	}
}

// handleSend submits the compose text on the open session. The insert runs
// on its own goroutine so a slow store does not stall the read loop; a
// failure is reported with the text the client should put back.
func (s *Server) handleSend(c *Connection, msg interface{}) {
	m := msg.(protocol.SendMsg)

	sess := c.Session()
	if sess == nil {
		c.Send(protocol.TypeSendFailed, protocol.SendFailedMsg{
			Code:  protocol.CodeNoSession,
			Error: "no conversation is open",
			Text:  m.Text,
		})
		return
	}
	if strings.TrimSpace(m.Text) == "" {
		return
	}

	if s.deps.Limiter != nil {
		ctx, cancel := context.WithTimeout(c.ctx, s.config.RequestTimeout)
		defer cancel()
		// The limiter fails open and logs its own errors.
		ok, err := s.deps.Limiter.Allow(ctx, c.UserID, ratelimit.RuleSend)
		if err != nil {
			metrics.BackendErrors.WithLabelValues("ratelimit").Inc()
		}
		if !ok {
			c.Send(protocol.TypeSendFailed, protocol.SendFailedMsg{
				Code:       protocol.CodeRateLimited,
				Error:      "sending too fast, try again shortly",
				Text:       m.Text,
				RetryAfter: retrySeconds(s.deps.Limiter.RetryAfter(ctx, c.UserID, ratelimit.RuleSend)),
			})
			return
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, s.config.RequestTimeout)
		defer cancel()

		err := sess.Send(ctx, m.Text)
		if err == nil {
			return
		}

		failed := protocol.SendFailedMsg{
			Code:  protocol.CodeUnavailable,
			Error: "message could not be sent",
			Text:  m.Text,
		}
		switch {
		case errors.Is(err, chat.ErrInvalidMessage):
			failed.Code = protocol.CodeInvalid
			failed.Error = err.Error()
		case errors.Is(err, chat.ErrClosed):
			failed.Code = protocol.CodeNoSession
			failed.Error = "conversation was closed"
		}
		c.Send(protocol.TypeSendFailed, failed)
	}()
}

// retrySeconds rounds a wait up to whole seconds, never below one.
func retrySeconds(d time.Duration) int {
	n := int((d + time.Second - 1) / time.Second)
	if n < 1 {
		n = 1
	}
	return n
}
