package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/campusbazaar/chat-app/internal/auth"
	"github.com/campusbazaar/chat-app/internal/metrics"
	"github.com/campusbazaar/chat-app/internal/model"
	"github.com/campusbazaar/chat-app/internal/store"
)

type userKey struct{}

// authenticate rejects requests without a valid bearer token and puts the
// user id on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.deps.Auth.Verify(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}

type createConversationRequest struct {
	ListingID string `json:"listing_id"`
	SellerID  string `json:"seller_id"`
}

// conversationView is a conversation as seen by one of its participants.
type conversationView struct {
	model.Conversation
	CounterpartID     string `json:"counterpart_id"`
	CounterpartOnline bool   `json:"counterpart_online"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	userID := userFromContext(ctx)
	convs, err := s.deps.Store.ListConversations(ctx, userID)
	if err != nil {
		s.backendError(w, "list_conversations", err)
		return
	}

	views := make([]conversationView, 0, len(convs))
	online := make(map[string]bool)
	for _, conv := range convs {
		other := conv.Counterpart(userID)
		if _, seen := online[other]; !seen {
			online[other] = s.online(ctx, other)
		}
		views = append(views, conversationView{
			Conversation:      conv,
			CounterpartID:     other,
			CounterpartOnline: online[other],
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": views})
}

// online is best effort: without presence, or when it fails, users show as
// offline.
func (s *Server) online(ctx context.Context, userID string) bool {
	if s.presence == nil || userID == "" {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	ok, err := s.presence.Online(pctx, userID)
	if err != nil {
		s.logger.Warn("presence lookup failed", "user_id", userID, "error", err)
		return false
	}
	return ok
}

// handleCreateConversation is the "contact seller" action: the caller is
// the buyer, and the conversation is looked up or created for the triple.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ListingID = strings.TrimSpace(req.ListingID)
	req.SellerID = strings.TrimSpace(req.SellerID)

	buyerID := userFromContext(r.Context())
	switch {
	case req.ListingID == "" || req.SellerID == "":
		writeError(w, http.StatusBadRequest, "listing_id and seller_id are required")
		return
	case req.SellerID == buyerID:
		writeError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	conv, err := s.deps.Store.FindOrCreateConversation(ctx, req.ListingID, buyerID, req.SellerID)
	if errors.Is(err, store.ErrInvalidConversation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.backendError(w, "create_conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	conv, err := s.deps.Store.GetConversation(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && !conv.IsParticipant(userFromContext(ctx))) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.backendError(w, "get_conversation", err)
		return
	}

	msgs, err := s.deps.Store.ListMessages(ctx, conv.ID)
	if err != nil {
		s.backendError(w, "list", err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conv.ID,
		"messages":        msgs,
	})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	n, err := s.deps.Store.CountUnread(ctx, userFromContext(ctx))
	if err != nil {
		s.backendError(w, "count_unread", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) backendError(w http.ResponseWriter, op string, err error) {
	metrics.BackendErrors.WithLabelValues(op).Inc()
	s.logger.Warn("backend call failed", "op", op, "error", err)
	writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
}
