package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/campusbazaar/chat-app/internal/model"
)

var messageColumns = []string{"id", "conversation_id", "sender_id", "body", "created_at", "read"}

// pq error code for foreign_key_violation.
const fkViolation = "23503"

func listMessagesQuery(conversationID string) sq.SelectBuilder {
	return psql.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at ASC", "id ASC")
}

func insertMessageQuery(id, conversationID, senderID, body string) sq.InsertBuilder {
	return psql.Insert("messages").
		Columns("id", "conversation_id", "sender_id", "body").
		Values(id, conversationID, senderID, body).
		Suffix("RETURNING id, conversation_id, sender_id, body, created_at, read")
}

func markReadQuery(ids []string) sq.UpdateBuilder {
	return psql.Update("messages").
		Set("read", true).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"read": false})
}

func countUnreadQuery(userID string) sq.SelectBuilder {
	return psql.Select("count(*)").
		From("messages m").
		Join("conversations c ON c.id = m.conversation_id").
		Where(sq.Eq{"m.read": false}).
		Where(sq.NotEq{"m.sender_id": userID}).
		Where(sq.Or{sq.Eq{"c.buyer_id": userID}, sq.Eq{"c.seller_id": userID}})
}

// ListMessages returns every message in the conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return []model.Message{}, nil
	}

	query, args, err := listMessagesQuery(conversationID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: list messages: build: %w", err)
	}

	msgs := []model.Message{}
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return msgs, nil
}

// InsertMessage stores a new message and returns it as persisted.
func (s *Store) InsertMessage(ctx context.Context, conversationID, senderID, body string) (*model.Message, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidConversation, conversationID)
	}

	query, args, err := insertMessageQuery(uuid.NewString(), conversationID, senderID, body).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: insert message: build: %w", err)
	}

	var msg model.Message
	if err := s.db.GetContext(ctx, &msg, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == fkViolation {
			return nil, fmt.Errorf("%w: %q", ErrInvalidConversation, conversationID)
		}
		return nil, fmt.Errorf("store: insert message: %w", err)
	}
	return &msg, nil
}

// MarkRead sets read on the given messages. It never clears the flag and
// is a no-op for an empty id list.
func (s *Store) MarkRead(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("%w: message %q", ErrInvalidID, id)
		}
	}

	query, args, err := markReadQuery(ids).ToSql()
	if err != nil {
		return fmt.Errorf("store: mark read: build: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	return nil
}

// CountUnread returns the number of unread messages sent by others in
// conversations where userID is the buyer or the seller.
func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	query, args, err := countUnreadQuery(userID).ToSql()
	if err != nil {
		return 0, fmt.Errorf("store: count unread: build: %w", err)
	}

	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("store: count unread: %w", err)
	}
	return n, nil
}
