package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/campusbazaar/chat-app/internal/model"
)

var conversationColumns = []string{"id", "listing_id", "buyer_id", "seller_id", "created_at"}

func insertConversationQuery(id, listingID, buyerID, sellerID string) sq.InsertBuilder {
	return psql.Insert("conversations").
		Columns("id", "listing_id", "buyer_id", "seller_id").
		Values(id, listingID, buyerID, sellerID).
		Suffix("ON CONFLICT (listing_id, buyer_id, seller_id) DO NOTHING")
}

func findConversationQuery(listingID, buyerID, sellerID string) sq.SelectBuilder {
	return psql.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"listing_id": listingID}).
		Where(sq.Eq{"buyer_id": buyerID}).
		Where(sq.Eq{"seller_id": sellerID})
}

func listConversationsQuery(userID string) sq.SelectBuilder {
	return psql.Select(conversationColumns...).
		From("conversations").
		Where(sq.Or{sq.Eq{"buyer_id": userID}, sq.Eq{"seller_id": userID}}).
		OrderBy("created_at DESC", "id ASC")
}

// FindOrCreateConversation returns the conversation between buyer and
// seller about a listing, creating it the first time. Concurrent callers
// get the same row.
func (s *Store) FindOrCreateConversation(ctx context.Context, listingID, buyerID, sellerID string) (*model.Conversation, error) {
	if listingID == "" || buyerID == "" || sellerID == "" {
		return nil, fmt.Errorf("%w: listing, buyer and seller are required", ErrInvalidConversation)
	}
	if buyerID == sellerID {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidConversation)
	}

	query, args, err := insertConversationQuery(uuid.NewString(), listingID, buyerID, sellerID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: create conversation: build: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("store: create conversation: %w", err)
	}

	query, args, err = findConversationQuery(listingID, buyerID, sellerID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: find conversation: build: %w", err)
	}
	var conv model.Conversation
	if err := s.db.GetContext(ctx, &conv, query, args...); err != nil {
		return nil, fmt.Errorf("store: find conversation: %w", err)
	}
	return &conv, nil
}

// GetConversation returns the conversation with the given id.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	query, args, err := psql.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: build: %w", err)
	}

	var conv model.Conversation
	if err := s.db.GetContext(ctx, &conv, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns the conversations userID takes part in,
// newest first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	query, args, err := listConversationsQuery(userID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: build: %w", err)
	}

	convs := []model.Conversation{}
	if err := s.db.SelectContext(ctx, &convs, query, args...); err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	return convs, nil
}
