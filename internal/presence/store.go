// Package presence records live gateway connections in Redis: which user
// holds the connection, which gateway instance serves it and which
// conversation it is viewing.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "presence:conn:"

	// UserPrefix is the Redis key prefix for the per-user connection sets.
	UserPrefix = "presence:user:"

	// TTL bounds how long a connection outlives its last refresh. The
	// gateway heartbeat refreshes it well within this window.
	TTL = 5 * time.Minute
)

// Conn is the presence record of one gateway connection.
type Conn struct {
	ID             string `redis:"id"`
	UserID         string `redis:"user_id"`
	Server         string `redis:"server"`
	ConversationID string `redis:"conversation_id"` // empty if no view is open
	CreatedAt      int64  `redis:"created_at"`
	LastActive     int64  `redis:"last_active"`
}

// Store manages presence records.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a presence store for the gateway instance serverName.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create records a new connection for userID.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	now := time.Now().Unix()
	key := ConnPrefix + connID
	userKey := UserPrefix + userID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, Conn{
		ID:         connID,
		UserID:     userID,
		Server:     s.serverName,
		CreatedAt:  now,
		LastActive: now,
	})
	pipe.Expire(ctx, key, TTL)
	pipe.SAdd(ctx, userKey, connID)
	pipe.Expire(ctx, userKey, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: create %s: %w", connID, err)
	}
	return nil
}

// SetConversation records the conversation the connection is viewing.
func (s *Store) SetConversation(ctx context.Context, connID, conversationID string) error {
	err := s.client.HSet(ctx, ConnPrefix+connID,
		"conversation_id", conversationID,
		"last_active", time.Now().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("presence: set conversation %s: %w", connID, err)
	}
	return nil
}

// ClearConversation records that the connection has no open view.
func (s *Store) ClearConversation(ctx context.Context, connID string) error {
	return s.SetConversation(ctx, connID, "")
}

// Refresh extends the TTL of the connection and of its user's set.
func (s *Store) Refresh(ctx context.Context, connID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, ConnPrefix+connID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, ConnPrefix+connID, TTL)
	pipe.Expire(ctx, UserPrefix+userID, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: refresh %s: %w", connID, err)
	}
	return nil
}

// Delete removes the connection record.
func (s *Store) Delete(ctx context.Context, connID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	pipe.SRem(ctx, UserPrefix+userID, connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: delete %s: %w", connID, err)
	}
	return nil
}

// Online reports whether userID has at least one live connection on any
// gateway instance.
func (s *Store) Online(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.SCard(ctx, UserPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: online %s: %w", userID, err)
	}
	return n > 0, nil
}
