// Package session manages connection/session state in Redis: which user
// a push session belongs to and short-lived typing flags whose expiry is
// enforced by key TTL.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// TypingPrefix is the Redis key prefix for typing flags:
	// typing:<conversation_id>:<user_id> with a short TTL.
	TypingPrefix = "typing:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// TypingTTL is how long a typing flag stays valid without renewal.
	TypingTTL = 6 * time.Second
)

// Session represents one push-stream session bound to a user.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which server instance owns the stream
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new session bound to userID with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Touch refreshes a session's activity timestamp and TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// SetTyping records that userID is typing in the conversation. The flag
// expires on its own after TypingTTL; repeated calls renew it. Returns
// the expiry instant for inclusion in the typing event.
func (s *Store) SetTyping(ctx context.Context, conversationID, userID string) (time.Time, error) {
	key := TypingPrefix + conversationID + ":" + userID
	expires := time.Now().Add(TypingTTL)
	if err := s.client.Set(ctx, key, "1", TypingTTL).Err(); err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// ClearTyping removes the typing flag before its natural expiry.
func (s *Store) ClearTyping(ctx context.Context, conversationID, userID string) error {
	key := TypingPrefix + conversationID + ":" + userID
	return s.client.Del(ctx, key).Err()
}

// IsTyping reports whether the user's typing flag is still live.
func (s *Store) IsTyping(ctx context.Context, conversationID, userID string) (bool, error) {
	key := TypingPrefix + conversationID + ":" + userID
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
