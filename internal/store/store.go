// Package store is the narrow persistence collaborator for the realtime
// core: conversations, their participants, messages and friend requests
// in PostgreSQL. The realtime subsystem only calls these methods; it
// never owns business data itself.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parley/messenger/internal/errs"
)

// Messaging modes stored per conversation.
const (
	ModeProgressive = "progressive"
	ModePeer        = "peer"
)

// Friend request states.
const (
	FriendPending   = "pending"
	FriendAccepted  = "accepted"
	FriendDeclined  = "declined"
	FriendCancelled = "cancelled"
)

// Conversation is one chat between two or more users.
type Conversation struct {
	ID            string
	Title         string
	MessagingMode string
	CreatedAt     time.Time
}

// Message is one persisted message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	DedupID        string
	CreatedAt      time.Time
}

// FriendRequest is one friendship edge in a lifecycle state.
type FriendRequest struct {
	ID         string
	FromUserID string
	ToUserID   string
	Status     string
	UpdatedAt  time.Time
}

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// New creates a store backed by the given database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetConversation returns the conversation, or a NotFound error.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, messaging_mode, created_at FROM conversations WHERE id = $1`, id)

	var c Conversation
	err := row.Scan(&c.ID, &c.Title, &c.MessagingMode, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.NotFound, "conversation %s", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "get conversation", err)
	}
	return &c, nil
}

// IsParticipant reports whether userID belongs to the conversation.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2
		)`, conversationID, userID)

	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, errs.Wrap(errs.Internal, "membership check", err)
	}
	return ok, nil
}

// Participants lists the user ids of a conversation's members.
func (s *Store) Participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list participants", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan participant", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// CreateMessage persists a message. A duplicate dedup id within the
// conversation is a client retry: the insert is skipped and the stored
// row is returned with created=false, so callers can replay the original
// response instead of inventing a second message.
func (s *Store) CreateMessage(ctx context.Context, m *Message) (*Message, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, body, dedup_id, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		 ON CONFLICT (conversation_id, dedup_id) WHERE dedup_id IS NOT NULL DO NOTHING
		 RETURNING id`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.DedupID, m.CreatedAt)

	var inserted string
	err := row.Scan(&inserted)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, errs.Wrap(errs.Internal, "create message", err)
	}

	// The insert was skipped by the dedup index; fetch the first write.
	stored := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, body, COALESCE(dedup_id, ''), created_at
		 FROM messages WHERE conversation_id = $1 AND dedup_id = $2`,
		m.ConversationID, m.DedupID)

	var dup Message
	err = stored.Scan(&dup.ID, &dup.ConversationID, &dup.SenderID, &dup.Body, &dup.DedupID, &dup.CreatedAt)
	if err != nil {
		return nil, false, errs.Wrap(errs.Internal, "load deduplicated message", err)
	}
	return &dup, false, nil
}

// ListMessages returns one page of messages for the conversation,
// ordered newest-last, together with an opaque cursor for the next
// (older) page. An empty cursor starts from the latest message.
func (s *Store) ListMessages(ctx context.Context, conversationID, cursor string, limit int) ([]Message, *string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if cursor == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, sender_id, body, COALESCE(dedup_id, ''), created_at
			 FROM messages WHERE conversation_id = $1
			 ORDER BY created_at DESC, id DESC LIMIT $2`,
			conversationID, limit)
	} else {
		ts, id, derr := decodeCursor(cursor)
		if derr != nil {
			return nil, nil, derr
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, sender_id, body, COALESCE(dedup_id, ''), created_at
			 FROM messages WHERE conversation_id = $1 AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC LIMIT $4`,
			conversationID, ts, id, limit)
	}
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, "list messages", err)
	}
	defer rows.Close()

	var page []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.DedupID, &m.CreatedAt); err != nil {
			return nil, nil, errs.Wrap(errs.Internal, "scan message", err)
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errs.Wrap(errs.Internal, "list messages", err)
	}

	var next *string
	if len(page) == limit {
		oldest := page[len(page)-1]
		c := encodeCursor(oldest.CreatedAt, oldest.ID)
		next = &c
	}

	// Fetched newest-first for the index; callers want newest-last.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, next, nil
}

// SetMessagingMode updates a conversation's configured mode.
func (s *Store) SetMessagingMode(ctx context.Context, conversationID, mode string) error {
	if mode != ModeProgressive && mode != ModePeer {
		return errs.Newf(errs.InvalidInput, "unknown messaging mode %q", mode)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET messaging_mode = $2 WHERE id = $1`, conversationID, mode)
	if err != nil {
		return errs.Wrap(errs.Internal, "set messaging mode", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.NotFound, "conversation %s", conversationID)
	}
	return nil
}

// MarkRead records the user's read position in a conversation.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_members SET last_read_at = $3
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, at)
	if err != nil {
		return errs.Wrap(errs.Internal, "mark read", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.NotFound, "membership %s/%s", conversationID, userID)
	}
	return nil
}

// GetFriendRequest returns a friend request by id, or a NotFound error.
func (s *Store) GetFriendRequest(ctx context.Context, id string) (*FriendRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, from_user_id, to_user_id, status, updated_at
		 FROM friend_requests WHERE id = $1`, id)

	var fr FriendRequest
	err := row.Scan(&fr.ID, &fr.FromUserID, &fr.ToUserID, &fr.Status, &fr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.NotFound, "friend request %s", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "get friend request", err)
	}
	return &fr, nil
}

// SetFriendStatus moves a pending friend request to a terminal status
// and returns the updated request.
func (s *Store) SetFriendStatus(ctx context.Context, id, status string, at time.Time) (*FriendRequest, error) {
	switch status {
	case FriendAccepted, FriendDeclined, FriendCancelled:
	default:
		return nil, errs.Newf(errs.InvalidInput, "unknown friend request status %q", status)
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE friend_requests SET status = $2, updated_at = $3
		 WHERE id = $1 AND status = $4
		 RETURNING id, from_user_id, to_user_id, status, updated_at`,
		id, status, at, FriendPending)

	var fr FriendRequest
	err := row.Scan(&fr.ID, &fr.FromUserID, &fr.ToUserID, &fr.Status, &fr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.NotFound, "pending friend request %s", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "set friend status", err)
	}
	return &fr, nil
}

// encodeCursor packs a message position into an opaque string.
func encodeCursor(t time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", t.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor is the inverse of encodeCursor and fails on anything it
// did not produce.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", errs.New(errs.InvalidInput, "bad pagination cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errs.New(errs.InvalidInput, "bad pagination cursor")
	}
	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return time.Time{}, "", errs.New(errs.InvalidInput, "bad pagination cursor")
	}
	return time.Unix(0, nanos), parts[1], nil
}
