// Package snapshot provides a local durable cache of a conversation's
// last known message page and pagination cursor, used for fast resume
// and offline read. Records persist across client restarts in a bbolt
// file, one record per conversation id.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// bucketName holds all conversation snapshot records.
var bucketName = []byte("conversation_snapshots")

// ConversationSnapshot is one cached record. Messages are ordered
// newest-last by send order. UpdatedAt is caller-supplied and preserved
// verbatim: merge and staleness policy live with the caller, not here.
type ConversationSnapshot struct {
	ConversationID string            `json:"conversation_id"`
	Conversation   json.RawMessage   `json:"conversation,omitempty"` // nullable
	Messages       []json.RawMessage `json:"messages"`
	Cursor         *string           `json:"cursor,omitempty"` // nullable opaque pagination cursor
	UpdatedAt      int64             `json:"updated_at"`       // caller-supplied write timestamp
}

// Cache is a bbolt-backed snapshot store keyed by conversation id.
type Cache struct {
	db *bolt.DB
}

// Open opens (or creates) the cache file at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: create bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database file.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Read returns the snapshot stored under conversationID, or nil on a
// miss. A record whose embedded conversation id disagrees with the
// lookup key is treated as corrupt and reads as nil rather than being
// silently migrated.
func (c *Cache) Read(conversationID string) (*ConversationSnapshot, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("snapshot: empty conversation id")
	}

	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(conversationID)); v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", conversationID, err)
	}
	if raw == nil {
		return nil, nil
	}

	var snap ConversationSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, nil // unreadable record reads as a miss
	}
	if snap.ConversationID != conversationID {
		return nil, nil // corrupt: embedded id disagrees with the key
	}
	return &snap, nil
}

// Write stores the snapshot under conversationID, last-writer-wins.
func (c *Cache) Write(conversationID string, snap ConversationSnapshot) error {
	if conversationID == "" {
		return fmt.Errorf("snapshot: empty conversation id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: marshal %s: %w", conversationID, err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(conversationID), data)
	})
	if err != nil {
		return fmt.Errorf("snapshot: write %s: %w", conversationID, err)
	}
	return nil
}

// Delete removes the record for conversationID. Deleting an absent
// record is not an error.
func (c *Cache) Delete(conversationID string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(conversationID))
	})
	if err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", conversationID, err)
	}
	return nil
}

// Clear removes every record.
func (c *Cache) Clear() error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	if err != nil {
		return fmt.Errorf("snapshot: clear: %w", err)
	}
	return nil
}
