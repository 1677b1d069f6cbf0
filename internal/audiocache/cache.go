// Package audiocache stores synthesized speech keyed by message id.
package audiocache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var audiosBucket = []byte("audios")

// Cache is a bbolt file holding base64 audio payloads. Entries never expire
// and are not tied to session lifetime.
type Cache struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open creates or opens the cache file at path.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audio cache dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audio cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(audiosBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audio cache: %w", err)
	}
	return &Cache{db: db, logger: logger.With("component", "audiocache")}, nil
}

// GetAudio returns the cached payload for messageID. Any failure is
// reported as a miss.
func (c *Cache) GetAudio(ctx context.Context, messageID string) (string, bool) {
	if c == nil || messageID == "" || ctx.Err() != nil {
		return "", false
	}
	var out string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(audiosBucket)
		if b == nil {
			return errors.New("audios bucket missing")
		}
		// bolt values are only valid inside the transaction
		if v := b.Get([]byte(messageID)); v != nil {
			out = string(v)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("audio cache read failed", "message_id", messageID, "error", err)
		return "", false
	}
	return out, out != ""
}

// SaveAudio stores the payload, replacing any previous entry. Failures are
// logged and otherwise ignored.
func (c *Cache) SaveAudio(ctx context.Context, messageID, base64Audio string) {
	if c == nil || messageID == "" || base64Audio == "" {
		return
	}
	if err := ctx.Err(); err != nil {
		c.logger.Warn("audio cache write skipped", "message_id", messageID, "error", err)
		return
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(audiosBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(messageID), []byte(base64Audio))
	})
	if err != nil {
		c.logger.Warn("audio cache write failed", "message_id", messageID, "error", err)
	}
}

// Clear drops every cached payload.
func (c *Cache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(audiosBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("clear audio cache: %w", err)
		}
		_, err := tx.CreateBucket(audiosBucket)
		return err
	})
}

// Len reports the number of cached entries.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(audiosBucket)
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
