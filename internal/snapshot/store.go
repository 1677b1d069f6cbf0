// Package snapshot keeps the device-local copy of the conversation history:
// one JSON array of sessions, newest first, without audio.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"

	"gitasahayak/internal/metrics"
	"gitasahayak/internal/models"
)

// HistoryKey is the single key holding the snapshot.
const HistoryKey = "gita_history"

const defaultMaxSessions = 50

type Store struct {
	backend Backend
	key     string
	max     int
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex // serializes Update
}

type Option func(*Store)

func WithMaxSessions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.max = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		key:     HistoryKey,
		max:     defaultMaxSessions,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "snapshot")
	return s
}

// MaxSessions reports the retention cap.
func (s *Store) MaxSessions() int { return s.max }

// Load returns the stored sessions. A missing or unreadable snapshot yields
// an empty list. Entries that cannot be decoded are skipped; when nothing in
// the blob is usable it is removed so the next Save starts clean. A
// transient backend error leaves the stored blob untouched.
func (s *Store) Load(ctx context.Context) []models.Session {
	raw, err := s.backend.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("read snapshot failed", "error", err)
		}
		return []models.Session{}
	}
	if !gjson.Valid(raw) {
		s.reset(ctx, "invalid json")
		return []models.Session{}
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		s.reset(ctx, "not a json array")
		return []models.Session{}
	}

	out := make([]models.Session, 0)
	skipped := 0
	parsed.ForEach(func(_, entry gjson.Result) bool {
		var sess models.Session
		if !entry.IsObject() || json.Unmarshal([]byte(entry.Raw), &sess) != nil {
			skipped++
			return true
		}
		if sess.ID != "" {
			out = append(out, sess)
		}
		return true
	})
	if skipped > 0 {
		if len(out) == 0 {
			s.reset(ctx, "no decodable sessions")
			return out
		}
		s.logger.Warn("skipped malformed snapshot entries", "skipped", skipped, "kept", len(out))
	}
	return out
}

func (s *Store) reset(ctx context.Context, reason string) {
	s.logger.Warn("snapshot corrupt, resetting", "reason", reason)
	s.metrics.SnapshotReset()
	if err := s.backend.Remove(ctx, s.key); err != nil {
		s.logger.Error("reset snapshot failed", "error", err)
	}
}

// Save writes sessions in the given order, truncated to the cap and with
// audio stripped. When the backend reports its quota is full the newest
// prefix is retried at half the length until a single session remains.
// Failures are logged; Save never returns an error.
func (s *Store) Save(ctx context.Context, sessions []models.Session) {
	if len(sessions) > s.max {
		sessions = sessions[:s.max]
	}
	stripped := make([]models.Session, len(sessions))
	for i, sess := range sessions {
		stripped[i] = sess.WithoutAudio()
	}

	n := len(stripped)
	for {
		payload, err := json.Marshal(stripped[:n])
		if err != nil {
			s.logger.Error("encode snapshot failed", "error", err)
			return
		}
		err = s.backend.Set(ctx, s.key, string(payload))
		if err == nil {
			if n < len(stripped) {
				s.logger.Warn("snapshot truncated to fit quota", "kept", n, "requested", len(stripped))
			}
			return
		}
		if !errors.Is(err, ErrQuotaExceeded) {
			s.logger.Error("write snapshot failed", "error", err)
			return
		}
		s.metrics.SnapshotShrink()
		if n <= 1 {
			s.logger.Error("snapshot does not fit quota even with one session", "bytes", len(payload))
			return
		}
		n /= 2
	}
}

// Update runs a read-modify-write cycle under the store lock.
func (s *Store) Update(ctx context.Context, fn func([]models.Session) []models.Session) []models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fn(s.Load(ctx))
	s.Save(ctx, next)
	if len(next) > s.max {
		next = next[:s.max]
	}
	return next
}

// Clear drops the snapshot entirely.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Remove(ctx, s.key)
}
