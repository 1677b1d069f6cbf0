// Package remote persists account-linked history in a SQL database.
package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gitasahayak/internal/metrics"
	"gitasahayak/internal/models"
	"gitasahayak/internal/storage"
)

var (
	// ErrSessionOwned is returned when a write targets a session that belongs
	// to another account.
	ErrSessionOwned = errors.New("session belongs to another account")
	// ErrSessionNotFound is returned when messages are written for a session
	// row that does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// Store reads and writes the sessions/messages tables. Every account-scoped
// operation is a no-op for guest identifiers.
type Store struct {
	db      *sql.DB
	dialect storage.Dialect
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Store)

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

func WithTracer(t trace.Tracer) Option {
	return func(s *Store) {
		if t != nil {
			s.tracer = t
		}
	}
}

func NewStore(db *sql.DB, dialect storage.Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  slog.Default(),
		tracer:  otel.Tracer("gitasahayak/remote"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "remote", "dialect", string(dialect))
	return s
}

func (s *Store) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "remote."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// UpsertSession inserts the session row or refreshes its title and timestamp.
// A row owned by a different account is left untouched and ErrSessionOwned
// is returned.
func (s *Store) UpsertSession(ctx context.Context, accountID string, session models.Session) (err error) {
	if models.IsGuest(accountID) {
		return nil
	}
	if session.ID == "" {
		return fmt.Errorf("upsert session: %w", models.ErrInvalidSession)
	}
	ctx, span := s.span(ctx, "upsert_session", attribute.String("session.id", session.ID))
	defer func() {
		s.metrics.RemoteOp("upsert_session", err)
		finish(span, err)
	}()

	var query string
	switch s.dialect {
	case storage.MySQL:
		query = `INSERT INTO sessions (id, user_id, title, timestamp) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				title = IF(user_id = VALUES(user_id), VALUES(title), title),
				timestamp = IF(user_id = VALUES(user_id), VALUES(timestamp), timestamp)`
	default:
		query = `INSERT INTO sessions (id, user_id, title, timestamp) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET title = excluded.title, timestamp = excluded.timestamp
			WHERE sessions.user_id = excluded.user_id`
	}
	if _, err := s.db.ExecContext(ctx, storage.Rebind(s.dialect, query),
		session.ID, accountID, session.Title, session.Timestamp,
	); err != nil {
		return fmt.Errorf("upsert session %s: %w", session.ID, err)
	}
	return s.checkOwner(ctx, s.db, accountID, session.ID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) checkOwner(ctx context.Context, q queryer, accountID, sessionID string) error {
	var owner string
	err := q.QueryRowContext(ctx, storage.Rebind(s.dialect, `SELECT user_id FROM sessions WHERE id = ?`), sessionID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	case err != nil:
		return fmt.Errorf("check session owner %s: %w", sessionID, err)
	case owner != accountID:
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionOwned)
	}
	return nil
}

// UpsertMessages writes every message of a session owned by accountID in one
// transaction, keyed by message id. Existing audio is kept when the new row
// carries none, and a message id already stored under another session is
// left alone. If the messages table predates the audio_data column the batch
// is retried once without it.
func (s *Store) UpsertMessages(ctx context.Context, accountID, sessionID string, messages []models.Message) (err error) {
	if models.IsGuest(accountID) || len(messages) == 0 {
		return nil
	}
	if sessionID == "" {
		return fmt.Errorf("upsert messages: %w", models.ErrInvalidSession)
	}
	ctx, span := s.span(ctx, "upsert_messages",
		attribute.String("session.id", sessionID),
		attribute.Int("messages", len(messages)),
	)
	defer func() {
		s.metrics.RemoteOp("upsert_messages", err)
		finish(span, err)
	}()

	err = s.upsertMessages(ctx, accountID, sessionID, messages, true)
	if err != nil && isMissingAudioColumn(err) {
		s.logger.Warn("messages table has no audio_data column, retrying without audio", "session_id", sessionID)
		s.metrics.ColumnFallback()
		span.AddEvent("audio_column_fallback")
		err = s.upsertMessages(ctx, accountID, sessionID, messages, false)
	}
	return err
}

func (s *Store) upsertMessages(ctx context.Context, accountID, sessionID string, messages []models.Message, withAudio bool) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.checkOwner(ctx, tx, accountID, sessionID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, storage.Rebind(s.dialect, messageUpsertQuery(s.dialect, withAudio)))
	if err != nil {
		return fmt.Errorf("prepare message upsert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		args := []any{msg.ID, sessionID, string(msg.Role), msg.Text}
		if withAudio {
			args = append(args, sql.NullString{String: msg.AudioData, Valid: msg.AudioData != ""})
		}
		args = append(args, msg.Timestamp)
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert message %s: %w", msg.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit message upsert: %w", err)
	}
	return nil
}

func messageUpsertQuery(d storage.Dialect, withAudio bool) string {
	cols := "id, session_id, role, text, timestamp"
	marks := "?, ?, ?, ?, ?"
	if withAudio {
		cols = "id, session_id, role, text, audio_data, timestamp"
		marks = "?, ?, ?, ?, ?, ?"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO messages (%s) VALUES (%s) ", cols, marks)
	if d == storage.MySQL {
		// rows already filed under another session keep their values
		same := "session_id = VALUES(session_id)"
		fmt.Fprintf(&b, "ON DUPLICATE KEY UPDATE role = IF(%[1]s, VALUES(role), role), text = IF(%[1]s, VALUES(text), text), timestamp = IF(%[1]s, VALUES(timestamp), timestamp)", same)
		if withAudio {
			fmt.Fprintf(&b, ", audio_data = IF(%s, COALESCE(VALUES(audio_data), audio_data), audio_data)", same)
		}
		return b.String()
	}
	b.WriteString("ON CONFLICT(id) DO UPDATE SET role = excluded.role, text = excluded.text, timestamp = excluded.timestamp")
	if withAudio {
		b.WriteString(", audio_data = COALESCE(excluded.audio_data, messages.audio_data)")
	}
	b.WriteString(" WHERE messages.session_id = excluded.session_id")
	return b.String()
}

// isMissingAudioColumn recognizes the "unknown column" errors of SQLite,
// MySQL and Postgres for audio_data.
func isMissingAudioColumn(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "audio_data") && strings.Contains(msg, "column")
}

// FetchSessions loads every session of the account with its messages in a
// single query, newest session first and messages in conversation order.
// On failure the result is empty and the error is returned.
func (s *Store) FetchSessions(ctx context.Context, accountID string) (sessions []models.Session, err error) {
	if models.IsGuest(accountID) {
		return []models.Session{}, nil
	}
	ctx, span := s.span(ctx, "fetch_sessions")
	defer func() {
		s.metrics.RemoteOp("fetch_sessions", err)
		span.SetAttributes(attribute.Int("sessions", len(sessions)))
		finish(span, err)
	}()

	sessions, err = s.fetch(ctx, accountID, true)
	if err != nil && isMissingAudioColumn(err) {
		s.logger.Warn("messages table has no audio_data column, fetching without audio")
		s.metrics.ColumnFallback()
		sessions, err = s.fetch(ctx, accountID, false)
	}
	if err != nil {
		return []models.Session{}, err
	}
	return sessions, nil
}

func (s *Store) fetch(ctx context.Context, accountID string, withAudio bool) ([]models.Session, error) {
	audioCol := "m.audio_data"
	if !withAudio {
		audioCol = "NULL"
	}
	query := fmt.Sprintf(`SELECT s.id, s.title, s.timestamp, m.id, m.role, m.text, %s, m.timestamp
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		WHERE s.user_id = ?
		ORDER BY s.timestamp DESC, s.id ASC, m.timestamp ASC, m.id ASC`, audioCol)

	rows, err := s.db.QueryContext(ctx, storage.Rebind(s.dialect, query), accountID)
	if err != nil {
		return nil, fmt.Errorf("fetch sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		var r joinedRow
		if err := rows.Scan(
			&r.session.ID, &r.session.Title, &r.session.Timestamp,
			&r.message.ID, &r.message.Role, &r.message.Text, &r.message.AudioData, &r.message.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess, msg, err := r.decode()
		if err != nil {
			return nil, err
		}
		if n := len(sessions); n == 0 || sessions[n-1].ID != sess.ID {
			sessions = append(sessions, sess)
		}
		if msg != nil {
			last := &sessions[len(sessions)-1]
			last.Messages = append(last.Messages, *msg)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes the account's session row; messages follow through
// the foreign key cascade. Deleting an unknown id is not an error.
func (s *Store) DeleteSession(ctx context.Context, accountID, sessionID string) (err error) {
	if models.IsGuest(accountID) {
		return nil
	}
	ctx, span := s.span(ctx, "delete_session", attribute.String("session.id", sessionID))
	defer func() {
		s.metrics.RemoteOp("delete_session", err)
		finish(span, err)
	}()

	if _, err := s.db.ExecContext(ctx,
		storage.Rebind(s.dialect, `DELETE FROM sessions WHERE id = ? AND user_id = ?`),
		sessionID, accountID,
	); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
