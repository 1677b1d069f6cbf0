package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gitasahayak/internal/models"
	"gitasahayak/internal/redis"
	"gitasahayak/internal/storage"
)

const redisTokenPrefix = "gita:token:"

var (
	ErrTokenRequired  = errors.New("token required")
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrInvalidAccount = errors.New("tokens cannot be issued to guest accounts")
)

// DBSource hands out the token database. *remote.Provider satisfies it.
type DBSource interface {
	DB(ctx context.Context) (*sql.DB, error)
}

type staticDB struct{ db *sql.DB }

func (s staticDB) DB(context.Context) (*sql.DB, error) { return s.db, nil }

// FromDB wraps an open database as a DBSource.
func FromDB(db *sql.DB) DBSource { return staticDB{db: db} }

// Service issues, validates, and revokes device tokens that map a bearer
// token onto an account id.
type Service struct {
	source     DBSource
	dialect    storage.Dialect
	cache      *redis.Client
	tokenTTL   time.Duration
	headerName string
	logger     *slog.Logger
}

// NewService constructs an auth service. cache may be nil.
func NewService(source DBSource, dialect storage.Dialect, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Service{
		source:     source,
		dialect:    dialect,
		cache:      cache,
		tokenTTL:   ttl,
		headerName: "Authorization",
		logger:     slog.Default().With("component", "auth"),
	}
}

func (s *Service) db(ctx context.Context) (*sql.DB, error) {
	if s == nil || s.source == nil {
		return nil, errors.New("token store not configured")
	}
	return s.source.DB(ctx)
}

func (s *Service) q(query string) string {
	return storage.Rebind(s.dialect, query)
}

// IssueToken mints a new random token for the account and persists it.
func (s *Service) IssueToken(ctx context.Context, accountID string) (string, error) {
	if models.IsGuest(accountID) {
		return "", ErrInvalidAccount
	}
	db, err := s.db(ctx)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	var lastErr error
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = db.ExecContext(ctx,
			s.q(`INSERT INTO account_tokens (token, account_id, created_at, expires_at) VALUES (?, ?, ?, ?)`),
			token, accountID, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, accountID, s.tokenTTL)
			return token, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("issue token: %w", lastErr)
}

// ValidateToken verifies the token exists and has not expired, returning the
// account id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (string, error) {
	if authToken == "" {
		return "", ErrTokenRequired
	}
	if s.cache != nil {
		if accountID, err := s.cache.Get(ctx, redisTokenPrefix+authToken); err == nil && accountID != "" {
			return accountID, nil
		} else if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("token cache lookup failed", "error", err)
		}
	}

	db, err := s.db(ctx)
	if err != nil {
		return "", err
	}
	var accountID string
	var expires time.Time
	err = db.QueryRowContext(ctx,
		s.q(`SELECT account_id, expires_at FROM account_tokens WHERE token = ?`), authToken,
	).Scan(&accountID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	remaining := time.Until(expires)
	if remaining <= 0 {
		_, _ = db.ExecContext(ctx, s.q(`DELETE FROM account_tokens WHERE token = ?`), authToken)
		return "", ErrTokenExpired
	}
	s.cacheToken(ctx, authToken, accountID, remaining)
	return accountID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, s.q(`DELETE FROM account_tokens WHERE token = ?`), authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.uncacheTokens(ctx, authToken)
	return nil
}

// RevokeAccountTokens removes every token belonging to the account.
func (s *Service) RevokeAccountTokens(ctx context.Context, accountID string) error {
	if models.IsGuest(accountID) {
		return nil
	}
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, s.q(`SELECT token FROM account_tokens WHERE account_id = ?`), accountID)
	if err != nil {
		return fmt.Errorf("list account tokens: %w", err)
	}
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			rows.Close()
			return fmt.Errorf("scan account token: %w", err)
		}
		tokens = append(tokens, token)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list account tokens: %w", err)
	}

	if _, err := db.ExecContext(ctx, s.q(`DELETE FROM account_tokens WHERE account_id = ?`), accountID); err != nil {
		return fmt.Errorf("revoke account tokens: %w", err)
	}
	s.uncacheTokens(ctx, tokens...)
	return nil
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

func (s *Service) cacheToken(ctx context.Context, token, accountID string, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, redisTokenPrefix+token, accountID, ttl); err != nil {
		s.logger.Warn("cache token failed", "error", err)
	}
}

func (s *Service) uncacheTokens(ctx context.Context, tokens ...string) {
	if s.cache == nil || len(tokens) == 0 {
		return
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = redisTokenPrefix + t
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.logger.Warn("evict cached tokens failed", "error", err)
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
