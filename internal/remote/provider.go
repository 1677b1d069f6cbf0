package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"gitasahayak/internal/config"
	"gitasahayak/internal/models"
	"gitasahayak/internal/storage"
)

// ErrNotConfigured is returned when no remote database is configured.
var ErrNotConfigured = errors.New("remote history store not configured")

// Provider owns the remote database connection. It is built once at startup
// and opens the database on first use; a failed open is retried on the next
// call, a successful one is reused for the life of the process.
type Provider struct {
	cfg  *config.Config
	opts []Option

	mu    sync.Mutex
	db    *sql.DB
	store *Store
}

func NewProvider(cfg *config.Config, opts ...Option) *Provider {
	return &Provider{cfg: cfg, opts: opts}
}

// Configured reports whether a remote driver is set.
func (p *Provider) Configured() bool {
	return p != nil && p.cfg != nil && p.cfg.RemoteDriver != ""
}

// Store returns the shared Store, connecting and migrating on first use.
func (p *Provider) Store(ctx context.Context) (*Store, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store != nil {
		return p.store, nil
	}

	driver := p.cfg.RemoteDriver
	dialect, err := storage.DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(driver, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	if err := storage.Migrate(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate remote store: %w", err)
	}
	p.db = db
	p.store = NewStore(db, dialect, p.opts...)
	return p.store, nil
}

// DB exposes the underlying connection once Store has succeeded.
func (p *Provider) DB(ctx context.Context) (*sql.DB, error) {
	if _, err := p.Store(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db, nil
}

func (p *Provider) UpsertSession(ctx context.Context, accountID string, session models.Session) error {
	if models.IsGuest(accountID) {
		return nil
	}
	s, err := p.Store(ctx)
	if err != nil {
		return err
	}
	return s.UpsertSession(ctx, accountID, session)
}

func (p *Provider) UpsertMessages(ctx context.Context, accountID, sessionID string, messages []models.Message) error {
	if models.IsGuest(accountID) {
		return nil
	}
	s, err := p.Store(ctx)
	if err != nil {
		return err
	}
	return s.UpsertMessages(ctx, accountID, sessionID, messages)
}

func (p *Provider) FetchSessions(ctx context.Context, accountID string) ([]models.Session, error) {
	if models.IsGuest(accountID) {
		return []models.Session{}, nil
	}
	s, err := p.Store(ctx)
	if err != nil {
		return []models.Session{}, err
	}
	return s.FetchSessions(ctx, accountID)
}

func (p *Provider) DeleteSession(ctx context.Context, accountID, sessionID string) error {
	if models.IsGuest(accountID) {
		return nil
	}
	s, err := p.Store(ctx)
	if err != nil {
		return err
	}
	return s.DeleteSession(ctx, accountID, sessionID)
}

func (p *Provider) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db, p.store = nil, nil
	return err
}
