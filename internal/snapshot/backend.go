package snapshot

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Backend.Get when the key was never written.
	ErrNotFound = errors.New("snapshot key not found")
	// ErrQuotaExceeded is returned by Backend.Set when the value does not fit.
	ErrQuotaExceeded = errors.New("snapshot quota exceeded")
)

// Backend is a small quota-limited string key/value store.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}
