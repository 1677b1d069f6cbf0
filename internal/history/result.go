package history

import (
	"context"
	"sync"
)

// SyncStatus tracks where a saved session stands relative to the remote store.
type SyncStatus string

const (
	// StatusLocalOnly: guest account or no remote store; nothing to sync.
	StatusLocalOnly SyncStatus = "local-only"
	// StatusPending: remote sync queued, running, skipped or failed. A failed
	// session is picked up again by its next save.
	StatusPending SyncStatus = "sync-pending"
	StatusSynced  SyncStatus = "synced"
)

// SyncResult is the completion handle returned by SaveSession. The local
// write has already happened when the caller receives it.
type SyncResult struct {
	SessionID string

	done chan struct{}

	mu     sync.Mutex
	status SyncStatus
	err    error
}

func newSyncResult(sessionID string, status SyncStatus) *SyncResult {
	r := &SyncResult{SessionID: sessionID, status: status, done: make(chan struct{})}
	if status == StatusLocalOnly {
		close(r.done)
	}
	return r
}

func (r *SyncResult) complete(status SyncStatus, err error) {
	r.mu.Lock()
	r.status = status
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

// Done is closed once the background sync has finished or was skipped.
func (r *SyncResult) Done() <-chan struct{} { return r.done }

// Wait blocks until Done or ctx ends and returns the sync error, if any.
func (r *SyncResult) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *SyncResult) Status() SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *SyncResult) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
