package history

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gitasahayak/internal/config"
	"gitasahayak/internal/models"
	"gitasahayak/internal/remote"
	"gitasahayak/internal/snapshot"
	"gitasahayak/internal/storage"
	"gitasahayak/internal/worker"
)

type spyRemote struct {
	mu         sync.Mutex
	calls      []string
	sessions   map[string]models.Session
	sessionErr error
	fetchErr   error
	deleteErr  error
}

func newSpyRemote() *spyRemote {
	return &spyRemote{sessions: make(map[string]models.Session)}
}

func (r *spyRemote) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *spyRemote) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *spyRemote) UpsertSession(_ context.Context, _ string, s models.Session) error {
	r.record("session:" + s.ID)
	if r.sessionErr != nil {
		return r.sessionErr
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return nil
}

func (r *spyRemote) UpsertMessages(_ context.Context, _, sessionID string, msgs []models.Message) error {
	r.record("messages:" + sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sessionID]
	s.Messages = msgs
	r.sessions[sessionID] = s
	return nil
}

func (r *spyRemote) FetchSessions(context.Context, string) ([]models.Session, error) {
	r.record("fetch")
	if r.fetchErr != nil {
		return []models.Session{}, r.fetchErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (r *spyRemote) DeleteSession(_ context.Context, _, sessionID string) error {
	r.record("delete:" + sessionID)
	if r.deleteErr != nil {
		return r.deleteErr
	}
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	return nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string]string)} }

func (c *mapCache) GetAudio(_ context.Context, id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[id]
	return v, ok
}

func (c *mapCache) SaveAudio(_ context.Context, id, data string) {
	c.mu.Lock()
	c.data[id] = data
	c.mu.Unlock()
}

type rejectingSubmitter struct{ err error }

func (s rejectingSubmitter) Submit(worker.Job) error { return s.err }

func newLocal(t *testing.T, quota int64) (*snapshot.Store, *snapshot.FileBackend) {
	t.Helper()
	backend, err := snapshot.NewFileBackend(t.TempDir(), quota)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	return snapshot.New(backend), backend
}

var testAudio = base64.StdEncoding.EncodeToString([]byte{0x01, 0x00, 0xff, 0x7f})

func chatSession(id string, ts int64) models.Session {
	return models.Session{
		ID:        id,
		Title:     "How do I find peace?",
		Timestamp: ts,
		Messages: []models.Message{
			{ID: id + "-u", Role: models.RoleUser, Text: "How do I find peace?", Timestamp: ts - 1},
			{ID: id + "-m", Role: models.RoleModel, Text: "[SHLOKA]...[/SHLOKA] Radhe Radhe", Timestamp: ts, AudioData: testAudio},
		},
	}
}

func waitSynced(t *testing.T, res *SyncResult) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := res.Wait(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if res.Status() != StatusSynced {
		t.Fatalf("expected synced status, got %s", res.Status())
	}
}

func TestSaveSessionKeepsAudioOutOfSnapshot(t *testing.T) {
	local, backend := newLocal(t, 0)
	spy := newSpyRemote()
	o := NewOrchestrator(local, WithRemote(spy))
	ctx := context.Background()

	res, err := o.SaveSession(ctx, "acct-1", chatSession("s1", 1000))
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	waitSynced(t, res)

	raw, err := backend.Get(ctx, snapshot.HistoryKey)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if strings.Contains(raw, "audioData") {
		t.Fatalf("snapshot contains audio: %s", raw)
	}
	if got := spy.sessions["s1"].Messages[1].AudioData; got != testAudio {
		t.Fatalf("remote lost audio payload: %q", got)
	}
}

func TestSaveSessionWritesSessionBeforeMessages(t *testing.T) {
	local, _ := newLocal(t, 0)
	spy := newSpyRemote()
	o := NewOrchestrator(local, WithRemote(spy))

	res, err := o.SaveSession(context.Background(), "acct-1", chatSession("s1", 1000))
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	waitSynced(t, res)
	calls := spy.Calls()
	if len(calls) != 2 || calls[0] != "session:s1" || calls[1] != "messages:s1" {
		t.Fatalf("unexpected remote calls: %v", calls)
	}
}

func TestSaveSessionSkipsMessagesWhenSessionFails(t *testing.T) {
	local, _ := newLocal(t, 0)
	spy := newSpyRemote()
	spy.sessionErr = errors.New("connection refused")
	o := NewOrchestrator(local, WithRemote(spy))
	ctx := context.Background()

	res, err := o.SaveSession(ctx, "acct-1", chatSession("s1", 1000))
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	<-res.Done()
	if res.Err() == nil || res.Status() != StatusPending {
		t.Fatalf("expected pending result with error, got %s %v", res.Status(), res.Err())
	}
	if calls := spy.Calls(); len(calls) != 1 {
		t.Fatalf("messages written without a session row: %v", calls)
	}
	if got := local.Load(ctx); len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("local snapshot lost the session: %+v", got)
	}
}

func TestGuestNeverTouchesRemote(t *testing.T) {
	local, _ := newLocal(t, 0)
	spy := newSpyRemote()
	o := NewOrchestrator(local, WithRemote(spy))
	ctx := context.Background()

	for _, guest := range []string{"", "guest", models.GuestAccountID, "guest-42"} {
		res, err := o.SaveSession(ctx, guest, chatSession("g1", 1000))
		if err != nil {
			t.Fatalf("SaveSession(%q): %v", guest, err)
		}
		if res.Status() != StatusLocalOnly {
			t.Fatalf("guest save status = %s", res.Status())
		}
		select {
		case <-res.Done():
		default:
			t.Fatalf("local-only result not completed")
		}
		if got := o.ListSessions(ctx, guest); len(got) != 1 {
			t.Fatalf("guest list = %d sessions", len(got))
		}
		if err := o.DeleteSession(ctx, guest, "g1"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
	}
	o.Wait()
	if calls := spy.Calls(); len(calls) != 0 {
		t.Fatalf("guest activity reached remote: %v", calls)
	}
}

func TestSaveSessionMovesSessionToFront(t *testing.T) {
	local, _ := newLocal(t, 0)
	o := NewOrchestrator(local)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if _, err := o.SaveSession(ctx, "", chatSession(id, int64(1000+i))); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}
	updated := chatSession("a", 5000)
	updated.Title = "Karma yoga"
	if _, err := o.SaveSession(ctx, "", updated); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got := local.Load(ctx)
	if len(got) != 3 || got[0].ID != "a" || got[0].Title != "Karma yoga" {
		t.Fatalf("unexpected snapshot order: %+v", got)
	}
}

func TestSaveSessionRejectsInvalid(t *testing.T) {
	local, _ := newLocal(t, 0)
	o := NewOrchestrator(local)
	if _, err := o.SaveSession(context.Background(), "acct", models.Session{}); !errors.Is(err, models.ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestSaveSessionDropsDuplicateMessages(t *testing.T) {
	local, _ := newLocal(t, 0)
	o := NewOrchestrator(local)
	ctx := context.Background()
	s := chatSession("s1", 1000)
	s.Messages = append(s.Messages, s.Messages[0])
	if _, err := o.SaveSession(ctx, "", s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if got := local.Load(ctx)[0].Messages; len(got) != 2 {
		t.Fatalf("expected duplicates dropped, got %d messages", len(got))
	}
}

func TestSaveSessionBusyDispatcherKeepsLocal(t *testing.T) {
	local, _ := newLocal(t, 0)
	spy := newSpyRemote()
	o := NewOrchestrator(local, WithRemote(spy), WithSubmitter(rejectingSubmitter{err: worker.ErrDispatcherBusy}))
	ctx := context.Background()

	res, err := o.SaveSession(ctx, "acct-1", chatSession("s1", 1000))
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	<-res.Done()
	if !errors.Is(res.Err(), worker.ErrDispatcherBusy) || res.Status() != StatusPending {
		t.Fatalf("expected busy pending result, got %s %v", res.Status(), res.Err())
	}
	if len(local.Load(ctx)) != 1 {
		t.Fatalf("local write lost when sync was skipped")
	}
	o.Wait()
}

func TestSaveSessionThroughDispatcher(t *testing.T) {
	local, _ := newLocal(t, 0)
	spy := newSpyRemote()
	d := worker.NewDispatcher(worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8}, nil)
	defer d.Stop(context.Background())
	o := NewOrchestrator(local, WithRemote(spy), WithSubmitter(d))

	var results []*SyncResult
	for i := 0; i < 5; i++ {
		res, err := o.SaveSession(context.Background(), "acct-1", chatSession(fmt.Sprintf("s%d", i), int64(1000+i)))
		if err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		results = append(results, res)
	}
	o.Wait()
	for _, res := range results {
		waitSynced(t, res)
	}
	if n := len(spy.sessions); n != 5 {
		t.Fatalf("expected 5 remote sessions, got %d", n)
	}
}

func TestSaveSessionSurvivesQuota(t *testing.T) {
	local, _ := newLocal(t, 2048)
	o := NewOrchestrator(local)
	ctx := context.Background()

	big := strings.Repeat("dharma ", 60)
	for i := 0; i < 10; i++ {
		s := chatSession(fmt.Sprintf("s%d", i), int64(1000+i))
		s.Messages[1].Text = big
		if _, err := o.SaveSession(ctx, "", s); err != nil {
			t.Fatalf("SaveSession %d: %v", i, err)
		}
	}
	got := local.Load(ctx)
	if len(got) == 0 || len(got) >= 10 {
		t.Fatalf("expected a truncated snapshot, got %d sessions", len(got))
	}
	if got[0].ID != "s9" {
		t.Fatalf("newest session not kept first: %s", got[0].ID)
	}
}

func TestListSessionsMergesRemote(t *testing.T) {
	local, _ := newLocal(t, 0)
	spy := newSpyRemote()
	o := NewOrchestrator(local, WithRemote(spy))
	ctx := context.Background()

	if _, err := o.SaveSession(ctx, "", chatSession("local-only", 1000)); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	other := chatSession("from-phone", 2000)
	spy.sessions[other.ID] = other

	got := o.ListSessions(ctx, "acct-1")
	if len(got) != 2 || got[0].ID != "from-phone" || got[1].ID != "local-only" {
		t.Fatalf("unexpected merge: %+v", got)
	}
	again := o.ListSessions(ctx, "acct-1")
	if fmt.Sprint(ids(again)) != fmt.Sprint(ids(got)) {
		t.Fatalf("merge not stable: %v vs %v", ids(again), ids(got))
	}
}

func TestListSessionsFallsBackToLocal(t *testing.T) {
	local, _ := newLocal(t, 0)
	spy := newSpyRemote()
	spy.fetchErr = errors.New("timeout")
	o := NewOrchestrator(local, WithRemote(spy))
	ctx := context.Background()

	if _, err := o.SaveSession(ctx, "", chatSession("s1", 1000)); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got := o.ListSessions(ctx, "acct-1")
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("expected local snapshot, got %+v", got)
	}
}

func TestDeleteSessionLocalAndRemote(t *testing.T) {
	local, _ := newLocal(t, 0)
	spy := newSpyRemote()
	spy.deleteErr = errors.New("remote down")
	o := NewOrchestrator(local, WithRemote(spy))
	ctx := context.Background()

	res, err := o.SaveSession(ctx, "acct-1", chatSession("s1", 1000))
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	waitSynced(t, res)
	if err := o.DeleteSession(ctx, "acct-1", "s1"); err != nil {
		t.Fatalf("DeleteSession should swallow remote errors: %v", err)
	}
	if got := local.Load(ctx); len(got) != 0 {
		t.Fatalf("session still in snapshot: %+v", got)
	}
	calls := spy.Calls()
	if calls[len(calls)-1] != "delete:s1" {
		t.Fatalf("remote delete not attempted: %v", calls)
	}
	if err := o.DeleteSession(ctx, "acct-1", ""); !errors.Is(err, models.ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession for empty id, got %v", err)
	}
}

func TestGetOrSynthesizeAudio(t *testing.T) {
	local, _ := newLocal(t, 0)
	cache := newMapCache()
	o := NewOrchestrator(local, WithAudioCache(cache))
	ctx := context.Background()

	calls := 0
	synth := func(context.Context, string) (string, error) {
		calls++
		return testAudio, nil
	}
	msg := models.Message{ID: "m1", Role: models.RoleModel, Text: "Radhe Radhe"}

	got, err := o.GetOrSynthesizeAudio(ctx, msg, synth)
	if err != nil || got != testAudio {
		t.Fatalf("first lookup: %q %v", got, err)
	}
	if _, err := o.GetOrSynthesizeAudio(ctx, msg, synth); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cached audio on second lookup, synth called %d times", calls)
	}

	msg2 := models.Message{ID: "m2", Role: models.RoleModel, Text: "x", AudioData: testAudio}
	if _, err := o.GetOrSynthesizeAudio(ctx, msg2, nil); err != nil {
		t.Fatalf("embedded audio lookup: %v", err)
	}
	if v, ok := cache.GetAudio(ctx, "m2"); !ok || v != testAudio {
		t.Fatalf("embedded audio not cached")
	}
}

func TestGetOrSynthesizeAudioFailure(t *testing.T) {
	local, _ := newLocal(t, 0)
	cache := newMapCache()
	o := NewOrchestrator(local, WithAudioCache(cache))
	ctx := context.Background()
	msg := models.Message{ID: "m1", Role: models.RoleModel, Text: "Radhe Radhe"}

	_, err := o.GetOrSynthesizeAudio(ctx, msg, func(context.Context, string) (string, error) {
		return "", errors.New("quota exhausted")
	})
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
	_, err = o.GetOrSynthesizeAudio(ctx, msg, func(context.Context, string) (string, error) {
		return "not base64!", nil
	})
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed for garbage audio, got %v", err)
	}
	if _, ok := cache.GetAudio(ctx, "m1"); ok {
		t.Fatalf("failed synthesis was cached")
	}
	if _, err := o.GetOrSynthesizeAudio(ctx, models.Message{}, nil); !errors.Is(err, models.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestRoundTripThroughSQLRemote(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := remote.NewStore(db, storage.SQLite)

	deviceA, _ := newLocal(t, 0)
	deviceB, _ := newLocal(t, 0)
	a := NewOrchestrator(deviceA, WithRemote(store))
	b := NewOrchestrator(deviceB, WithRemote(store))
	ctx := context.Background()

	res, err := a.SaveSession(ctx, "acct-1", chatSession("s1", 1000))
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	waitSynced(t, res)

	got := b.ListSessions(ctx, "acct-1")
	if len(got) != 1 || got[0].ID != "s1" || len(got[0].Messages) != 2 {
		t.Fatalf("device B did not see the session: %+v", got)
	}
	if got[0].Messages[1].AudioData != testAudio {
		t.Fatalf("remote audio not returned")
	}
	if err := b.DeleteSession(ctx, "acct-1", "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if rows := countRows(t, db, "messages"); rows != 0 {
		t.Fatalf("messages not cascaded: %d", rows)
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func ids(sessions []models.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}

type panickingRemote struct{ *spyRemote }

func (panickingRemote) UpsertSession(context.Context, string, models.Session) error {
	panic("driver bug")
}

func TestSaveSessionCompletesWhenRemotePanics(t *testing.T) {
	d := worker.NewDispatcher(worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4}, nil)
	defer d.Stop(context.Background())

	for name, opts := range map[string][]Option{
		"goroutine":  nil,
		"dispatcher": {WithSubmitter(d)},
	} {
		t.Run(name, func(t *testing.T) {
			local, _ := newLocal(t, 0)
			o := NewOrchestrator(local, append(opts, WithRemote(panickingRemote{newSpyRemote()}))...)
			ctx := context.Background()

			res, err := o.SaveSession(ctx, "acct-1", chatSession("s1", 1000))
			if err != nil {
				t.Fatalf("SaveSession: %v", err)
			}
			waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := res.Wait(waitCtx); !errors.Is(err, ErrSyncPanicked) {
				t.Fatalf("expected ErrSyncPanicked, got %v", err)
			}
			if res.Status() != StatusPending {
				t.Fatalf("expected pending status, got %s", res.Status())
			}
			o.Wait()
			if got := local.Load(ctx); len(got) != 1 || got[0].ID != "s1" {
				t.Fatalf("local copy lost: %+v", got)
			}
		})
	}
}

func TestDeleteThenListWithRemoteUnreachable(t *testing.T) {
	local, _ := newLocal(t, 0)
	spy := newSpyRemote()
	o := NewOrchestrator(local, WithRemote(spy))
	ctx := context.Background()

	for _, s := range []models.Session{chatSession("s2", 1000), chatSession("s1", 2000)} {
		res, err := o.SaveSession(ctx, "acct-1", s)
		if err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		waitSynced(t, res)
	}
	if got := ids(local.Load(ctx)); fmt.Sprint(got) != "[s1 s2]" {
		t.Fatalf("unexpected starting snapshot: %v", got)
	}

	spy.mu.Lock()
	spy.fetchErr = errors.New("network unreachable")
	spy.deleteErr = errors.New("network unreachable")
	spy.mu.Unlock()

	if err := o.DeleteSession(ctx, "acct-1", "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if got := ids(o.ListSessions(ctx, "acct-1")); fmt.Sprint(got) != "[s2]" {
		t.Fatalf("expected [s2] after delete, got %v", got)
	}
}

func TestForeignSessionSyncLeavesOwnerIntact(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := remote.NewStore(db, storage.SQLite)
	ownerDevice, _ := newLocal(t, 0)
	intruderDevice, _ := newLocal(t, 0)
	owner := NewOrchestrator(ownerDevice, WithRemote(store))
	intruder := NewOrchestrator(intruderDevice, WithRemote(store))
	ctx := context.Background()

	res, err := owner.SaveSession(ctx, "owner", chatSession("s1", 1000))
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	waitSynced(t, res)

	forged := chatSession("s1", 5000)
	forged.Messages[0].Text = "overwritten"
	forged.Messages = append(forged.Messages, models.Message{ID: "s1-x", Role: models.RoleUser, Text: "injected", Timestamp: 4000})
	res, err = intruder.SaveSession(ctx, "intruder", forged)
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := res.Wait(waitCtx); !errors.Is(err, remote.ErrSessionOwned) {
		t.Fatalf("expected ErrSessionOwned, got %v", err)
	}

	got, err := store.FetchSessions(ctx, "owner")
	if err != nil {
		t.Fatalf("FetchSessions: %v", err)
	}
	if len(got) != 1 || len(got[0].Messages) != 2 {
		t.Fatalf("owner session changed shape: %+v", got)
	}
	if got[0].Messages[0].Text != "How do I find peace?" || got[0].Timestamp != 1000 {
		t.Fatalf("owner session rewritten: %+v", got[0])
	}
}
