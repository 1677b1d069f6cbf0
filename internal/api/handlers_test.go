package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"gitasahayak/internal/audiocache"
	"gitasahayak/internal/auth"
	"gitasahayak/internal/config"
	"gitasahayak/internal/guidance"
	"gitasahayak/internal/history"
	"gitasahayak/internal/models"
	"gitasahayak/internal/remote"
	"gitasahayak/internal/snapshot"
	"gitasahayak/internal/storage"
)

var testPCM = base64.StdEncoding.EncodeToString([]byte{0x10, 0x00, 0x20, 0x00, 0xf0, 0xff})

type mockGuide struct {
	mu       sync.Mutex
	err      error
	requests []guidance.Request
}

func (m *mockGuide) Stream(_ context.Context, req guidance.Request, callback func(string) error) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	reply := fmt.Sprintf("Dear seeker, on %q: [SHLOKA]...[/SHLOKA]\nRadhe Radhe", req.History[len(req.History)-1].Text)
	if callback != nil {
		if err := callback("Dear seeker, "); err != nil {
			return "", err
		}
		if err := callback(reply); err != nil {
			return "", err
		}
	}
	return reply, nil
}

type mockSpeaker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockSpeaker) Synthesize(context.Context, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return testPCM, nil
}

type testServer struct {
	router  *gin.Engine
	db      *sql.DB
	auth    *auth.Service
	history *history.Orchestrator
	local   *snapshot.Store
	guide   *mockGuide
	speaker *mockSpeaker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	backend, err := snapshot.NewFileBackend(filepath.Join(dir, "snapshot"), 0)
	if err != nil {
		t.Fatalf("snapshot backend: %v", err)
	}
	cache, err := audiocache.Open(filepath.Join(dir, "audio.db"), nil)
	if err != nil {
		t.Fatalf("audio cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	local := snapshot.New(backend)
	orch := history.NewOrchestrator(local,
		history.WithRemote(remote.NewStore(db, storage.SQLite)),
		history.WithAudioCache(cache),
	)
	authSvc := auth.NewService(auth.FromDB(db), storage.SQLite, nil, time.Hour)
	guide := &mockGuide{}
	speaker := &mockSpeaker{}

	h := NewHandler(Options{
		History: orch,
		Guide:   guide,
		Speaker: speaker,
		Audio:   cache,
		Auth:    authSvc,
	})
	router := gin.New()
	h.RegisterRoutes(router)
	return &testServer{router: router, db: db, auth: authSvc, history: orch, local: local, guide: guide, speaker: speaker}
}

func (s *testServer) signIn(t *testing.T, accountID string) map[string]string {
	t.Helper()
	token, err := s.auth.IssueToken(context.Background(), accountID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

type donePayload struct {
	SessionID string         `json:"session_id"`
	Title     string         `json:"title"`
	Message   models.Message `json:"message"`
	Sync      string         `json:"sync"`
}

func (s *testServer) chat(t *testing.T, body map[string]any, headers map[string]string) donePayload {
	t.Helper()
	resp := postSSE(t, s.router, "/api/chat", body, headers)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 4 {
		t.Fatalf("expected 4 SSE events, got %d: %s", len(events), resp.Body.String())
	}
	names := []string{"ack", "stream", "stream", "done"}
	for i, evt := range events {
		if evt.Name != names[i] {
			t.Fatalf("event %d = %s, want %s", i, evt.Name, names[i])
		}
	}
	var done donePayload
	decodeJSON(t, []byte(events[3].Data), &done)
	return done
}

func TestGuestConversationFlow(t *testing.T) {
	s := newTestServer(t)

	first := s.chat(t, map[string]any{"prompt": "How do I deal with stress and anxiety at work?", "language": "hi"}, nil)
	if first.SessionID == "" {
		t.Fatalf("expected a new session id")
	}
	if first.Title != "How do I deal with stress and ..." {
		t.Fatalf("unexpected title %q", first.Title)
	}
	if first.Sync != string(history.StatusLocalOnly) {
		t.Fatalf("guest sync status = %s", first.Sync)
	}
	if !strings.HasSuffix(first.Message.Text, "Radhe Radhe") || first.Message.Role != models.RoleModel {
		t.Fatalf("unexpected model message %+v", first.Message)
	}

	second := s.chat(t, map[string]any{"session_id": first.SessionID, "prompt": "And failure?"}, nil)
	if second.SessionID != first.SessionID || second.Title != "And failure?" {
		t.Fatalf("follow-up did not extend the session: %+v", second)
	}
	last := s.guide.requests[len(s.guide.requests)-1]
	if len(last.History) != 3 || last.History[2].Text != "And failure?" || last.Language != "English" {
		t.Fatalf("unexpected guidance request %+v", last)
	}

	resp := doJSONRequest(t, s.router, http.MethodGet, "/api/history", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var list struct {
		Sessions []models.Session `json:"sessions"`
	}
	decodeJSON(t, resp.Body.Bytes(), &list)
	if len(list.Sessions) != 1 || len(list.Sessions[0].Messages) != 4 {
		t.Fatalf("unexpected history %+v", list.Sessions)
	}
	if n := countRows(t, s.db, "sessions"); n != 0 {
		t.Fatalf("guest session reached remote store: %d rows", n)
	}
}

func TestChatUnknownSession(t *testing.T) {
	s := newTestServer(t)
	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/chat", map[string]any{"session_id": "missing", "prompt": "hi"}, nil)
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, s.router, http.MethodPost, "/api/chat", map[string]any{"prompt": "   "}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestChatStreamFailure(t *testing.T) {
	s := newTestServer(t)
	s.guide.err = errors.New("quota")
	resp := postSSE(t, s.router, "/api/chat", map[string]any{"prompt": "hello"}, nil)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 2 || events[0].Name != "ack" || events[1].Name != "error" {
		t.Fatalf("unexpected events %+v", events)
	}
	if !strings.Contains(events[1].Data, chatFailedMessage) {
		t.Fatalf("error event lacks message: %s", events[1].Data)
	}
	if got := s.local.Load(context.Background()); len(got) != 0 {
		t.Fatalf("failed turn was saved: %+v", got)
	}
}

func TestSignedInConversationSyncsRemote(t *testing.T) {
	s := newTestServer(t)
	headers := s.signIn(t, "acct-1")

	done := s.chat(t, map[string]any{"prompt": "What is my purpose?"}, headers)
	s.history.Wait()
	if n := countRows(t, s.db, "sessions"); n != 1 {
		t.Fatalf("expected 1 remote session, got %d", n)
	}
	if n := countRows(t, s.db, "messages"); n != 2 {
		t.Fatalf("expected 2 remote messages, got %d", n)
	}

	resp := doJSONRequest(t, s.router, http.MethodDelete, "/api/history/"+done.SessionID, nil, headers)
	assertStatus(t, resp, http.StatusNoContent)
	if n := countRows(t, s.db, "messages"); n != 0 {
		t.Fatalf("remote messages not cascaded: %d", n)
	}
}

func TestSaveHistoryEndpoint(t *testing.T) {
	s := newTestServer(t)
	headers := s.signIn(t, "acct-2")
	session := models.Session{
		ID:        "s-1",
		Title:     "Inner peace",
		Timestamp: 1000,
		Messages: []models.Message{
			{ID: "m-1", Role: models.RoleUser, Text: "peace", Timestamp: 900},
			{ID: "m-2", Role: models.RoleModel, Text: "Radhe Radhe", Timestamp: 950, AudioData: testPCM},
		},
	}
	resp := doJSONRequest(t, s.router, http.MethodPut, "/api/history/s-1", session, headers)
	assertStatus(t, resp, http.StatusAccepted)
	s.history.Wait()

	var audio sql.NullString
	if err := s.db.QueryRow(`SELECT audio_data FROM messages WHERE id = ?`, "m-2").Scan(&audio); err != nil {
		t.Fatalf("query audio: %v", err)
	}
	if audio.String != testPCM {
		t.Fatalf("remote audio not stored")
	}
	for _, sess := range s.local.Load(context.Background()) {
		for _, m := range sess.Messages {
			if m.AudioData != "" {
				t.Fatalf("audio leaked into snapshot")
			}
		}
	}

	resp = doJSONRequest(t, s.router, http.MethodPut, "/api/history/other", session, headers)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestAudioEndpoint(t *testing.T) {
	s := newTestServer(t)
	msg := models.Message{ID: "m-1", Role: models.RoleModel, Text: "[SHLOKA]x[/SHLOKA] Radhe Radhe"}

	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/audio", map[string]any{"message": msg}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		MessageID string `json:"message_id"`
		Audio     string `json:"audio"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.MessageID != "m-1" || body.Audio != testPCM {
		t.Fatalf("unexpected audio response %+v", body)
	}

	resp = doJSONRequest(t, s.router, http.MethodPost, "/api/audio?format=wav", map[string]any{"message": msg}, nil)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type = %s", ct)
	}
	if !bytes.HasPrefix(resp.Body.Bytes(), []byte("RIFF")) || resp.Body.Len() != 44+6 {
		t.Fatalf("unexpected wav body (%d bytes)", resp.Body.Len())
	}
	if s.speaker.calls != 1 {
		t.Fatalf("expected cached audio on second request, synth calls = %d", s.speaker.calls)
	}
}

func TestAudioEndpointFailure(t *testing.T) {
	s := newTestServer(t)
	s.speaker.err = errors.New("tts down")
	msg := models.Message{ID: "m-9", Role: models.RoleModel, Text: "Radhe Radhe"}

	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/audio", map[string]any{"message": msg}, nil)
	assertStatus(t, resp, http.StatusBadGateway)
	if !strings.Contains(resp.Body.String(), voiceFailedMessage) {
		t.Fatalf("missing user-visible error: %s", resp.Body.String())
	}

	resp = doJSONRequest(t, s.router, http.MethodPost, "/api/audio", map[string]any{"message": models.Message{}}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestAudioAttachesToSession(t *testing.T) {
	s := newTestServer(t)
	headers := s.signIn(t, "acct-3")
	done := s.chat(t, map[string]any{"prompt": "How to stay motivated"}, headers)
	s.history.Wait()

	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/audio",
		map[string]any{"session_id": done.SessionID, "message": done.Message}, headers)
	assertStatus(t, resp, http.StatusOK)
	s.history.Wait()

	var audio sql.NullString
	if err := s.db.QueryRow(`SELECT audio_data FROM messages WHERE id = ?`, done.Message.ID).Scan(&audio); err != nil {
		t.Fatalf("query audio: %v", err)
	}
	if audio.String != testPCM {
		t.Fatalf("synthesized audio not attached to remote message")
	}
}

func TestClearAudioRequiresAccount(t *testing.T) {
	s := newTestServer(t)
	resp := doJSONRequest(t, s.router, http.MethodDelete, "/api/audio", nil, nil)
	assertStatus(t, resp, http.StatusForbidden)

	resp = doJSONRequest(t, s.router, http.MethodDelete, "/api/audio", nil, s.signIn(t, "acct-4"))
	assertStatus(t, resp, http.StatusNoContent)
}

func TestLogoutRevokesTokenAndClearsSnapshot(t *testing.T) {
	s := newTestServer(t)
	headers := s.signIn(t, "acct-5")
	s.chat(t, map[string]any{"prompt": "Balancing work and spirituality"}, headers)
	s.history.Wait()

	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/logout", nil, headers)
	assertStatus(t, resp, http.StatusNoContent)
	if got := s.local.Load(context.Background()); len(got) != 0 {
		t.Fatalf("snapshot not cleared on logout")
	}
	resp = doJSONRequest(t, s.router, http.MethodGet, "/api/history", nil, headers)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestPublicCatalogs(t *testing.T) {
	s := newTestServer(t)
	resp := doJSONRequest(t, s.router, http.MethodGet, "/api/languages", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var langs struct {
		Languages []guidance.Language `json:"languages"`
	}
	decodeJSON(t, resp.Body.Bytes(), &langs)
	if len(langs.Languages) != len(guidance.Languages) {
		t.Fatalf("unexpected languages %+v", langs)
	}
	resp = doJSONRequest(t, s.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, resp, http.StatusOK)
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, path, body, headers)
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
