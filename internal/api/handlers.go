package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gitasahayak/internal/audio"
	"gitasahayak/internal/auth"
	"gitasahayak/internal/guidance"
	"gitasahayak/internal/history"
	"gitasahayak/internal/ids"
	"gitasahayak/internal/models"
)

const (
	chatFailedMessage  = "Failed to connect to the divine source."
	voiceFailedMessage = "Divine voice interrupted"
)

// Guide streams a reply for one conversation turn. *guidance.Service satisfies it.
type Guide interface {
	Stream(ctx context.Context, req guidance.Request, callback func(string) error) (string, error)
}

// Speaker voices message text. *speech.Synthesizer satisfies it.
type Speaker interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// AudioStore is the part of the audio cache the handlers manage directly.
type AudioStore interface {
	Clear(ctx context.Context) error
}

type Options struct {
	History  *history.Orchestrator
	Guide    Guide
	Speaker  Speaker
	Audio    AudioStore
	Auth     *auth.Service
	Logger   *slog.Logger
	Language string
	// StreamTimeout bounds one guidance stream.
	StreamTimeout time.Duration
}

// Handler wires HTTP routes to the history orchestrator, the guidance model
// and speech synthesis.
type Handler struct {
	history       *history.Orchestrator
	guide         Guide
	speaker       Speaker
	audio         AudioStore
	auth          *auth.Service
	logger        *slog.Logger
	language      string
	streamTimeout time.Duration
}

func NewHandler(opts Options) *Handler {
	h := &Handler{
		history:       opts.History,
		guide:         opts.Guide,
		speaker:       opts.Speaker,
		audio:         opts.Audio,
		auth:          opts.Auth,
		logger:        opts.Logger,
		language:      opts.Language,
		streamTimeout: opts.StreamTimeout,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "api")
	if h.language == "" {
		h.language = "English"
	}
	if h.streamTimeout <= 0 {
		h.streamTimeout = 2 * time.Minute
	}
	return h
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := router.Group("/api")
	api.GET("/languages", h.listLanguages)
	api.GET("/topics", h.listTopics)

	api.Use(h.auth.Middleware())
	api.GET("/history", h.listHistory)
	api.PUT("/history/:session_id", h.saveHistory)
	api.DELETE("/history/:session_id", h.deleteHistory)
	api.POST("/chat", h.chat)
	api.POST("/audio", h.speak)
	api.DELETE("/audio", h.clearAudio)
	api.POST("/logout", h.logout)
}

func (h *Handler) listLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"languages": guidance.Languages})
}

func (h *Handler) listTopics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"topics": guidance.SuggestedTopics})
}

func (h *Handler) listHistory(c *gin.Context) {
	accountID := auth.AccountIDFromContext(c)
	sessions := h.history.ListSessions(c.Request.Context(), accountID)
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) saveHistory(c *gin.Context) {
	accountID := auth.AccountIDFromContext(c)
	var session models.Session
	if err := c.ShouldBindJSON(&session); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	pathID := c.Param("session_id")
	if session.ID == "" {
		session.ID = pathID
	}
	if session.ID != pathID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session id mismatch"})
		return
	}
	if session.Timestamp == 0 {
		session.Timestamp = time.Now().UnixMilli()
	}
	result, err := h.history.SaveSession(c.Request.Context(), accountID, session)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": result.SessionID, "sync": result.Status()})
}

func (h *Handler) deleteHistory(c *gin.Context) {
	accountID := auth.AccountIDFromContext(c)
	if err := h.history.DeleteSession(c.Request.Context(), accountID, c.Param("session_id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	Language  string `json:"language"`
	UseSearch bool   `json:"use_search"`
}

func (h *Handler) findSession(ctx context.Context, accountID, sessionID string) (models.Session, bool) {
	for _, s := range h.history.ListSessions(ctx, accountID) {
		if s.ID == sessionID {
			return s, true
		}
	}
	return models.Session{}, false
}

func (h *Handler) chat(c *gin.Context) {
	accountID := auth.AccountIDFromContext(c)
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	ctx := c.Request.Context()
	now := time.Now()

	var session models.Session
	if req.SessionID != "" {
		found, ok := h.findSession(ctx, accountID, req.SessionID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		session = found
	} else {
		id, err := ids.NewULID(now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start session"})
			return
		}
		session = models.Session{ID: id}
	}
	userMsg := models.Message{ID: ids.MustULID(now), Role: models.RoleUser, Text: prompt, Timestamp: now.UnixMilli()}
	conversation := append(append([]models.Message(nil), session.Messages...), userMsg)

	language := req.Language
	if language == "" {
		language = h.language
	}

	streamCtx, cancel := context.WithTimeout(ctx, h.streamTimeout)
	defer cancel()
	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvent("ack", gin.H{"session_id": session.ID, "message": userMsg}); err != nil {
		return
	}

	reply, err := h.guide.Stream(streamCtx, guidance.Request{
		AccountID: accountID,
		History:   conversation,
		Language:  language,
		UseSearch: req.UseSearch,
	}, func(text string) error {
		return sendEvent("stream", gin.H{"content": text})
	})
	if err != nil {
		h.logger.Warn("guidance stream failed", "account", accountID, "session", session.ID, "error", err)
		_ = sendEvent("error", gin.H{"message": chatFailedMessage})
		return
	}

	done := time.Now()
	modelMsg := models.Message{ID: ids.MustULID(done), Role: models.RoleModel, Text: reply, Timestamp: done.UnixMilli()}
	session.Messages = append(conversation, modelMsg)
	session.Title = models.TitleFromPrompt(prompt)
	session.Timestamp = done.UnixMilli()

	result, err := h.history.SaveSession(ctx, accountID, session)
	if err != nil {
		h.logger.Error("save session failed", "session", session.ID, "error", err)
		_ = sendEvent("error", gin.H{"message": err.Error()})
		return
	}
	_ = sendEvent("done", gin.H{
		"session_id": session.ID,
		"title":      session.Title,
		"message":    modelMsg,
		"sync":       result.Status(),
	})
}

type speakRequest struct {
	SessionID string         `json:"session_id"`
	Message   models.Message `json:"message"`
}

func (h *Handler) speak(c *gin.Context) {
	accountID := auth.AccountIDFromContext(c)
	var req speakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()

	var synth history.SynthesizeFunc
	if h.speaker != nil {
		synth = h.speaker.Synthesize
	}
	data, err := h.history.GetOrSynthesizeAudio(ctx, req.Message, synth)
	if err != nil {
		if errors.Is(err, models.ErrInvalidMessage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": voiceFailedMessage})
		return
	}

	if req.SessionID != "" {
		h.attachAudio(ctx, accountID, req.SessionID, req.Message.ID, data)
	}

	if c.Query("format") == "wav" {
		pcm, err := audio.DecodePCM(data)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": voiceFailedMessage})
			return
		}
		var buf bytes.Buffer
		if err := audio.WriteWAV(&buf, pcm); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "audio/wav", buf.Bytes())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": req.Message.ID, "audio": data})
}

// attachAudio stores fresh audio on the session's message so the remote
// copy keeps it. The local snapshot drops it again on save.
func (h *Handler) attachAudio(ctx context.Context, accountID, sessionID, messageID, data string) {
	session, ok := h.findSession(ctx, accountID, sessionID)
	if !ok {
		return
	}
	found := false
	for i := range session.Messages {
		if session.Messages[i].ID == messageID {
			session.Messages[i].AudioData = data
			found = true
		}
	}
	if !found {
		return
	}
	if _, err := h.history.SaveSession(ctx, accountID, session); err != nil {
		h.logger.Warn("attach audio to session failed", "session", sessionID, "error", err)
	}
}

func (h *Handler) clearAudio(c *gin.Context) {
	if models.IsGuest(auth.AccountIDFromContext(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "sign in to manage the audio cache"})
		return
	}
	if h.audio == nil {
		c.Status(http.StatusNoContent)
		return
	}
	if err := h.audio.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) logout(c *gin.Context) {
	ctx := c.Request.Context()
	if token, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(ctx, token); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if err := h.history.ClearLocal(ctx); err != nil {
		h.logger.Warn("clear local snapshot failed", "error", err)
	}
	c.Status(http.StatusNoContent)
}
