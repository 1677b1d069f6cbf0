package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gitasahayak/internal/audio"
	"gitasahayak/internal/metrics"
	"gitasahayak/internal/models"
	"gitasahayak/internal/snapshot"
	"gitasahayak/internal/worker"
)

const defaultSyncTimeout = 15 * time.Second

var (
	ErrSynthesisFailed = errors.New("audio synthesis failed")
	ErrSyncPanicked    = errors.New("remote sync panicked")
)

// Remote is the subset of the remote session store the orchestrator drives.
// *remote.Provider satisfies it.
type Remote interface {
	UpsertSession(ctx context.Context, accountID string, session models.Session) error
	UpsertMessages(ctx context.Context, accountID, sessionID string, messages []models.Message) error
	FetchSessions(ctx context.Context, accountID string) ([]models.Session, error)
	DeleteSession(ctx context.Context, accountID, sessionID string) error
}

type AudioCache interface {
	GetAudio(ctx context.Context, messageID string) (string, bool)
	SaveAudio(ctx context.Context, messageID, base64Audio string)
}

// Submitter queues background work. *worker.Dispatcher satisfies it.
type Submitter interface {
	Submit(job worker.Job) error
}

// SynthesizeFunc turns message text into base64 PCM16 audio.
type SynthesizeFunc func(ctx context.Context, text string) (string, error)

// Orchestrator keeps the local snapshot, the remote store and the audio
// cache consistent for the chat surface.
type Orchestrator struct {
	local  *snapshot.Store
	remote Remote
	audio  AudioCache
	jobs   Submitter

	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	syncLatency metric.Float64Histogram
	syncTimeout time.Duration

	pending sync.WaitGroup
}

type Option func(*Orchestrator)

// WithRemote enables remote sync for signed-in accounts. A nil remote keeps
// everything local.
func WithRemote(r Remote) Option {
	return func(o *Orchestrator) { o.remote = r }
}

func WithAudioCache(c AudioCache) Option {
	return func(o *Orchestrator) { o.audio = c }
}

// WithSubmitter routes remote writes through a background queue. Without it
// each sync runs on its own goroutine.
func WithSubmitter(s Submitter) Option {
	return func(o *Orchestrator) { o.jobs = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithMeter records sync durations on the given meter.
func WithMeter(m metric.Meter) Option {
	return func(o *Orchestrator) {
		if m == nil {
			return
		}
		h, err := m.Float64Histogram("gita.history.sync.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of background remote session syncs"))
		if err == nil {
			o.syncLatency = h
		}
	}
}

func WithSyncTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.syncTimeout = d
		}
	}
}

func NewOrchestrator(local *snapshot.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		local:       local,
		logger:      slog.Default(),
		tracer:      otel.Tracer("gitasahayak/history"),
		syncTimeout: defaultSyncTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "history")
	return o
}

// SaveSession makes session the most recent entry of the local snapshot and,
// for signed-in accounts, schedules the remote write. Only the local write is
// guaranteed when SaveSession returns; the result reports the remote outcome.
func (o *Orchestrator) SaveSession(ctx context.Context, accountID string, session models.Session) (*SyncResult, error) {
	session = session.DedupeMessages()
	if err := session.Validate(); err != nil {
		return nil, err
	}

	o.local.Update(ctx, func(current []models.Session) []models.Session {
		next := make([]models.Session, 0, len(current)+1)
		next = append(next, session)
		for _, s := range current {
			if s.ID != session.ID {
				next = append(next, s)
			}
		}
		return next
	})

	if models.IsGuest(accountID) || o.remote == nil {
		return newSyncResult(session.ID, StatusLocalOnly), nil
	}

	result := newSyncResult(session.ID, StatusPending)
	o.pending.Add(1)
	run := func(workerCtx context.Context) {
		defer o.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("remote sync panicked, session kept locally",
					"account", accountID, "session", session.ID, "panic", r)
				result.complete(StatusPending, fmt.Errorf("%w: %v", ErrSyncPanicked, r))
			}
		}()
		err := o.syncSession(ctx, workerCtx, accountID, session)
		if err != nil {
			o.logger.Warn("remote sync failed, session kept locally",
				"account", accountID, "session", session.ID, "error", err)
			result.complete(StatusPending, err)
			return
		}
		result.complete(StatusSynced, nil)
	}

	if o.jobs == nil {
		go run(context.Background())
		return result, nil
	}
	dropped := func() {
		defer o.pending.Done()
		o.metrics.SyncSkipped()
		result.complete(StatusPending, worker.ErrDispatcherStopped)
	}
	err := o.jobs.Submit(worker.Job{Type: worker.Sync, AccountID: accountID, Run: run, Dropped: dropped})
	if err != nil {
		o.pending.Done()
		o.metrics.SyncSkipped()
		o.logger.Warn("remote sync not scheduled", "account", accountID, "session", session.ID, "error", err)
		result.complete(StatusPending, err)
	}
	return result, nil
}

// syncSession writes the session row and then its messages. The request
// context only contributes values; the sync outlives the request but not the
// worker.
func (o *Orchestrator) syncSession(reqCtx, workerCtx context.Context, accountID string, session models.Session) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), o.syncTimeout)
	defer cancel()
	stop := context.AfterFunc(workerCtx, cancel)
	defer stop()

	ctx, span := o.tracer.Start(ctx, "history.sync",
		trace.WithAttributes(
			attribute.String("session.id", session.ID),
			attribute.Int("session.messages", len(session.Messages)),
		))
	started := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if o.syncLatency != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			o.syncLatency.Record(ctx, time.Since(started).Seconds(),
				metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}()

	if err := o.remote.UpsertSession(ctx, accountID, session); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if err := o.remote.UpsertMessages(ctx, accountID, session.ID, session.Messages); err != nil {
		return fmt.Errorf("upsert messages: %w", err)
	}
	return nil
}

// ListSessions returns the history shown in the sidebar. Signed-in accounts
// see the remote sessions merged over the local snapshot; if the remote
// store fails the local snapshot is returned as is.
func (o *Orchestrator) ListSessions(ctx context.Context, accountID string) []models.Session {
	local := o.local.Load(ctx)
	if models.IsGuest(accountID) || o.remote == nil {
		return local
	}
	remote, err := o.remote.FetchSessions(ctx, accountID)
	if err != nil {
		o.logger.Warn("fetch remote sessions failed, serving local snapshot", "account", accountID, "error", err)
		return local
	}
	return Merge(local, remote)
}

// DeleteSession removes the session locally and, for signed-in accounts,
// from the remote store. Remote failures are logged.
func (o *Orchestrator) DeleteSession(ctx context.Context, accountID, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: id required", models.ErrInvalidSession)
	}
	o.local.Update(ctx, func(current []models.Session) []models.Session {
		next := make([]models.Session, 0, len(current))
		for _, s := range current {
			if s.ID != sessionID {
				next = append(next, s)
			}
		}
		return next
	})
	if models.IsGuest(accountID) || o.remote == nil {
		return nil
	}
	if err := o.remote.DeleteSession(ctx, accountID, sessionID); err != nil {
		o.logger.Warn("remote delete failed", "account", accountID, "session", sessionID, "error", err)
	}
	return nil
}

// GetOrSynthesizeAudio returns playable audio for msg. Audio already on the
// message wins, then the cache, then synth. Fresh audio is cached under the
// message id.
func (o *Orchestrator) GetOrSynthesizeAudio(ctx context.Context, msg models.Message, synth SynthesizeFunc) (string, error) {
	if msg.ID == "" {
		return "", fmt.Errorf("%w: id required", models.ErrInvalidMessage)
	}
	if msg.AudioData != "" && audio.Validate(msg.AudioData) == nil {
		o.metrics.AudioLookup("message")
		o.cacheAudio(ctx, msg.ID, msg.AudioData)
		return msg.AudioData, nil
	}
	if o.audio != nil {
		if cached, ok := o.audio.GetAudio(ctx, msg.ID); ok && audio.Validate(cached) == nil {
			o.metrics.AudioLookup("cache")
			return cached, nil
		}
	}
	if synth == nil {
		o.metrics.SynthesisFailure()
		return "", fmt.Errorf("%w: no synthesizer", ErrSynthesisFailed)
	}
	data, err := synth(ctx, msg.Text)
	if err == nil {
		err = audio.Validate(data)
	}
	if err != nil {
		o.metrics.SynthesisFailure()
		o.logger.Warn("synthesis failed", "message", msg.ID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	o.metrics.AudioLookup("synthesized")
	o.cacheAudio(ctx, msg.ID, data)
	return data, nil
}

func (o *Orchestrator) cacheAudio(ctx context.Context, id, data string) {
	if o.audio != nil {
		o.audio.SaveAudio(ctx, id, data)
	}
}

// ClearLocal drops the local snapshot, used on logout.
func (o *Orchestrator) ClearLocal(ctx context.Context) error {
	return o.local.Clear(ctx)
}

// Wait blocks until every scheduled sync has completed.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}
