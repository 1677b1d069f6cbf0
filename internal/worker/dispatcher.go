package worker

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDispatcherBusy    = errors.New("dispatcher queue is full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

type JobType string

const (
	Sync JobType = "sync"
	Stop JobType = "stop"
)

// Job is a unit of background work attributed to an account.
type Job struct {
	Type      JobType
	AccountID string
	Run       func(ctx context.Context)
	// Dropped runs instead of Run when the job is discarded unstarted.
	Dropped func()

	done func()
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type accountQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher fans jobs out to a bounded worker pool. Jobs of one account
// run in submission order; accounts take turns so a burst from one does not
// starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	logger   *slog.Logger

	mu        sync.Mutex
	queues    map[string]*accountQueue
	ready     *list.List // accounts with pending jobs, least recently served first
	positions map[string]*list.Element

	inflight sync.WaitGroup
	// submitMu orders Submit's stopped check and send before Stop
	submitMu sync.RWMutex
	stopped  atomic.Bool
	quit     chan struct{}
	stopOnce sync.Once
	baseCtx  context.Context
	cancel   context.CancelFunc
}

func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	logger = logger.With("component", "dispatcher")
	baseCtx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, logger),
		jobQueue:  make(chan Job, cfg.QueueSize),
		logger:    logger,
		queues:    make(map[string]*accountQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker(baseCtx)
	}
	go d.run()
	return d
}

// Submit queues job without blocking. It fails with ErrDispatcherBusy when
// the intake queue is full.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("job has nothing to run")
	}
	if job.Type == "" {
		job.Type = Sync
	}
	d.submitMu.RLock()
	defer d.submitMu.RUnlock()
	if d.stopped.Load() {
		return ErrDispatcherStopped
	}
	d.inflight.Add(1)
	job.done = d.inflight.Done
	select {
	case d.jobQueue <- job:
		return nil
	default:
		d.inflight.Done()
		return ErrDispatcherBusy
	}
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Running int // workers alive, busy or idle
	Idle    int
	Queued  int // accepted jobs not yet handed to a worker
}

func (d *Dispatcher) Stats() Stats {
	running, idle := d.pool.counts()
	d.mu.Lock()
	queued := 0
	for _, q := range d.queues {
		queued += len(q.jobs)
	}
	d.mu.Unlock()
	return Stats{Running: running, Idle: idle, Queued: queued + len(d.jobQueue)}
}

// Wait blocks until every accepted job has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Stop rejects new jobs and waits for accepted ones. When ctx expires first
// the running jobs see their context canceled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.submitMu.Lock()
	d.stopped.Store(true)
	d.submitMu.Unlock()
	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	d.stopOnce.Do(func() {
		d.cancel()
		close(d.quit)
		d.pool.shutdown()
	})
	return err
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the account in front of the ready list
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				d.dropPending()
				return
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			d.dropPending()
			return
		default:
		}
	}
}

// CancelAccount drops the account's queued jobs. Running jobs are unaffected.
func (d *Dispatcher) CancelAccount(accountID string) {
	d.mu.Lock()
	q := d.queues[accountID]
	delete(d.queues, accountID)
	if elem, ok := d.positions[accountID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, accountID)
	}
	d.mu.Unlock()
	if q == nil {
		return
	}
	for _, job := range q.jobs {
		job.drop()
	}
}

// dropPending discards everything still queued once the dispatcher quits.
func (d *Dispatcher) dropPending() {
	d.mu.Lock()
	var pending []Job
	for _, q := range d.queues {
		pending = append(pending, q.jobs...)
	}
	d.queues = make(map[string]*accountQueue)
	d.positions = make(map[string]*list.Element)
	d.ready.Init()
	d.mu.Unlock()
	for {
		select {
		case job := <-d.jobQueue:
			pending = append(pending, job)
			continue
		default:
		}
		break
	}
	for _, job := range pending {
		job.drop()
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.AccountID]
	if q == nil {
		q = &accountQueue{}
		d.queues[job.AccountID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.AccountID] = d.ready.PushBack(job.AccountID)
}

// dispatchOne hands the next job of the front account to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	accountID := elem.Value.(string)
	q := d.queues[accountID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, accountID)
		delete(d.queues, accountID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire(d.baseCtx)
	if workerChan == nil {
		// pool shut down while waiting
		job.drop()
		return true
	}
	debugLog(d.logger, "assign job", "type", job.Type, "account", accountID, "worker", d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

func (job Job) drop() {
	if job.Dropped != nil {
		job.Dropped()
	}
	job.finish()
}

func (job Job) finish() {
	if job.done != nil {
		job.done()
	}
}
