package worker

import (
	"context"
	"runtime/debug"
)

type worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool, id int) *worker {
	return &worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *worker) start(ctx context.Context) {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for job := range w.jobChannel {
			if job.Type == Stop {
				return
			}
			w.execute(ctx, job)
			if !w.pool.release(w.jobChannel) {
				return
			}
		}
	}()
}

func (w *worker) execute(ctx context.Context, job Job) {
	defer job.finish()
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("background job panicked",
				"worker", w.id, "account", job.AccountID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	job.Run(ctx)
}
