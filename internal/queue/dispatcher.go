// Package queue delivers bundle jobs to the background ingest phase, either
// through asynq or through an in-process worker pool.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/plotviz/engine/internal/metrics"
	"github.com/plotviz/engine/internal/queue/tasks"
	"github.com/plotviz/engine/internal/services"
	appErr "github.com/plotviz/engine/pkg/errors"
	"github.com/plotviz/engine/pkg/logger"
)

const maxRetry = 3

// AsynqDispatcher enqueues bundle jobs for cmd/worker.
type AsynqDispatcher struct {
	client  *asynq.Client
	timeout time.Duration
}

func NewAsynqDispatcher(client *asynq.Client, timeout time.Duration) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, timeout: timeout}
}

var _ services.BundleDispatcher = (*AsynqDispatcher)(nil)

func (d *AsynqDispatcher) Dispatch(ctx context.Context, job services.BundleJob) error {
	opts := []asynq.Option{asynq.Queue(tasks.QueueIngest), asynq.MaxRetry(maxRetry)}
	if d.timeout > 0 {
		opts = append(opts, asynq.Timeout(d.timeout))
	}
	task, err := tasks.NewIngestBundleTask(job, opts...)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "encode bundle task")
	}
	info, err := d.client.EnqueueContext(ctx, task)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "enqueue bundle task failed").WithMeta("artifact_id", job.ArtifactID)
	}
	logger.L().Debug("bundle task enqueued", zap.Int64("artifact_id", job.ArtifactID), zap.String("task_id", info.ID))
	return nil
}

// Handler processes one job.
type Handler func(ctx context.Context, job services.BundleJob) error

// LocalDispatcher runs bundle jobs on a fixed set of goroutines fed by a
// bounded channel. Jobs still queued when the process exits are lost and
// their artifacts stay pending.
type LocalDispatcher struct {
	jobs    chan services.BundleJob
	workers int
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

func NewLocalDispatcher(size, workers int, m *metrics.Metrics) *LocalDispatcher {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		jobs:    make(chan services.BundleJob, size),
		workers: workers,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

var _ services.BundleDispatcher = (*LocalDispatcher)(nil)

// Start launches the workers. It must be called once, before Close.
func (d *LocalDispatcher) Start(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(i, h)
	}
	logger.L().Info("local ingest queue started", zap.Int("workers", d.workers), zap.Int("capacity", cap(d.jobs)))
}

func (d *LocalDispatcher) run(worker int, h Handler) {
	defer d.wg.Done()
	log := logger.L().With(zap.Int("worker", worker))
	for job := range d.jobs {
		d.metrics.QueueDepth(len(d.jobs))
		if err := d.handle(h, job); err != nil {
			log.Error("bundle job failed", zap.Int64("artifact_id", job.ArtifactID), zap.Error(err))
		}
	}
}

func (d *LocalDispatcher) handle(h Handler, job services.BundleJob) (err error) {
	// Jobs run once here.
	job.FinalAttempt = true
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h(d.ctx, job)
}

// Dispatch queues job without blocking. A full or closed queue reports
// CodeUnavailable.
func (d *LocalDispatcher) Dispatch(ctx context.Context, job services.BundleJob) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return appErr.New(appErr.CodeUnavailable, "ingest queue closed")
	}
	select {
	case d.jobs <- job:
		d.metrics.QueueDepth(len(d.jobs))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return appErr.New(appErr.CodeUnavailable, "ingest queue full").WithMeta("capacity", cap(d.jobs))
	}
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx
// ends first the running jobs are canceled and ctx's error is returned.
func (d *LocalDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
