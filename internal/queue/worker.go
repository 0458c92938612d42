package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/eml-intake/internal/metrics"
)

// Handler processes one job. A non-nil error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency     int
	PollInterval    time.Duration
	ClaimsPerSecond float64
}

// Worker runs handlers for claimed jobs on a fixed pool of goroutines.
type Worker struct {
	q        Queue
	cfg      WorkerConfig
	limiter  *rate.Limiter
	log      *zap.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker creates a worker pool over q.
func NewWorker(q Queue, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	limit := rate.Inf
	if cfg.ClaimsPerSecond > 0 {
		limit = rate.Limit(cfg.ClaimsPerSecond)
	}
	return &Worker{
		q:        q,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Concurrency),
		log:      zap.L().With(zap.String("component", "worker")),
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for kind, replacing any earlier handler.
func (w *Worker) Handle(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker pool starting",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			w.loop(gctx, slot)
			return nil
		})
	}
	err := g.Wait()
	w.log.Info("worker pool stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) {
	log := w.log.With(zap.Int("slot", slot))
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		ran, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("claim failed", zap.Error(err))
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job
// was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.q.Claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.dispatch(ctx, job)
	return true, nil
}

// Drain processes due jobs until none remain and returns how many ran.
// Retries scheduled in the future are left for a running worker.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ran, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

func (w *Worker) dispatch(ctx context.Context, job *Job) {
	log := w.log.With(
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.String("arg", job.Arg),
		zap.Int("attempt", job.Attempts),
	)

	w.mu.RLock()
	h, ok := w.handlers[job.Kind]
	w.mu.RUnlock()

	var herr error
	if !ok {
		herr = eris.Errorf("queue: no handler for kind %q", job.Kind)
	} else {
		herr = safeCall(ctx, h, job)
	}

	if herr == nil {
		if err := w.q.Ack(ctx, job); err != nil {
			log.Error("ack failed", zap.Error(err))
			return
		}
		metrics.JobsTotal.WithLabelValues(job.Kind, "ack").Inc()
		return
	}

	if err := w.q.Nack(ctx, job, herr); err != nil {
		log.Error("nack failed", zap.Error(err), zap.NamedError("cause", herr))
		return
	}
	if job.Status == StatusDead {
		metrics.JobsTotal.WithLabelValues(job.Kind, "dead").Inc()
		log.Error("job dead-lettered", zap.Error(herr))
		return
	}
	metrics.JobsTotal.WithLabelValues(job.Kind, "retry").Inc()
	log.Warn("job failed, retry scheduled", zap.Error(herr), zap.Time("run_at", job.RunAt))
}

func safeCall(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("queue: handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
