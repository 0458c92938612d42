package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eml-intake/internal/blob"
	"github.com/sells-group/eml-intake/internal/customer"
	"github.com/sells-group/eml-intake/internal/dedup"
	"github.com/sells-group/eml-intake/internal/extract"
	"github.com/sells-group/eml-intake/internal/pipeline"
	"github.com/sells-group/eml-intake/internal/queue"
	"github.com/sells-group/eml-intake/internal/store"
)

// appEnv holds the initialized stores and pipeline components shared by the
// serve, worker, ingest and reprocess commands.
type appEnv struct {
	Store       store.Store
	Blobs       blob.Store
	Queue       queue.Queue
	Resolver    *pipeline.Resolver
	Intake      *pipeline.Intake
	Job         *pipeline.Job
	Reprocessor *pipeline.Reprocessor
	Watchdog    *pipeline.Watchdog
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// newAppEnv wires the pipeline over already opened stores.
func newAppEnv(st store.Store, blobs blob.Store, q queue.Queue) *appEnv {
	resolver := pipeline.NewResolver(st, blobs)
	registry := extract.NewDefaultRegistry(cfg.Extract)

	return &appEnv{
		Store:    st,
		Blobs:    blobs,
		Queue:    q,
		Resolver: resolver,
		Intake: pipeline.NewIntake(pipeline.IntakeConfig{
			MaxBytes:  cfg.Intake.MaxBytes,
			Extension: cfg.Intake.Extension,
			Dedup:     cfg.Intake.Dedup,
		}, st, dedup.New(st, blobs), blobs, q),
		Job:         pipeline.NewJob(st, resolver, registry, customer.NewBuilder(cfg.Customer.PhoneRegion)),
		Reprocessor: pipeline.NewReprocessor(st, resolver, q),
		Watchdog: pipeline.NewWatchdog(pipeline.WatchdogConfig{
			Timeout:  time.Duration(cfg.Pipeline.ProcessingTimeoutMins) * time.Minute,
			Interval: time.Duration(cfg.Pipeline.WatchdogIntervalSecs) * time.Second,
		}, st, resolver, q),
	}
}

// initApp validates the config for mode, opens the store, blob store and
// queue, runs migrations and builds the pipeline. Callers should defer
// env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	blobs, err := initBlobs(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	q, err := initQueue(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if pq, ok := q.(*queue.Postgres); ok {
		if err := pq.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "migrate queue")
		}
	}

	return newAppEnv(st, blobs, q), nil
}

// newWorker builds the queue worker pool with the pipeline job registered.
func (e *appEnv) newWorker() *queue.Worker {
	w := queue.NewWorker(e.Queue, queue.WorkerConfig{
		Concurrency:     cfg.Queue.Concurrency,
		PollInterval:    time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		ClaimsPerSecond: cfg.Queue.ClaimsPerSecond,
	})
	w.Handle(queue.KindProcessRecord, e.Job.Handle)
	return w
}
