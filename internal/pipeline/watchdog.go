package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eml-intake/internal/metrics"
	"github.com/sells-group/eml-intake/internal/model"
	"github.com/sells-group/eml-intake/internal/queue"
	"github.com/sells-group/eml-intake/internal/store"
)

// ReasonProcessingTimedOut is recorded on records stuck in processing.
const ReasonProcessingTimedOut = "processing timed out"

// WatchdogConfig controls stale record recovery.
type WatchdogConfig struct {
	// Timeout is how long a record may sit in processing or pending.
	Timeout time.Duration
	// Interval between passes in Run.
	Interval time.Duration
	// BatchSize caps records handled per state per pass.
	BatchSize int
}

// WatchdogResult counts the actions of one pass.
type WatchdogResult struct {
	TimedOut  int `json:"timed_out" yaml:"timed_out"`
	Restarted int `json:"restarted" yaml:"restarted"`
	Requeued  int `json:"requeued" yaml:"requeued"`
	Abandoned int `json:"abandoned" yaml:"abandoned"`
	Reclaimed int `json:"reclaimed" yaml:"reclaimed"`
}

// Reclaimer is implemented by queues that can return jobs abandoned by a
// crashed worker to delivery.
type Reclaimer interface {
	Reclaim(ctx context.Context, before time.Time) (int, error)
}

// Watchdog recovers records a crashed worker or lost enqueue left behind.
type Watchdog struct {
	cfg      WatchdogConfig
	store    store.Store
	resolver *Resolver
	queue    Enqueuer
	log      *zap.Logger
	now      func() time.Time
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(cfg WatchdogConfig, st store.Store, resolver *Resolver, q Enqueuer) *Watchdog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Watchdog{
		cfg:      cfg,
		store:    st,
		resolver: resolver,
		queue:    q,
		log:      zap.L().With(zap.String("component", "watchdog")),
		now:      time.Now,
	}
}

// Run executes a pass every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("watchdog pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass. Queue jobs still running since before the cutoff are
// reclaimed first when the queue supports it. Stale processing records are
// failed and, when their content still resolves, restarted as a new pending
// record. Stale pending records are re-enqueued, or abandoned when their
// content is gone.
func (w *Watchdog) Sweep(ctx context.Context) (WatchdogResult, error) {
	var res WatchdogResult
	cutoff := w.now().Add(-w.cfg.Timeout)

	if rq, ok := w.queue.(Reclaimer); ok {
		n, err := rq.Reclaim(ctx, cutoff)
		if err != nil {
			return res, eris.Wrap(err, "watchdog: reclaim jobs")
		}
		res.Reclaimed = n
		metrics.WatchdogActionsTotal.WithLabelValues("reclaimed").Add(float64(n))
	}

	// Pending first, so restarts created below are not requeued in the same pass.
	waiting, err := w.store.ListStaleRecords(ctx, model.StatusPending, cutoff, w.cfg.BatchSize)
	if err != nil {
		return res, eris.Wrap(err, "watchdog: list pending")
	}
	for i := range waiting {
		if err := w.requeue(ctx, &waiting[i], &res); err != nil {
			return res, err
		}
	}

	stuck, err := w.store.ListStaleRecords(ctx, model.StatusProcessing, cutoff, w.cfg.BatchSize)
	if err != nil {
		return res, eris.Wrap(err, "watchdog: list processing")
	}
	for i := range stuck {
		if err := w.timeOut(ctx, &stuck[i], &res); err != nil {
			return res, err
		}
	}

	if res != (WatchdogResult{}) {
		w.log.Info("watchdog pass",
			zap.Int("timed_out", res.TimedOut),
			zap.Int("restarted", res.Restarted),
			zap.Int("requeued", res.Requeued),
			zap.Int("abandoned", res.Abandoned),
			zap.Int("reclaimed", res.Reclaimed),
		)
	}
	return res, nil
}

func (w *Watchdog) timeOut(ctx context.Context, rec *model.Record, res *WatchdogResult) error {
	log := w.log.With(zap.String("record_id", rec.ID))
	out := model.Outcome{Sender: rec.Sender, Strategy: rec.Strategy, Fields: rec.Fields}
	if err := w.store.FailRecord(ctx, rec.ID, ReasonProcessingTimedOut, out); err != nil {
		if errors.Is(err, store.ErrNotProcessing) {
			return nil
		}
		return eris.Wrapf(err, "watchdog: fail record %s", rec.ID)
	}
	res.TimedOut++
	metrics.WatchdogActionsTotal.WithLabelValues("timed_out").Inc()
	log.Warn("processing timed out", zap.Time("updated_at", rec.UpdatedAt))

	if _, err := w.resolver.Locate(ctx, rec); err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			log.Warn("content gone, not restarting", zap.Error(err))
			return nil
		}
		return err
	}

	retry := &model.Record{
		Filename:         rec.Filename,
		Status:           model.StatusPending,
		SourceFileID:     rec.SourceFileID,
		AttachmentHandle: rec.AttachmentHandle,
	}
	if err := w.store.CreateRecord(ctx, retry); err != nil {
		return eris.Wrap(err, "watchdog: create retry record")
	}
	res.Restarted++
	metrics.WatchdogActionsTotal.WithLabelValues("restarted").Inc()
	if err := w.queue.Enqueue(ctx, queue.KindProcessRecord, retry.ID); err != nil {
		log.Warn("enqueue failed", zap.String("retry_record_id", retry.ID), zap.Error(err))
	}
	return nil
}

func (w *Watchdog) requeue(ctx context.Context, rec *model.Record, res *WatchdogResult) error {
	log := w.log.With(zap.String("record_id", rec.ID))

	if _, err := w.resolver.Locate(ctx, rec); err != nil {
		if !errors.Is(err, ErrSourceUnavailable) {
			return err
		}
		// Nothing can ever process this record; close it out.
		claimed, cerr := w.store.ClaimRecord(ctx, rec.ID)
		if cerr != nil {
			return eris.Wrapf(cerr, "watchdog: claim record %s", rec.ID)
		}
		if !claimed {
			return nil
		}
		if ferr := w.store.FailRecord(ctx, rec.ID, ErrSourceContentUnavailable.Error(), model.Outcome{}); ferr != nil &&
			!errors.Is(ferr, store.ErrNotProcessing) {
			return eris.Wrapf(ferr, "watchdog: fail record %s", rec.ID)
		}
		res.Abandoned++
		metrics.WatchdogActionsTotal.WithLabelValues("abandoned").Inc()
		log.Warn("pending record has no content, failed", zap.Error(err))
		return nil
	}

	if err := w.queue.Enqueue(ctx, queue.KindProcessRecord, rec.ID); err != nil {
		return eris.Wrapf(err, "watchdog: enqueue %s", rec.ID)
	}
	res.Requeued++
	metrics.WatchdogActionsTotal.WithLabelValues("requeued").Inc()
	return nil
}
