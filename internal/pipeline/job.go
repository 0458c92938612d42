package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eml-intake/internal/customer"
	"github.com/sells-group/eml-intake/internal/extract"
	"github.com/sells-group/eml-intake/internal/mailmsg"
	"github.com/sells-group/eml-intake/internal/metrics"
	"github.com/sells-group/eml-intake/internal/model"
	"github.com/sells-group/eml-intake/internal/queue"
	"github.com/sells-group/eml-intake/internal/store"
)

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, arg string) error
}

// Job processes one pending Record to a terminal state.
type Job struct {
	store    store.Store
	resolver *Resolver
	registry *extract.Registry
	builder  *customer.Builder
	log      *zap.Logger
}

// NewJob creates a pipeline Job.
func NewJob(st store.Store, resolver *Resolver, registry *extract.Registry, builder *customer.Builder) *Job {
	return &Job{
		store:    st,
		resolver: resolver,
		registry: registry,
		builder:  builder,
		log:      zap.L().With(zap.String("component", "pipeline")),
	}
}

// Handle adapts Process to a queue handler for queue.KindProcessRecord.
func (j *Job) Handle(ctx context.Context, job *queue.Job) error {
	return j.Process(ctx, job.Arg)
}

// attempt is what one run learned about a message.
type attempt struct {
	outcome  model.Outcome
	customer *model.Customer
	msg      *mailmsg.Message
}

// Process runs the record identified by recordID. Re-delivery is safe: only
// a pending record is claimed, and only one delivery wins the claim.
// Business failures are recorded on the record and return nil. Other errors,
// panics included, are recorded as "job failed: ..." and returned so the
// queue retries.
func (j *Job) Process(ctx context.Context, recordID string) error {
	log := j.log.With(zap.String("record_id", recordID))

	rec, err := j.store.GetRecord(ctx, recordID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("record not found, skipping")
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "pipeline: load record %s", recordID)
	}
	if rec.Status != model.StatusPending {
		log.Debug("record not pending, skipping", zap.String("status", string(rec.Status)))
		return nil
	}

	src, err := j.resolver.Locate(ctx, rec)
	if errors.Is(err, ErrSourceUnavailable) {
		log.Warn("source content unavailable, skipping", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	claimed, err := j.store.ClaimRecord(ctx, rec.ID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: claim record %s", rec.ID)
	}
	if !claimed {
		log.Debug("record claimed by another delivery")
		return nil
	}

	start := time.Now()
	var res attempt
	runErr := recoverPanic(func() error { return j.run(ctx, src, &res) })
	if runErr == nil {
		runErr = recoverPanic(func() error { return j.complete(ctx, rec, src, res, log) })
		if runErr == nil {
			metrics.ExtractionDuration.WithLabelValues(string(model.StatusSuccess)).Observe(time.Since(start).Seconds())
			return nil
		}
		if errors.Is(runErr, store.ErrNotProcessing) {
			log.Warn("record left processing before completion", zap.Error(runErr))
			return nil
		}
	}

	var failure *Failure
	reason := unexpectedReason(runErr)
	if errors.As(runErr, &failure) {
		reason = failure.Reason
	}

	if err := j.store.FailRecord(ctx, rec.ID, reason, res.outcome); err != nil {
		if errors.Is(err, store.ErrNotProcessing) {
			log.Warn("record left processing before failure was recorded", zap.Error(err))
			return nil
		}
		return eris.Wrapf(err, "pipeline: fail record %s", rec.ID)
	}
	metrics.RecordsFinishedTotal.WithLabelValues(string(model.StatusFailed), res.outcome.Strategy).Inc()
	metrics.ExtractionDuration.WithLabelValues(string(model.StatusFailed)).Observe(time.Since(start).Seconds())

	if failure != nil {
		log.Info("record failed",
			zap.String("status", string(model.StatusFailed)),
			zap.String("sender", res.outcome.Sender),
			zap.String("strategy", res.outcome.Strategy),
			zap.String("reason", reason),
		)
		return nil
	}
	log.Error("record failed unexpectedly", zap.Error(runErr))
	return runErr
}

// recoverPanic runs fn and turns a panic into an error, so a claimed record
// is still moved to failed.
func recoverPanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// run performs the read, parse, route, extract and build steps. res carries
// whatever was learned even when err is non-nil.
func (j *Job) run(ctx context.Context, src *Source, res *attempt) error {
	data, err := j.resolver.Read(ctx, src)
	if err != nil {
		return err
	}

	msg, err := mailmsg.Parse(data)
	if err != nil {
		return fail(ErrInvalidMessageFormat, "invalid email file")
	}
	res.msg = msg

	sender := msg.Sender()
	if sender == "" {
		return fail(ErrNoSenderFound, "no sender found")
	}
	res.outcome.Sender = sender

	strategy, ok := j.registry.Resolve(sender)
	if !ok {
		return fail(ErrNoStrategyFound, "no strategy found for: "+sender)
	}
	res.outcome.Strategy = strategy.Name()

	result, err := strategy.Extract(msg)
	if err != nil {
		return eris.Wrapf(err, "pipeline: extract with %s", strategy.Name())
	}
	res.outcome.Fields = result.Fields
	if !result.OK() {
		return fail(ErrExtractionValidationFailed, result.Reason)
	}

	c, err := j.builder.Build(result.Fields)
	if err != nil {
		return fail(ErrCustomerPersistenceFailed, err.Error())
	}
	res.customer = c
	return nil
}

func (j *Job) complete(ctx context.Context, rec *model.Record, src *Source, res attempt, log *zap.Logger) error {
	saved, err := j.store.CompleteRecord(ctx, rec.ID, res.customer, res.outcome)
	if err != nil {
		return eris.Wrapf(err, "pipeline: complete record %s", rec.ID)
	}
	metrics.RecordsFinishedTotal.WithLabelValues(string(model.StatusSuccess), res.outcome.Strategy).Inc()
	log.Info("record succeeded",
		zap.String("status", string(model.StatusSuccess)),
		zap.String("sender", res.outcome.Sender),
		zap.String("strategy", res.outcome.Strategy),
		zap.String("customer_id", saved.ID),
	)

	if src.SourceFile != nil {
		meta := model.MessageMetadata{
			Sender:       res.outcome.Sender,
			Subject:      res.msg.Subject,
			OriginalDate: res.msg.Date,
		}
		if err := j.store.UpdateSourceFileMetadata(ctx, src.SourceFile.ID, meta); err != nil {
			log.Warn("source file metadata backfill failed",
				zap.String("source_file_id", src.SourceFile.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}
