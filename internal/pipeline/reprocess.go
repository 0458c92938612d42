package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eml-intake/internal/model"
	"github.com/sells-group/eml-intake/internal/queue"
	"github.com/sells-group/eml-intake/internal/store"
)

// Reprocess failures.
var (
	ErrSourceFileNotFound       = eris.New("source file not found")
	ErrSourceContentUnavailable = eris.New("source file content not available")
)

// Reprocessor starts a fresh attempt for an already stored SourceFile.
// Earlier records are left untouched.
type Reprocessor struct {
	store    store.Store
	resolver *Resolver
	queue    Enqueuer
	log      *zap.Logger
}

// NewReprocessor creates a Reprocessor.
func NewReprocessor(st store.Store, resolver *Resolver, q Enqueuer) *Reprocessor {
	return &Reprocessor{
		store:    st,
		resolver: resolver,
		queue:    q,
		log:      zap.L().With(zap.String("component", "reprocess")),
	}
}

// Reprocess creates and enqueues a new pending record for sourceFileID.
func (r *Reprocessor) Reprocess(ctx context.Context, sourceFileID string) (*model.Record, error) {
	f, err := r.store.GetSourceFile(ctx, sourceFileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSourceFileNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "reprocess: load source file %s", sourceFileID)
	}

	if _, err := r.resolver.LocateSourceFile(ctx, f); err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			return nil, ErrSourceContentUnavailable
		}
		return nil, eris.Wrapf(err, "reprocess: locate content %s", sourceFileID)
	}

	rec := &model.Record{
		Filename:     f.Filename,
		Status:       model.StatusPending,
		SourceFileID: &f.ID,
	}
	if err := r.store.CreateRecord(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "reprocess: create record")
	}

	if err := r.queue.Enqueue(ctx, queue.KindProcessRecord, rec.ID); err != nil {
		r.log.Warn("enqueue failed, watchdog will retry", zap.String("record_id", rec.ID), zap.Error(err))
	}
	r.log.Info("reprocess scheduled",
		zap.String("source_file_id", f.ID),
		zap.String("record_id", rec.ID),
	)
	return rec, nil
}
