package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eml-intake/internal/blob"
	"github.com/sells-group/eml-intake/internal/dedup"
	"github.com/sells-group/eml-intake/internal/metrics"
	"github.com/sells-group/eml-intake/internal/model"
	"github.com/sells-group/eml-intake/internal/queue"
	"github.com/sells-group/eml-intake/internal/store"
)

const defaultContentType = "message/rfc822"

// Upload rejection kinds.
var (
	ErrFileRequired  = eris.New("file is required")
	ErrInvalidFormat = eris.New("invalid file format")
	ErrFileTooLarge  = eris.New("file too large")
)

// RejectedError is an upload refused before anything was stored. Message is
// safe to show to the uploader.
type RejectedError struct {
	Kind    error
	Message string
}

func (e *RejectedError) Error() string { return e.Message }

func (e *RejectedError) Unwrap() error { return e.Kind }

// Upload is one inbound file.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// UploadResult is the pending record created for an upload. SourceFile is
// nil in legacy mode.
type UploadResult struct {
	Record     *model.Record
	SourceFile *model.SourceFile
}

// IntakeConfig controls upload validation and storage mode.
type IntakeConfig struct {
	MaxBytes  int64
	Extension string
	// Dedup stores content once per checksum. When false, each upload is
	// stored as a direct attachment.
	Dedup bool
}

// Intake validates uploads, stores their bytes and schedules processing.
type Intake struct {
	cfg   IntakeConfig
	store store.Store
	dedup *dedup.Store
	blobs blob.Store
	queue Enqueuer
	log   *zap.Logger
}

// NewIntake creates an Intake.
func NewIntake(cfg IntakeConfig, st store.Store, d *dedup.Store, blobs blob.Store, q Enqueuer) *Intake {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.Extension == "" {
		cfg.Extension = ".eml"
	}
	return &Intake{
		cfg:   cfg,
		store: st,
		dedup: d,
		blobs: blobs,
		queue: q,
		log:   zap.L().With(zap.String("component", "intake")),
	}
}

// Validate checks an upload without storing it.
func (in *Intake) Validate(u Upload) error {
	if len(u.Data) == 0 {
		return &RejectedError{Kind: ErrFileRequired, Message: "file is required"}
	}
	if !strings.HasSuffix(u.Filename, in.cfg.Extension) {
		return &RejectedError{
			Kind:    ErrInvalidFormat,
			Message: fmt.Sprintf("invalid file format, only %s files are accepted", in.cfg.Extension),
		}
	}
	if int64(len(u.Data)) > in.cfg.MaxBytes {
		return in.TooLarge()
	}
	return nil
}

// MaxBytes is the largest accepted upload.
func (in *Intake) MaxBytes() int64 { return in.cfg.MaxBytes }

// TooLarge is the rejection for an upload over MaxBytes, for transports that
// stop reading before the whole body arrives.
func (in *Intake) TooLarge() *RejectedError {
	return &RejectedError{
		Kind:    ErrFileTooLarge,
		Message: fmt.Sprintf("file too large, maximum size is %s", humanSize(in.cfg.MaxBytes)),
	}
}

// Upload stores u and creates a pending record for it. A duplicate in dedup
// mode returns a *dedup.DuplicateError and creates no record.
func (in *Intake) Upload(ctx context.Context, u Upload) (*UploadResult, error) {
	if err := in.Validate(u); err != nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if u.ContentType == "" {
		u.ContentType = defaultContentType
	}
	filename := filepath.Base(u.Filename)

	var (
		res UploadResult
		err error
	)
	if in.cfg.Dedup {
		err = in.uploadDedup(ctx, u, filename, &res)
	} else {
		err = in.uploadLegacy(ctx, u, filename, &res)
	}
	if err != nil {
		outcome := "error"
		if errors.Is(err, dedup.ErrDuplicateContent) {
			outcome = "duplicate"
		}
		metrics.UploadsTotal.WithLabelValues(outcome).Inc()
		return nil, err
	}

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	in.enqueue(ctx, res.Record)
	return &res, nil
}

func (in *Intake) uploadDedup(ctx context.Context, u Upload, filename string, res *UploadResult) error {
	f, err := in.dedup.Submit(ctx, u.Data, filename, u.ContentType)
	if err != nil {
		var dup *dedup.DuplicateError
		if errors.As(err, &dup) {
			in.log.Info("duplicate upload",
				zap.String("filename", filename),
				zap.String("source_file_id", dup.Existing.ID),
			)
			return err
		}
		return eris.Wrap(err, "intake: submit")
	}

	rec := &model.Record{
		Filename:     filename,
		Status:       model.StatusPending,
		SourceFileID: &f.ID,
	}
	if err := in.store.CreateRecord(ctx, rec); err != nil {
		return eris.Wrap(err, "intake: create record")
	}
	res.Record = rec
	res.SourceFile = f
	return nil
}

func (in *Intake) uploadLegacy(ctx context.Context, u Upload, filename string, res *UploadResult) error {
	id := uuid.New().String()
	key := blob.AttachmentKey(id, filename)
	if err := in.blobs.Put(ctx, key, u.Data, u.ContentType); err != nil {
		return eris.Wrap(err, "intake: store attachment")
	}

	rec := &model.Record{
		ID:               id,
		Filename:         filename,
		Status:           model.StatusPending,
		AttachmentHandle: &key,
	}
	if err := in.store.CreateRecord(ctx, rec); err != nil {
		return eris.Wrap(err, "intake: create record")
	}
	res.Record = rec
	return nil
}

// enqueue schedules rec. A lost enqueue is recovered by the watchdog, so the
// error is logged rather than returned.
func (in *Intake) enqueue(ctx context.Context, rec *model.Record) {
	if err := in.queue.Enqueue(ctx, queue.KindProcessRecord, rec.ID); err != nil {
		in.log.Warn("enqueue failed, watchdog will retry",
			zap.String("record_id", rec.ID),
			zap.Error(err),
		)
	}
}

func humanSize(n int64) string {
	const mib = 1 << 20
	if n%mib == 0 {
		return fmt.Sprintf("%dMB", n/mib)
	}
	return fmt.Sprintf("%d bytes", n)
}
