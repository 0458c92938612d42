package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eml-intake/internal/blob"
	"github.com/sells-group/eml-intake/internal/model"
	"github.com/sells-group/eml-intake/internal/resilience"
	"github.com/sells-group/eml-intake/internal/store"
)

// ErrSourceUnavailable is returned when a record's bytes cannot be located.
var ErrSourceUnavailable = eris.New("pipeline: source content not available")

// Source is the located raw message of a record.
type Source struct {
	// SourceFile is set in dedup mode, nil for legacy attachments.
	SourceFile *model.SourceFile
	Handle     string
}

// Resolver locates and reads record content. Records reference either a
// SourceFile (dedup mode) or a direct attachment handle (legacy mode).
type Resolver struct {
	files store.Store
	blobs blob.Store
	retry resilience.RetryConfig
}

// NewResolver creates a Resolver. Blob reads retry transient errors.
func NewResolver(files store.Store, blobs blob.Store) *Resolver {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("pipeline", "read_source")
	return &Resolver{files: files, blobs: blobs, retry: cfg}
}

// Locate finds the content a record refers to and checks that it exists and
// is non-empty. The error wraps ErrSourceUnavailable when it does not.
func (r *Resolver) Locate(ctx context.Context, rec *model.Record) (*Source, error) {
	var src Source
	switch {
	case rec.SourceFileID != nil:
		f, err := r.files.GetSourceFile(ctx, *rec.SourceFileID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrSourceUnavailable, "source file %s", *rec.SourceFileID)
		}
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: load source file")
		}
		src = Source{SourceFile: f, Handle: f.Handle}
	case rec.AttachmentHandle != nil && *rec.AttachmentHandle != "":
		src = Source{Handle: *rec.AttachmentHandle}
	default:
		return nil, eris.Wrapf(ErrSourceUnavailable, "record %s has no content reference", rec.ID)
	}

	if err := r.checkContent(ctx, src.Handle); err != nil {
		return nil, err
	}
	return &src, nil
}

// LocateSourceFile is Locate for a SourceFile ID, used by reprocess.
func (r *Resolver) LocateSourceFile(ctx context.Context, f *model.SourceFile) (*Source, error) {
	if err := r.checkContent(ctx, f.Handle); err != nil {
		return nil, err
	}
	return &Source{SourceFile: f, Handle: f.Handle}, nil
}

// Read returns the bytes for src.
func (r *Resolver) Read(ctx context.Context, src *Source) ([]byte, error) {
	data, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) ([]byte, error) {
		return blob.ReadAll(ctx, r.blobs, src.Handle)
	})
	if errors.Is(err, blob.ErrNotFound) {
		return nil, eris.Wrapf(ErrSourceUnavailable, "blob %s", src.Handle)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read %s", src.Handle)
	}
	return data, nil
}

func (r *Resolver) checkContent(ctx context.Context, handle string) error {
	size, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) (int64, error) {
		return r.blobs.Stat(ctx, handle)
	})
	if errors.Is(err, blob.ErrNotFound) {
		return eris.Wrapf(ErrSourceUnavailable, "blob %s", handle)
	}
	if err != nil {
		return eris.Wrapf(err, "pipeline: stat %s", handle)
	}
	if size == 0 {
		return eris.Wrapf(ErrSourceUnavailable, "blob %s is empty", handle)
	}
	return nil
}
