// Package dedup stores uploaded messages once per distinct content.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eml-intake/internal/blob"
	"github.com/sells-group/eml-intake/internal/model"
	"github.com/sells-group/eml-intake/internal/store"
)

// ErrDuplicateContent matches any *DuplicateError via errors.Is.
var ErrDuplicateContent = eris.New("dedup: content already ingested")

// DuplicateError reports that identical bytes are already stored.
type DuplicateError struct {
	Existing *model.SourceFile
}

func (e *DuplicateError) Error() string {
	if e.Existing == nil {
		return ErrDuplicateContent.Error()
	}
	return ErrDuplicateContent.Error() + " as source file " + e.Existing.ID
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateContent }

// Store writes content to a blob store and registers it as a SourceFile.
type Store struct {
	files store.Store
	blobs blob.Store
	log   *zap.Logger
}

// New creates a dedup Store.
func New(files store.Store, blobs blob.Store) *Store {
	return &Store{
		files: files,
		blobs: blobs,
		log:   zap.L().With(zap.String("component", "dedup")),
	}
}

// Checksum is the lowercase hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Submit stores data unless a live SourceFile already holds the same
// checksum, in which case it returns a *DuplicateError.
func (s *Store) Submit(ctx context.Context, data []byte, filename, contentType string) (*model.SourceFile, error) {
	if len(data) == 0 {
		return nil, eris.New("dedup: empty content")
	}

	checksum := Checksum(data)
	existing, err := s.files.GetSourceFileByChecksum(ctx, checksum)
	switch {
	case err == nil:
		return nil, &DuplicateError{Existing: existing}
	case !errors.Is(err, store.ErrNotFound):
		return nil, eris.Wrap(err, "dedup: lookup checksum")
	}

	key := blob.ContentKey(checksum)
	if err := s.blobs.Put(ctx, key, data, contentType); err != nil {
		return nil, eris.Wrap(err, "dedup: put content")
	}

	f := &model.SourceFile{
		Handle:      key,
		Filename:    filename,
		ByteSize:    int64(len(data)),
		ContentType: contentType,
		Checksum:    checksum,
	}
	if err := s.files.CreateSourceFile(ctx, f); err != nil {
		if !errors.Is(err, store.ErrDuplicateChecksum) {
			return nil, eris.Wrap(err, "dedup: create source file")
		}
		// Lost the insert race; report the winner.
		winner, lerr := s.files.GetSourceFileByChecksum(ctx, checksum)
		if lerr != nil {
			return nil, eris.Wrap(lerr, "dedup: lookup checksum after conflict")
		}
		return nil, &DuplicateError{Existing: winner}
	}

	s.log.Debug("stored source file",
		zap.String("source_file_id", f.ID),
		zap.String("checksum", checksum),
		zap.Int64("byte_size", f.ByteSize),
	)
	return f, nil
}
