package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eml-intake/internal/model"
)

// Sentinel errors shared by every Store implementation.
var (
	// ErrNotFound is returned when a row does not exist or is soft-deleted.
	ErrNotFound = eris.New("store: not found")
	// ErrDuplicateChecksum is returned when a live source file already holds
	// the checksum.
	ErrDuplicateChecksum = eris.New("store: duplicate checksum")
	// ErrNotProcessing is returned when a terminal write finds the record no
	// longer in the processing state.
	ErrNotProcessing = eris.New("store: record is not processing")
)

// RecordFilter specifies criteria for listing records.
type RecordFilter struct {
	Status       model.Status `json:"status,omitempty"`
	SourceFileID string       `json:"source_file_id,omitempty"`
	Limit        int          `json:"limit,omitempty"`
	Offset       int          `json:"offset,omitempty"`
}

// Store defines the persistence interface for the intake pipeline. Reads
// exclude soft-deleted rows.
type Store interface {
	// Source files
	CreateSourceFile(ctx context.Context, f *model.SourceFile) error
	GetSourceFile(ctx context.Context, id string) (*model.SourceFile, error)
	GetSourceFileByChecksum(ctx context.Context, checksum string) (*model.SourceFile, error)
	UpdateSourceFileMetadata(ctx context.Context, id string, meta model.MessageMetadata) error
	DiscardOrphanSourceFiles(ctx context.Context, before time.Time) (int64, error)

	// Records
	CreateRecord(ctx context.Context, r *model.Record) error
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error)
	// ClaimRecord moves a pending record to processing. It returns false when
	// the record was not pending, so another delivery already claimed it.
	ClaimRecord(ctx context.Context, id string) (bool, error)
	// CompleteRecord upserts the customer and marks the record successful in
	// one transaction. The returned customer carries the persisted ID.
	CompleteRecord(ctx context.Context, id string, c *model.Customer, out model.Outcome) (*model.Customer, error)
	FailRecord(ctx context.Context, id string, reason string, out model.Outcome) error
	ListStaleRecords(ctx context.Context, status model.Status, before time.Time, limit int) ([]model.Record, error)
	CountRecordsByStatus(ctx context.Context, since time.Time) (model.StatusCounts, error)
	DiscardRecords(ctx context.Context, status model.Status, before time.Time) (int64, error)

	// Customers
	GetCustomer(ctx context.Context, id string) (*model.Customer, error)
	DiscardCustomer(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
