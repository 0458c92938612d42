package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eml-intake/internal/model"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Record metrics (updated within the lookback window).
	RecordsPending    int     `json:"records_pending"`
	RecordsProcessing int     `json:"records_processing"`
	RecordsSuccess    int     `json:"records_success"`
	RecordsFailed     int     `json:"records_failed"`
	FailureRate       float64 `json:"failure_rate"`

	// StuckProcessing counts records in processing longer than the
	// processing timeout, regardless of the lookback window.
	StuckProcessing int `json:"stuck_processing"`

	// DeadJobs is the number of queue jobs that exhausted their attempts.
	DeadJobs int `json:"dead_jobs"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished returns the number of records in a terminal state.
func (s *MetricsSnapshot) Finished() int {
	return s.RecordsSuccess + s.RecordsFailed
}

// RecordQuerier abstracts the store methods needed by the collector.
type RecordQuerier interface {
	CountRecordsByStatus(ctx context.Context, since time.Time) (model.StatusCounts, error)
	ListStaleRecords(ctx context.Context, status model.Status, before time.Time, limit int) ([]model.Record, error)
}

// DeadCounter abstracts the queue method needed by the collector.
type DeadCounter interface {
	DeadCount(ctx context.Context) (int, error)
}

// stuckScanLimit caps the stale scan; alerting only needs to know the
// threshold was crossed.
const stuckScanLimit = 1000

// Collector gathers metrics from the store and job queue.
type Collector struct {
	records    RecordQuerier
	queue      DeadCounter
	stuckAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a new metrics collector. stuckAfter is the processing
// timeout; q may be nil when no durable queue is configured.
func NewCollector(records RecordQuerier, q DeadCounter, stuckAfter time.Duration) *Collector {
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	return &Collector{records: records, queue: q, stuckAfter: stuckAfter, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	counts, err := c.records.CountRecordsByStatus(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count records")
	}
	snap.RecordsPending = counts[model.StatusPending]
	snap.RecordsProcessing = counts[model.StatusProcessing]
	snap.RecordsSuccess = counts[model.StatusSuccess]
	snap.RecordsFailed = counts[model.StatusFailed]
	if finished := snap.Finished(); finished > 0 {
		snap.FailureRate = float64(snap.RecordsFailed) / float64(finished)
	}

	stuck, err := c.records.ListStaleRecords(ctx, model.StatusProcessing, now.Add(-c.stuckAfter), stuckScanLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list stuck records")
	}
	snap.StuckProcessing = len(stuck)

	if c.queue != nil {
		dead, err := c.queue.DeadCount(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count dead jobs")
		}
		snap.DeadJobs = dead
	}

	return snap, nil
}
