// Package queue delivers background jobs to a worker pool with retries,
// exponential backoff and dead letters.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eml-intake/internal/resilience"
)

// KindProcessRecord runs the pipeline job for one record. Arg is the record ID.
const KindProcessRecord = "process_record"

// Status of a job row.
type Status string

const (
	StatusReady   Status = "ready"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// ErrUnknownJob is returned by Ack and Nack for a job the queue does not hold.
var ErrUnknownJob = eris.New("queue: unknown job")

// Job is one unit of background work.
type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Arg         string    `json:"arg"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	RunAt       time.Time `json:"run_at"`
	CreatedAt   time.Time `json:"created_at"`

	claimedAt time.Time
}

// Exhausted reports whether the job has used all its attempts.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Queue is a durable job queue. Claim returns (nil, nil) when no job is due.
type Queue interface {
	Enqueue(ctx context.Context, kind, arg string) error
	Claim(ctx context.Context) (*Job, error)
	// Ack marks a claimed job done.
	Ack(ctx context.Context, job *Job) error
	// Nack records cause and either reschedules the job with backoff or marks
	// it dead once its attempts are exhausted.
	Nack(ctx context.Context, job *Job, cause error) error
	DeadCount(ctx context.Context) (int, error)
	// Reclaim returns jobs left running since before the cutoff, by a worker
	// that crashed mid-job, to ready, or marks them dead when their attempts
	// are exhausted. It returns the number of jobs touched.
	Reclaim(ctx context.Context, before time.Time) (int, error)
}

// ReasonLeaseExpired is the last_error of a reclaimed job.
const ReasonLeaseExpired = "worker lease expired"

// RetryPolicy decides attempts and the delay between them.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
}

// DefaultRetryPolicy is five attempts starting at 5s, capped at 10m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Base: 5 * time.Second, Max: 10 * time.Minute, Jitter: 0.2}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay is the wait before the next attempt after attempts deliveries.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return resilience.Backoff(attempts-1, p.Base, p.Max, 2, p.Jitter)
}

// describeFailure prefixes cause with its transient/permanent class.
func describeFailure(cause error) string {
	if cause == nil {
		return ""
	}
	return "[" + resilience.Classify(cause) + "] " + cause.Error()
}
