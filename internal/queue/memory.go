package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Memory is an in-process Queue for single-node SQLite mode and tests.
// Jobs do not survive a restart.
type Memory struct {
	mu     sync.Mutex
	jobs   []*Job
	policy RetryPolicy
	now    func() time.Time
}

// NewMemory creates an empty in-memory queue.
func NewMemory(policy RetryPolicy) *Memory {
	return &Memory{policy: policy.normalized(), now: time.Now}
}

func (q *Memory) Enqueue(_ context.Context, kind, arg string) error {
	if kind == "" {
		return eris.New("queue: empty kind")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.jobs = append(q.jobs, &Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Arg:         arg,
		Status:      StatusReady,
		MaxAttempts: q.policy.MaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
	})
	return nil
}

// Claim returns a copy of the earliest due job.
func (q *Memory) Claim(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next *Job
	for _, j := range q.jobs {
		if j.Status != StatusReady || j.RunAt.After(now) {
			continue
		}
		if next == nil || j.RunAt.Before(next.RunAt) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = StatusRunning
	next.Attempts++
	next.claimedAt = now
	claimed := *next
	return &claimed, nil
}

func (q *Memory) Ack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(job.ID)
	if j == nil {
		return eris.Wrapf(ErrUnknownJob, "queue: ack %s", job.ID)
	}
	j.Status = StatusDone
	job.Status = StatusDone
	return nil
}

func (q *Memory) Nack(_ context.Context, job *Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(job.ID)
	if j == nil {
		return eris.Wrapf(ErrUnknownJob, "queue: nack %s", job.ID)
	}
	j.LastError = describeFailure(cause)
	if j.Exhausted() {
		j.Status = StatusDead
	} else {
		j.Status = StatusReady
		j.RunAt = q.now().Add(q.policy.Delay(j.Attempts))
	}
	*job = *j
	return nil
}

func (q *Memory) DeadCount(_ context.Context) (int, error) {
	return q.count(StatusDead), nil
}

func (q *Memory) Reclaim(_ context.Context, before time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status != StatusRunning || !j.claimedAt.Before(before) {
			continue
		}
		j.LastError = ReasonLeaseExpired
		if j.Exhausted() {
			j.Status = StatusDead
		} else {
			j.Status = StatusReady
			j.RunAt = q.now()
		}
		n++
	}
	return n, nil
}

// Ready counts jobs waiting for delivery, due or not.
func (q *Memory) Ready() int {
	return q.count(StatusReady)
}

// Jobs returns a snapshot of every job.
func (q *Memory) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.jobs))
	for i, j := range q.jobs {
		out[i] = *j
	}
	return out
}

func (q *Memory) count(s Status) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == s {
			n++
		}
	}
	return n
}

func (q *Memory) find(id string) *Job {
	for _, j := range q.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}
