package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eml-intake/internal/db"
)

const migration = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	arg          TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'ready',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	run_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs (run_at) WHERE status = 'ready';
CREATE INDEX IF NOT EXISTS idx_jobs_dead ON jobs (status) WHERE status = 'dead';
CREATE INDEX IF NOT EXISTS idx_jobs_running ON jobs (updated_at) WHERE status = 'running';
`

// Postgres is a Queue backed by the jobs table. Concurrent workers claim with
// FOR UPDATE SKIP LOCKED so each job is delivered to one worker at a time.
type Postgres struct {
	pool   db.Pool
	policy RetryPolicy
	now    func() time.Time
}

// NewPostgres creates a Postgres queue.
func NewPostgres(pool db.Pool, policy RetryPolicy) *Postgres {
	return &Postgres{pool: pool, policy: policy.normalized(), now: time.Now}
}

// Migrate creates the jobs table.
func (q *Postgres) Migrate(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, migration)
	return eris.Wrap(err, "queue: migrate")
}

func (q *Postgres) Enqueue(ctx context.Context, kind, arg string) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, arg, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'ready', 0, $4, now(), now(), now())`,
		uuid.New().String(), kind, arg, q.policy.MaxAttempts,
	)
	return eris.Wrapf(err, "queue: enqueue %s %s", kind, arg)
}

func (q *Postgres) Claim(ctx context.Context) (*Job, error) {
	var j Job
	err := q.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'ready' AND run_at <= now()
			ORDER BY run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, arg, attempts, max_attempts, last_error, run_at, created_at`,
	).Scan(&j.ID, &j.Kind, &j.Arg, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.RunAt, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim")
	}
	j.Status = StatusRunning
	return &j, nil
}

func (q *Postgres) Ack(ctx context.Context, job *Job) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'done', updated_at = now() WHERE id = $1`, job.ID)
	if err != nil {
		return eris.Wrapf(err, "queue: ack %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrUnknownJob, "queue: ack %s", job.ID)
	}
	job.Status = StatusDone
	return nil
}

func (q *Postgres) Nack(ctx context.Context, job *Job, cause error) error {
	status := StatusReady
	runAt := q.now().Add(q.policy.Delay(job.Attempts))
	if job.Exhausted() {
		status = StatusDead
		runAt = q.now()
	}
	msg := describeFailure(cause)

	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, last_error = $2, run_at = $3, updated_at = now() WHERE id = $4`,
		string(status), msg, runAt, job.ID)
	if err != nil {
		return eris.Wrapf(err, "queue: nack %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrUnknownJob, "queue: nack %s", job.ID)
	}
	job.Status = status
	job.LastError = msg
	job.RunAt = runAt
	return nil
}

func (q *Postgres) DeadCount(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE status = 'dead'`).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "queue: count dead")
	}
	return n, nil
}

func (q *Postgres) Reclaim(ctx context.Context, before time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'ready' END,
			last_error = $1, run_at = now(), updated_at = now()
		WHERE status = 'running' AND updated_at < $2`,
		ReasonLeaseExpired, before,
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue: reclaim")
	}
	return int(tag.RowsAffected()), nil
}
