package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eml-intake/internal/db"
	"github.com/sells-group/eml-intake/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that share it,
// such as the durable job queue.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS source_files (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	handle        TEXT NOT NULL,
	filename      TEXT NOT NULL,
	byte_size     BIGINT NOT NULL,
	content_type  TEXT NOT NULL DEFAULT '',
	checksum      TEXT NOT NULL,
	sender        TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	original_date TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	discarded_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS customers (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name          TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	phone_e164    TEXT NOT NULL DEFAULT '',
	product_code  TEXT NOT NULL DEFAULT '',
	email_subject TEXT NOT NULL DEFAULT '',
	contact_key   TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	discarded_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	filename          TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'success', 'failed')),
	sender            TEXT NOT NULL DEFAULT '',
	strategy          TEXT NOT NULL DEFAULT '',
	fields            JSONB NOT NULL DEFAULT '{}'::jsonb,
	error_message     TEXT NOT NULL DEFAULT '',
	source_file_id    TEXT REFERENCES source_files(id),
	attachment_handle TEXT,
	customer_id       TEXT REFERENCES customers(id),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	discarded_at      TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_source_files_checksum ON source_files(checksum) WHERE discarded_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_source_files_created_at ON source_files(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_contact_key ON customers(contact_key) WHERE discarded_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_records_status_created_at ON records(status, created_at);
CREATE INDEX IF NOT EXISTS idx_records_status_updated_at ON records(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_records_source_file_id ON records(source_file_id);
CREATE INDEX IF NOT EXISTS idx_records_customer_id ON records(customer_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Source files ---

const pgSourceFileColumns = `id, handle, filename, byte_size, content_type, checksum, sender, subject, original_date, created_at, updated_at`

func (s *PostgresStore) CreateSourceFile(ctx context.Context, f *model.SourceFile) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_files (`+pgSourceFileColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.Handle, f.Filename, f.ByteSize, f.ContentType, f.Checksum,
		f.Sender, f.Subject, f.OriginalDate, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrDuplicateChecksum, "postgres: insert source file %s", f.Checksum)
		}
		return eris.Wrap(err, "postgres: insert source file")
	}
	return nil
}

func (s *PostgresStore) GetSourceFile(ctx context.Context, id string) (*model.SourceFile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgSourceFileColumns+` FROM source_files WHERE id = $1 AND discarded_at IS NULL`, id)
	f, err := pgScanSourceFile(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get source file %s", id)
	}
	return f, nil
}

func (s *PostgresStore) GetSourceFileByChecksum(ctx context.Context, checksum string) (*model.SourceFile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgSourceFileColumns+` FROM source_files WHERE checksum = $1 AND discarded_at IS NULL`, checksum)
	f, err := pgScanSourceFile(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get source file by checksum %s", checksum)
	}
	return f, nil
}

func (s *PostgresStore) UpdateSourceFileMetadata(ctx context.Context, id string, meta model.MessageMetadata) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE source_files SET sender = $1, subject = $2, original_date = $3, updated_at = now()
		 WHERE id = $4 AND discarded_at IS NULL`,
		meta.Sender, meta.Subject, meta.OriginalDate, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source file metadata %s", id)
	}
	return pgCheckRowsAffected(tag, "source file", id)
}

func (s *PostgresStore) DiscardOrphanSourceFiles(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE source_files SET discarded_at = now(), updated_at = now()
		 WHERE discarded_at IS NULL AND created_at < $1
		   AND NOT EXISTS (SELECT 1 FROM records r WHERE r.source_file_id = source_files.id)`,
		before,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: discard orphan source files")
	}
	return tag.RowsAffected(), nil
}

// --- Records ---

const pgRecordColumns = `id, filename, status, sender, strategy, fields, error_message, source_file_id, attachment_handle, customer_id, created_at, updated_at`

func (s *PostgresStore) CreateRecord(ctx context.Context, r *model.Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = model.StatusPending
	}
	if r.Fields == nil {
		r.Fields = model.Fields{}
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}

	fieldsJSON, err := json.Marshal(r.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fields")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (`+pgRecordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.Filename, string(r.Status), r.Sender, r.Strategy, fieldsJSON, r.ErrorMessage,
		r.SourceFileID, r.AttachmentHandle, r.CustomerID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert record")
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgRecordColumns+` FROM records WHERE id = $1 AND discarded_at IS NULL`, id)
	r, err := pgScanRecord(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	var (
		conds []string
		args  []any
	)
	conds = append(conds, "discarded_at IS NULL")
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SourceFileID != "" {
		args = append(args, filter.SourceFileID)
		conds = append(conds, fmt.Sprintf("source_file_id = $%d", len(args)))
	}
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)

	query := fmt.Sprintf(`SELECT %s FROM records WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		pgRecordColumns, strings.Join(conds, " AND "), len(args)-1, len(args))
	return s.queryRecords(ctx, query, args...)
}

func (s *PostgresStore) ClaimRecord(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET status = 'processing', updated_at = now()
		 WHERE id = $1 AND status = 'pending' AND discarded_at IS NULL`, id)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim record %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

const pgUpsertCustomer = `
INSERT INTO customers (id, name, email, phone, phone_e164, product_code, email_subject, contact_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
ON CONFLICT (contact_key) WHERE discarded_at IS NULL DO UPDATE SET
	name          = EXCLUDED.name,
	email         = COALESCE(NULLIF(EXCLUDED.email, ''), customers.email),
	phone         = COALESCE(NULLIF(EXCLUDED.phone, ''), customers.phone),
	phone_e164    = COALESCE(NULLIF(EXCLUDED.phone_e164, ''), customers.phone_e164),
	product_code  = COALESCE(NULLIF(EXCLUDED.product_code, ''), customers.product_code),
	email_subject = EXCLUDED.email_subject,
	updated_at    = now()
RETURNING id, created_at, updated_at`

func (s *PostgresStore) CompleteRecord(ctx context.Context, id string, c *model.Customer, out model.Outcome) (*model.Customer, error) {
	key := c.ContactKey()
	if key == "" {
		return nil, eris.New("postgres: customer has no contact key")
	}
	fieldsJSON, err := json.Marshal(out.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal fields")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	saved := *c
	err = tx.QueryRow(ctx, pgUpsertCustomer,
		uuid.New().String(), c.Name, c.Email, c.Phone, c.PhoneE164, c.ProductCode, c.EmailSubject, key,
	).Scan(&saved.ID, &saved.CreatedAt, &saved.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert customer")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE records SET status = 'success', customer_id = $1, sender = $2, strategy = $3, fields = $4,
		 error_message = '', updated_at = now()
		 WHERE id = $5 AND status = 'processing'`,
		saved.ID, out.Sender, out.Strategy, fieldsJSON, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: complete record %s", id)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrNotProcessing, "record %s", id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit")
	}
	return &saved, nil
}

func (s *PostgresStore) FailRecord(ctx context.Context, id string, reason string, out model.Outcome) error {
	if strings.TrimSpace(reason) == "" {
		return eris.New("postgres: fail record requires a reason")
	}
	fieldsJSON, err := json.Marshal(out.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fields")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET status = 'failed', error_message = $1, sender = $2, strategy = $3, fields = $4, updated_at = now()
		 WHERE id = $5 AND status = 'processing'`,
		reason, out.Sender, out.Strategy, fieldsJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail record %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotProcessing, "record %s", id)
	}
	return nil
}

func (s *PostgresStore) ListStaleRecords(ctx context.Context, status model.Status, before time.Time, limit int) ([]model.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+pgRecordColumns+` FROM records
		 WHERE status = $1 AND discarded_at IS NULL AND updated_at < $2
		 ORDER BY updated_at LIMIT $3`,
		string(status), before, normalizeLimit(limit),
	)
}

func (s *PostgresStore) CountRecordsByStatus(ctx context.Context, since time.Time) (model.StatusCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM records
		 WHERE discarded_at IS NULL AND updated_at >= $1
		 GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count records")
	}
	defer rows.Close()

	counts := model.StatusCounts{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.Status(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate counts")
}

func (s *PostgresStore) DiscardRecords(ctx context.Context, status model.Status, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET discarded_at = now(), updated_at = now()
		 WHERE status = $1 AND discarded_at IS NULL AND created_at < $2`,
		string(status), before,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: discard %s records", status)
	}
	return tag.RowsAffected(), nil
}

// --- Customers ---

func (s *PostgresStore) GetCustomer(ctx context.Context, id string) (*model.Customer, error) {
	var c model.Customer
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, phone, phone_e164, product_code, email_subject, created_at, updated_at
		 FROM customers WHERE id = $1 AND discarded_at IS NULL`, id,
	).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.PhoneE164, &c.ProductCode, &c.EmailSubject, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get customer %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get customer %s", id)
	}
	return &c, nil
}

// DiscardCustomer soft-deletes the customer and detaches its records.
func (s *PostgresStore) DiscardCustomer(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE customers SET discarded_at = now(), updated_at = now() WHERE id = $1 AND discarded_at IS NULL`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: discard customer %s", id)
	}
	if err := pgCheckRowsAffected(tag, "customer", id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE records SET customer_id = NULL, updated_at = now() WHERE customer_id = $1`, id); err != nil {
		return eris.Wrapf(err, "postgres: detach records from customer %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

// --- helpers ---

func pgCheckRowsAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query records")
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := pgScanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: iterate records")
}

func pgScanSourceFile(row scannable) (*model.SourceFile, error) {
	var f model.SourceFile
	err := row.Scan(&f.ID, &f.Handle, &f.Filename, &f.ByteSize, &f.ContentType, &f.Checksum,
		&f.Sender, &f.Subject, &f.OriginalDate, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan source file")
	}
	return &f, nil
}

func pgScanRecord(row scannable) (*model.Record, error) {
	var r model.Record
	var status string
	var fieldsJSON []byte
	err := row.Scan(&r.ID, &r.Filename, &status, &r.Sender, &r.Strategy, &fieldsJSON, &r.ErrorMessage,
		&r.SourceFileID, &r.AttachmentHandle, &r.CustomerID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan record")
	}
	r.Status = model.Status(status)
	if err := r.Fields.Scan(fieldsJSON); err != nil {
		return nil, err
	}
	return &r, nil
}
