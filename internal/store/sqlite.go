package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/eml-intake/internal/db"
	"github.com/sells-group/eml-intake/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; concurrent transactions would otherwise fail with
	// SQLITE_BUSY on lock upgrade.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

// Timestamps are stored as fixed-width UTC text so that lexical comparison
// matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func parseNullTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source_files (
	id            TEXT PRIMARY KEY,
	handle        TEXT NOT NULL,
	filename      TEXT NOT NULL,
	byte_size     INTEGER NOT NULL,
	content_type  TEXT NOT NULL DEFAULT '',
	checksum      TEXT NOT NULL,
	sender        TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	original_date TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	discarded_at  TEXT
);

CREATE TABLE IF NOT EXISTS customers (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	phone_e164    TEXT NOT NULL DEFAULT '',
	product_code  TEXT NOT NULL DEFAULT '',
	email_subject TEXT NOT NULL DEFAULT '',
	contact_key   TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	discarded_at  TEXT
);

CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	filename          TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'success', 'failed')),
	sender            TEXT NOT NULL DEFAULT '',
	strategy          TEXT NOT NULL DEFAULT '',
	fields            TEXT NOT NULL DEFAULT '{}',
	error_message     TEXT NOT NULL DEFAULT '',
	source_file_id    TEXT REFERENCES source_files(id),
	attachment_handle TEXT,
	customer_id       TEXT REFERENCES customers(id),
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	discarded_at      TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_source_files_checksum ON source_files(checksum) WHERE discarded_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_source_files_created_at ON source_files(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_contact_key ON customers(contact_key) WHERE discarded_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_records_status_created_at ON records(status, created_at);
CREATE INDEX IF NOT EXISTS idx_records_status_updated_at ON records(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_records_source_file_id ON records(source_file_id);
CREATE INDEX IF NOT EXISTS idx_records_customer_id ON records(customer_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// --- Source files ---

const sourceFileColumns = `id, handle, filename, byte_size, content_type, checksum, sender, subject, original_date, created_at, updated_at`

func (s *SQLiteStore) CreateSourceFile(ctx context.Context, f *model.SourceFile) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_files (`+sourceFileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Handle, f.Filename, f.ByteSize, f.ContentType, f.Checksum,
		f.Sender, f.Subject, nullTS(f.OriginalDate), ts(f.CreatedAt), ts(f.UpdatedAt),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrDuplicateChecksum, "sqlite: insert source file %s", f.Checksum)
		}
		return eris.Wrap(err, "sqlite: insert source file")
	}
	return nil
}

func (s *SQLiteStore) GetSourceFile(ctx context.Context, id string) (*model.SourceFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceFileColumns+` FROM source_files WHERE id = ? AND discarded_at IS NULL`, id)
	f, err := scanSourceFile(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source file %s", id)
	}
	return f, nil
}

func (s *SQLiteStore) GetSourceFileByChecksum(ctx context.Context, checksum string) (*model.SourceFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceFileColumns+` FROM source_files WHERE checksum = ? AND discarded_at IS NULL`, checksum)
	f, err := scanSourceFile(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source file by checksum %s", checksum)
	}
	return f, nil
}

func (s *SQLiteStore) UpdateSourceFileMetadata(ctx context.Context, id string, meta model.MessageMetadata) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_files SET sender = ?, subject = ?, original_date = ?, updated_at = ?
		 WHERE id = ? AND discarded_at IS NULL`,
		meta.Sender, meta.Subject, nullTS(meta.OriginalDate), ts(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source file metadata %s", id)
	}
	return checkRowsAffected(res, "source file", id)
}

func (s *SQLiteStore) DiscardOrphanSourceFiles(ctx context.Context, before time.Time) (int64, error) {
	now := ts(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_files SET discarded_at = ?, updated_at = ?
		 WHERE discarded_at IS NULL AND created_at < ?
		   AND NOT EXISTS (SELECT 1 FROM records r WHERE r.source_file_id = source_files.id)`,
		now, now, ts(before),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: discard orphan source files")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return n, nil
}

// --- Records ---

const recordColumns = `id, filename, status, sender, strategy, fields, error_message, source_file_id, attachment_handle, customer_id, created_at, updated_at`

func (s *SQLiteStore) CreateRecord(ctx context.Context, r *model.Record) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Filename, string(r.Status), r.Sender, r.Strategy, r.Fields, r.ErrorMessage,
		r.SourceFileID, r.AttachmentHandle, r.CustomerID, ts(r.CreatedAt), ts(r.UpdatedAt),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert record")
	}
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ? AND discarded_at IS NULL`, id)
	r, err := scanRecord(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE discarded_at IS NULL`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SourceFileID != "" {
		query += ` AND source_file_id = ?`
		args = append(args, filter.SourceFileID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)

	return s.queryRecords(ctx, query, args...)
}

func (s *SQLiteStore) ClaimRecord(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND discarded_at IS NULL`,
		string(model.StatusProcessing), ts(time.Now()), id, string(model.StatusPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim record %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

const sqliteUpsertCustomer = `
INSERT INTO customers (id, name, email, phone, phone_e164, product_code, email_subject, contact_key, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (contact_key) WHERE discarded_at IS NULL DO UPDATE SET
	name          = excluded.name,
	email         = COALESCE(NULLIF(excluded.email, ''), customers.email),
	phone         = COALESCE(NULLIF(excluded.phone, ''), customers.phone),
	phone_e164    = COALESCE(NULLIF(excluded.phone_e164, ''), customers.phone_e164),
	product_code  = COALESCE(NULLIF(excluded.product_code, ''), customers.product_code),
	email_subject = excluded.email_subject,
	updated_at    = excluded.updated_at
RETURNING id, created_at`

func (s *SQLiteStore) CompleteRecord(ctx context.Context, id string, c *model.Customer, out model.Outcome) (*model.Customer, error) {
	key := c.ContactKey()
	if key == "" {
		return nil, eris.New("sqlite: customer has no contact key")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	saved := *c
	var createdAt string
	err = tx.QueryRowContext(ctx, sqliteUpsertCustomer,
		uuid.New().String(), c.Name, c.Email, c.Phone, c.PhoneE164, c.ProductCode, c.EmailSubject,
		key, ts(now), ts(now),
	).Scan(&saved.ID, &createdAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert customer")
	}
	if saved.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	saved.UpdatedAt = now

	fields := out.Fields
	if fields == nil {
		fields = model.Fields{}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE records SET status = ?, customer_id = ?, sender = ?, strategy = ?, fields = ?,
		 error_message = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusSuccess), saved.ID, out.Sender, out.Strategy, fields, ts(now),
		id, string(model.StatusProcessing),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: complete record %s", id)
	}
	if err := checkTransition(res, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit")
	}
	return &saved, nil
}

func (s *SQLiteStore) FailRecord(ctx context.Context, id string, reason string, out model.Outcome) error {
	if strings.TrimSpace(reason) == "" {
		return eris.New("sqlite: fail record requires a reason")
	}
	fields := out.Fields
	if fields == nil {
		fields = model.Fields{}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, error_message = ?, sender = ?, strategy = ?, fields = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusFailed), reason, out.Sender, out.Strategy, fields, ts(time.Now()),
		id, string(model.StatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail record %s", id)
	}
	return checkTransition(res, id)
}

func (s *SQLiteStore) ListStaleRecords(ctx context.Context, status model.Status, before time.Time, limit int) ([]model.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE status = ? AND discarded_at IS NULL AND updated_at < ?
		 ORDER BY updated_at LIMIT ?`,
		string(status), ts(before), normalizeLimit(limit),
	)
}

func (s *SQLiteStore) CountRecordsByStatus(ctx context.Context, since time.Time) (model.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM records
		 WHERE discarded_at IS NULL AND updated_at >= ?
		 GROUP BY status`, ts(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count records")
	}
	defer rows.Close()

	counts := model.StatusCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate counts")
}

func (s *SQLiteStore) DiscardRecords(ctx context.Context, status model.Status, before time.Time) (int64, error) {
	now := ts(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET discarded_at = ?, updated_at = ?
		 WHERE status = ? AND discarded_at IS NULL AND created_at < ?`,
		now, now, string(status), ts(before),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: discard %s records", status)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return n, nil
}

// --- Customers ---

func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*model.Customer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, phone, phone_e164, product_code, email_subject, created_at, updated_at
		 FROM customers WHERE id = ? AND discarded_at IS NULL`, id)

	var c model.Customer
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.PhoneE164, &c.ProductCode, &c.EmailSubject, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get customer %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get customer %s", id)
	}
	if c.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// DiscardCustomer soft-deletes the customer and detaches its records.
func (s *SQLiteStore) DiscardCustomer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := ts(time.Now())
	res, err := tx.ExecContext(ctx,
		`UPDATE customers SET discarded_at = ?, updated_at = ? WHERE id = ? AND discarded_at IS NULL`,
		now, now, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: discard customer %s", id)
	}
	if err := checkRowsAffected(res, "customer", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET customer_id = NULL, updated_at = ? WHERE customer_id = ?`, now, id); err != nil {
		return eris.Wrapf(err, "sqlite: detach records from customer %s", id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func checkTransition(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotProcessing, "record %s", id)
	}
	return nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query records")
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSourceFile(row scannable) (*model.SourceFile, error) {
	var f model.SourceFile
	var originalDate sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&f.ID, &f.Handle, &f.Filename, &f.ByteSize, &f.ContentType, &f.Checksum,
		&f.Sender, &f.Subject, &originalDate, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan source file")
	}
	if f.OriginalDate, err = parseNullTS(originalDate); err != nil {
		return nil, err
	}
	if f.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if f.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanRecord(row scannable) (*model.Record, error) {
	var r model.Record
	var status string
	var sourceFileID, attachment, customerID sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.Filename, &status, &r.Sender, &r.Strategy, &r.Fields, &r.ErrorMessage,
		&sourceFileID, &attachment, &customerID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan record")
	}
	r.Status = model.Status(status)
	r.SourceFileID = nullString(sourceFileID)
	r.AttachmentHandle = nullString(attachment)
	r.CustomerID = nullString(customerID)
	if r.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
