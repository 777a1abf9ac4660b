package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mail-migrator/internal/mapper"
)

//go:embed schema.sql
var schemaSQL string

const (
	// DriverModernc is the pure Go driver
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver
	DriverMattn = "sqlite3"
)

// Store is the durable record of migration jobs, their progress events,
// folder mappings and the outbox feeding the event bus
type Store struct {
	DB *sql.DB
}

// JobRecord is one row of migration_jobs
type JobRecord struct {
	ID          string
	Source      string
	Destination string
	Status      string
	// RequestJSON holds scope and options, CountersJSON the last counters
	RequestJSON  string
	CountersJSON string
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProgressRecord is one persisted progress event
type ProgressRecord struct {
	JobID   string
	Seq     uint64
	TS      time.Time
	Payload []byte
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID        int64
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
	Retries   int
}

// Open opens or creates the database at dbPath with driver (DriverModernc
// when empty)
func Open(dbPath, driver string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var dsn string
	switch driver {
	case "", DriverModernc:
		driver = DriverModernc
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	case DriverMattn:
		dsn = dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	// Apply schema
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// SaveJob inserts or updates a job row
func (s *Store) SaveJob(ctx context.Context, job JobRecord) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO migration_jobs
		(id, source, destination, status, request_json, counters_json, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			counters_json = excluded.counters_json,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, job.ID, job.Source, job.Destination, job.Status, job.RequestJSON, job.CountersJSON,
		nullString(job.LastError), job.CreatedAt.Unix(), job.UpdatedAt.Unix())

	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// LoadJob returns the job row, or nil when there is none
func (s *Store) LoadJob(ctx context.Context, id string) (*JobRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, source, destination, status, request_json, counters_json, last_error, created_at, updated_at
		FROM migration_jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

// ListJobs returns every job, newest first
func (s *Store) ListJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, source, destination, status, request_json, counters_json, last_error, created_at, updated_at
		FROM migration_jobs ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*JobRecord, error) {
	var job JobRecord
	var lastError sql.NullString
	var created, updated int64
	if err := row.Scan(&job.ID, &job.Source, &job.Destination, &job.Status, &job.RequestJSON,
		&job.CountersJSON, &lastError, &created, &updated); err != nil {
		return nil, err
	}
	job.LastError = lastError.String
	job.CreatedAt = time.Unix(created, 0).UTC()
	job.UpdatedAt = time.Unix(updated, 0).UTC()
	return &job, nil
}

// AppendProgress stores a progress event and its outbox entry atomically
func (s *Store) AppendProgress(ctx context.Context, ev ProgressRecord, out OutboxMessage) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := s.AppendProgressTx(ctx, tx, ev, out); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AppendProgressTx appends a progress event and outbox entry in a transaction.
// Replays of the same (job, seq) are ignored.
func (s *Store) AppendProgressTx(ctx context.Context, tx *sql.Tx, ev ProgressRecord, out OutboxMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO progress_events (job_id, seq, ts, payload)
		VALUES (?, ?, ?, ?)
	`, ev.JobID, int64(ev.Seq), ev.TS.UnixMilli(), ev.Payload)

	if err != nil {
		return fmt.Errorf("failed to insert progress event: %w", err)
	}

	// Insert outbox entry
	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, out.Subject, out.EventType, out.Payload, out.MsgID, now)

	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return nil
}

// LoadProgress returns the events of jobID with seq > afterSeq in order
func (s *Store) LoadProgress(ctx context.Context, jobID string, afterSeq uint64) ([]ProgressRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT job_id, seq, ts, payload FROM progress_events
		WHERE job_id = ? AND seq > ?
		ORDER BY seq
	`, jobID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("failed to query progress events: %w", err)
	}
	defer rows.Close()

	var out []ProgressRecord
	for rows.Next() {
		var rec ProgressRecord
		var seq, ts int64
		if err := rows.Scan(&rec.JobID, &seq, &ts, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.TS = time.UnixMilli(ts).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadMappings implements mapper.Store
func (s *Store) LoadMappings(ctx context.Context, jobID string) ([]mapper.Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT source_id, source_name, dest_id, dest_name FROM folder_mappings
		WHERE job_id = ? ORDER BY created_at, source_id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var out []mapper.Entry
	for rows.Next() {
		var e mapper.Entry
		if err := rows.Scan(&e.SourceID, &e.SourceName, &e.DestID, &e.DestName); err != nil {
			return nil, fmt.Errorf("failed to scan mapping row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveMapping implements mapper.Store. An existing entry is never replaced.
func (s *Store) SaveMapping(ctx context.Context, jobID string, e mapper.Entry) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO folder_mappings (job_id, source_id, source_name, dest_id, dest_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, jobID, e.SourceID, e.SourceName, e.DestID, e.DestName, time.Now().Unix())

	if err != nil {
		return fmt.Errorf("failed to save mapping: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)

	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.EventType, &msg.Payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)

	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}

	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)

	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
