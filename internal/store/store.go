// Package store provides the embedded relational store for the pipeline.
// It owns the run metadata schema and the per-dataset data tables, and it
// serializes every write through a single logical writer so that no two
// commits ever execute concurrently.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/ubuntu/decorate"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/openhealthdata/provider-etl/internal/constants"
	"github.com/openhealthdata/provider-etl/internal/transform"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DatabaseError is returned when a store operation fails.
type DatabaseError struct {
	// Retryable reports whether the failure was transient (lock contention,
	// timeout) rather than terminal (constraint violation, disk full).
	Retryable bool

	Err error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("%s database error: %v", kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// Config holds the configuration for the embedded store.
type Config struct {
	Path string

	// CommitAttempts bounds the retries of a transient commit failure.
	CommitAttempts int
	// CommitTimeout is the budget for a single commit attempt.
	CommitTimeout time.Duration
	// RetryDelay is the initial delay between commit retries; it doubles
	// after every failed attempt.
	RetryDelay time.Duration
}

// Manager manages the embedded store file.
//
// All mutating methods funnel through one mutex-guarded writer path. Reads may
// happen concurrently with writes under the store's own WAL consistency model.
type Manager struct {
	db *sql.DB

	// writerMu is the single-writer discipline: held for the full duration
	// of every write transaction.
	writerMu sync.Mutex

	commitAttempts int
	commitTimeout  time.Duration
	retryDelay     time.Duration
}

// Open opens (creating if needed) the store file and applies pending schema
// migrations for the run metadata tables.
func Open(ctx context.Context, cfg Config) (m *Manager, err error) {
	defer decorate.OnError(&err, "could not open store %s:", cfg.Path)

	if cfg.CommitAttempts <= 0 {
		cfg.CommitAttempts = constants.DefaultCommitAttempts
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = constants.DefaultCommitTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = constants.DefaultBackoffBase
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping store: %v", err)
	}

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("Opened embedded store", "path", cfg.Path)
	return &Manager{
		db:             db,
		commitAttempts: cfg.CommitAttempts,
		commitTimeout:  cfg.CommitTimeout,
		retryDelay:     cfg.RetryDelay,
	}, nil
}

func migrateSchema(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %v", err)
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare migration driver: %v", err)
	}

	mig, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %v", err)
	}

	if err := mig.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Debug("No new store migrations to apply")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %v", err)
	}

	slog.Debug("Store migrations applied")
	return nil
}

// BeginRun records the start of a dataset run in the runs table.
func (m *Manager) BeginRun(ctx context.Context, runID, dataset string, start time.Time) error {
	m.writerMu.Lock()
	defer m.writerMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.commitTimeout)
	defer cancel()

	_, err := m.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, dataset, started_at, status) VALUES (?, ?, ?, ?)`,
		runID, dataset, timestamp(start), "running",
	)
	if err != nil {
		return wrapDBError(err)
	}
	return nil
}

// CommitBatch commits one record batch transactionally: the data rows, the
// run metadata counters and the dataset freshness state all land together or
// not at all.
//
// Committing the same batch sequence number twice does not duplicate rows:
// the data table carries a uniqueness constraint on (batch_seq, row_idx) and
// inserts ignore conflicting rows.
//
// A commit already in flight is allowed to finish even when ctx is canceled,
// so a partially applied transaction is never left behind. Transient failures
// are retried with backoff up to the configured attempt ceiling.
func (m *Manager) CommitBatch(ctx context.Context, runID string, b *transform.Batch) error {
	m.writerMu.Lock()
	defer m.writerMu.Unlock()

	delay := m.retryDelay
	var lastErr error
	for attempt := 1; attempt <= m.commitAttempts; attempt++ {
		err := m.commitBatchOnce(ctx, runID, b)
		if err == nil {
			if attempt > 1 {
				slog.Debug("Batch commit succeeded after retry", "dataset", b.Dataset, "seq", b.Seq, "attempt", attempt)
			}
			return nil
		}

		lastErr = err
		var dbErr *DatabaseError
		if !errors.As(err, &dbErr) || !dbErr.Retryable || attempt == m.commitAttempts {
			break
		}

		slog.Debug("Retrying batch commit after transient failure", "dataset", b.Dataset, "seq", b.Seq, "attempt", attempt, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &DatabaseError{Retryable: false, Err: ctx.Err()}
		}
		delay *= 2
	}

	return lastErr
}

func (m *Manager) commitBatchOnce(ctx context.Context, runID string, b *transform.Batch) (err error) {
	// The transaction must run to completion once started, even if the run
	// is being canceled; only the per-attempt timeout applies.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.commitTimeout)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError(err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("Failed to roll back batch transaction", "dataset", b.Dataset, "seq", b.Seq, "err", rbErr)
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, createTableDDL(b.Table, b.Columns)); err != nil {
		return wrapDBError(err)
	}

	inserted, err := insertRecords(ctx, tx, b)
	if err != nil {
		return wrapDBError(err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET record_count = record_count + ?, skipped_count = skipped_count + ?, attempts = ?
		 WHERE run_id = ? AND dataset = ?`,
		inserted, len(b.Skipped), b.Attempts, runID, b.Dataset,
	); err != nil {
		return wrapDBError(err)
	}

	if !b.LastModified.IsZero() {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO dataset_state (dataset, last_modified, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(dataset) DO UPDATE SET last_modified = excluded.last_modified, updated_at = excluded.updated_at`,
			b.Dataset, timestamp(b.LastModified), timestamp(b.RetrievedAt),
		); err != nil {
			return wrapDBError(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return wrapDBError(err)
	}

	slog.Debug("Committed batch", "dataset", b.Dataset, "seq", b.Seq, "rows", inserted)
	return nil
}

// insertRecords inserts the batch rows in chunks, staying below the store's
// statement parameter limit. Returns the number of rows actually inserted,
// which is lower than len(b.Records) when the batch was already committed.
func insertRecords(ctx context.Context, tx *sql.Tx, b *transform.Batch) (int64, error) {
	if len(b.Records) == 0 {
		return 0, nil
	}

	fields := len(b.Columns) + 2
	chunkSize := max(1, 999/fields)

	cols := make([]string, 0, fields)
	cols = append(cols, quoteIdent("batch_seq"), quoteIdent("row_idx"))
	for _, c := range b.Columns {
		cols = append(cols, quoteIdent(c))
	}

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", fields), ", ") + ")"
	prefix := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES ", quoteIdent(b.Table), strings.Join(cols, ", "))

	var inserted int64
	for start := 0; start < len(b.Records); start += chunkSize {
		end := min(start+chunkSize, len(b.Records))
		chunk := b.Records[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*fields)
		for i, record := range chunk {
			placeholders[i] = rowPlaceholder
			args = append(args, b.Seq, int64(start+i))
			for _, c := range b.Columns {
				args = append(args, record[c])
			}
		}

		res, err := tx.ExecContext(ctx, prefix+strings.Join(placeholders, ", "), args...)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	return inserted, nil
}

// FinishRun finalizes the run metadata for a dataset.
// attempts is only recorded when positive; it overrides the value set by the
// batch commit so that failed fetches are accounted for too.
func (m *Manager) FinishRun(ctx context.Context, runID, dataset, status string, attempts int, errSummary string, finished time.Time) error {
	m.writerMu.Lock()
	defer m.writerMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.commitTimeout)
	defer cancel()

	var errValue any
	if errSummary != "" {
		errValue = errSummary
	}

	_, err := m.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = ?, finished_at = ?, error = ?, attempts = MAX(attempts, ?)
		 WHERE run_id = ? AND dataset = ?`,
		status, timestamp(finished), errValue, attempts, runID, dataset,
	)
	if err != nil {
		return wrapDBError(err)
	}
	return nil
}

// LastModified returns the recorded source freshness timestamp for a dataset,
// or the zero time when the dataset has never been loaded.
// Reads do not take the writer lock.
func (m *Manager) LastModified(ctx context.Context, dataset string) (time.Time, error) {
	var raw string
	err := m.db.QueryRowContext(ctx,
		`SELECT last_modified FROM dataset_state WHERE dataset = ?`, dataset,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, wrapDBError(err)
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid last_modified value for dataset %q: %v", dataset, err)
	}
	return t, nil
}

// Close closes the store.
//
// If the store does not close within 10 seconds, it returns an error.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- m.db.Close()
	}()

	select {
	case err := <-done:
		m.db = nil
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing store, connection may still be open")
	}
}

func createTableDDL(table string, columns []string) string {
	cols := make([]string, 0, len(columns)+2)
	cols = append(cols,
		quoteIdent("batch_seq")+" INTEGER NOT NULL",
		quoteIdent("row_idx")+" INTEGER NOT NULL",
	)
	for _, c := range columns {
		cols = append(cols, quoteIdent(c))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, UNIQUE (%s, %s))",
		quoteIdent(table),
		strings.Join(cols, ", "),
		quoteIdent("batch_seq"), quoteIdent("row_idx"),
	)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func wrapDBError(err error) error {
	if err == nil {
		return nil
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return &DatabaseError{Retryable: true, Err: err}
		}
		return &DatabaseError{Retryable: false, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &DatabaseError{Retryable: true, Err: err}
	}

	return &DatabaseError{Retryable: false, Err: err}
}
