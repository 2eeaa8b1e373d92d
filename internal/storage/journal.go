package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"saxobot/internal/domain"
)

// AttemptStatus is the lifecycle of one placement attempt in the journal.
type AttemptStatus string

const (
	AttemptInFlight   AttemptStatus = "in_flight"
	AttemptSucceeded  AttemptStatus = "succeeded"
	AttemptFailed     AttemptStatus = "failed"
	AttemptUncertain  AttemptStatus = "uncertain"
	AttemptReconciled AttemptStatus = "reconciled"
)

// ErrAttemptInFlight means the journal already holds an unresolved attempt
// for the same external reference. The caller must reconcile before issuing
// another mutation, including across process restarts.
var ErrAttemptInFlight = errors.New("storage: unresolved attempt exists for external reference")

// Attempt is one journaled placement attempt.
type Attempt struct {
	ID                int64
	ExternalReference string
	RequestID         string
	Instrument        domain.InstrumentKey
	Side              domain.BuySell
	Amount            string
	Status            AttemptStatus
	OrderID           string
	HTTPStatus        int
	ErrorCode         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Journal persists placement attempts and the daily trade counter in
// SQLite so restart never forgets an in-flight mutation.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the journal database with WAL
// mode enabled.
func OpenJournal(dbPath string) (*Journal, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_reference TEXT NOT NULL,
			request_id TEXT NOT NULL UNIQUE,
			asset_type TEXT NOT NULL,
			uic INTEGER NOT NULL,
			side TEXT NOT NULL,
			amount TEXT NOT NULL,
			status TEXT NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			http_status INTEGER NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts table: %w", err)
	}
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_attempts_extref
		ON attempts (external_reference, status);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts index: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS daily_trades (
			day TEXT PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create daily_trades table: %w", err)
	}

	return &Journal{db: db}, nil
}

// BeginAttempt records a new attempt before the mutation is issued. It
// returns ErrAttemptInFlight when an unresolved attempt already exists for
// the same external reference, which is what prevents blind re-issue after
// a crash mid-placement.
func (j *Journal) BeginAttempt(ctx context.Context, intent domain.OrderIntent) (int64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var pending int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM attempts WHERE external_reference = ? AND status IN (?, ?)",
		intent.ExternalReference, AttemptInFlight, AttemptUncertain,
	).Scan(&pending)
	if err != nil {
		return 0, fmt.Errorf("failed to check pending attempts: %w", err)
	}
	if pending > 0 {
		return 0, ErrAttemptInFlight
	}

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO attempts
			(external_reference, request_id, asset_type, uic, side, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ExternalReference, intent.RequestID,
		string(intent.Instrument.AssetType), intent.Instrument.Uic,
		string(intent.Side), intent.Amount.String(),
		AttemptInFlight, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read attempt id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit attempt: %w", err)
	}
	return id, nil
}

// ResolveAttempt records the final status of an attempt.
func (j *Journal) ResolveAttempt(ctx context.Context, id int64, status AttemptStatus, orderID string, httpStatus int, errorCode string) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE attempts
		SET status = ?, order_id = ?, http_status = ?, error_code = ?, updated_at = ?
		WHERE id = ?`,
		status, orderID, httpStatus, errorCode, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve attempt %d: %w", id, err)
	}
	return nil
}

// UnresolvedAttempts returns attempts left in_flight or uncertain, used at
// startup to reconcile before any new mutation is allowed.
func (j *Journal) UnresolvedAttempts(ctx context.Context) ([]Attempt, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, external_reference, request_id, asset_type, uic, side, amount,
		       status, order_id, http_status, error_code, created_at, updated_at
		FROM attempts
		WHERE status IN (?, ?)
		ORDER BY id ASC`,
		AttemptInFlight, AttemptUncertain,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var assetType, side string
		var createdAt, updatedAt int64
		err := rows.Scan(&a.ID, &a.ExternalReference, &a.RequestID,
			&assetType, &a.Instrument.Uic, &side, &a.Amount,
			&a.Status, &a.OrderID, &a.HTTPStatus, &a.ErrorCode,
			&createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Instrument.AssetType = domain.AssetType(assetType)
		a.Side = domain.BuySell(side)
		a.CreatedAt = time.UnixMilli(createdAt)
		a.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// TradesToday returns the counter for the given UTC day (YYYY-MM-DD).
func (j *Journal) TradesToday(ctx context.Context, day string) (int, error) {
	var count int
	err := j.db.QueryRowContext(ctx,
		"SELECT count FROM daily_trades WHERE day = ?", day,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily counter: %w", err)
	}
	return count, nil
}

// IncrementTradesToday bumps the daily counter after a successful or
// uncertain placement. Uncertain counts too: the order may exist.
func (j *Journal) IncrementTradesToday(ctx context.Context, day string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO daily_trades (day, count) VALUES (?, 1)
		ON CONFLICT(day) DO UPDATE SET count = count + 1`,
		day,
	)
	if err != nil {
		return fmt.Errorf("failed to increment daily counter: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}
