package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"dev/bravebird/visual-verify/pkg/models"
)

// DB represents the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection. parseTime is forced on because the
// run timestamps are scanned into time values.
func New(dsn string) (*DB, error) {
	dsn, err := normalizeDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

func normalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database DSN: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS verification_runs (
		id VARCHAR(36) PRIMARY KEY,
		temporal_workflow_id VARCHAR(255) NOT NULL DEFAULT '',
		temporal_run_id VARCHAR(255) NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		status VARCHAR(16) NOT NULL,
		started_at DATETIME(3) NULL,
		completed_at DATETIME(3) NULL,
		error_message TEXT NOT NULL,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3)
	)`,
	`CREATE TABLE IF NOT EXISTS verification_artifacts (
		id VARCHAR(36) PRIMARY KEY,
		run_id VARCHAR(36) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		path TEXT NOT NULL,
		created_at DATETIME(3) NOT NULL,
		INDEX idx_artifacts_run (run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS console_messages (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		run_id VARCHAR(36) NOT NULL,
		type VARCHAR(32) NOT NULL,
		text TEXT NOT NULL,
		logged_at DATETIME(3) NOT NULL,
		INDEX idx_console_run (run_id)
	)`,
}

// Migrate creates the tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// ==================== Verification Runs ====================

// CreateRun inserts a run, or refreshes its Temporal IDs and status if it
// exists. A terminal status is never replaced.
func (db *DB) CreateRun(ctx context.Context, run *models.VerificationRun) error {
	query := `
		INSERT INTO verification_runs (id, temporal_workflow_id, temporal_run_id, url, status, started_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			temporal_workflow_id = VALUES(temporal_workflow_id),
			temporal_run_id = VALUES(temporal_run_id),
			status = IF(status IN ('success', 'failed', 'canceled'), status, VALUES(status)),
			started_at = COALESCE(VALUES(started_at), started_at)
	`

	_, err := db.conn.ExecContext(ctx, query,
		run.ID,
		run.TemporalWorkflowID,
		run.TemporalRunID,
		run.URL,
		run.Status,
		run.StartedAt,
		run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// StartRun records a run the verify runner is about to execute
func (db *DB) StartRun(ctx context.Context, run *models.VerificationRun) error {
	return db.CreateRun(ctx, run)
}

// GetRun retrieves a run by ID. It returns nil, nil when the run does not exist.
func (db *DB) GetRun(ctx context.Context, id string) (*models.VerificationRun, error) {
	query := `
		SELECT id, temporal_workflow_id, temporal_run_id, url, status,
		       started_at, completed_at, error_message
		FROM verification_runs
		WHERE id = ?
	`

	run, err := scanRun(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves the most recent runs
func (db *DB) ListRuns(ctx context.Context, limit int) ([]models.VerificationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, temporal_workflow_id, temporal_run_id, url, status,
		       started_at, completed_at, error_message
		FROM verification_runs
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]models.VerificationRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

// UpdateRunStatus updates the status of a run
func (db *DB) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errorMsg string) error {
	query := `
		UPDATE verification_runs
		SET status = ?, error_message = ?,
		    completed_at = CASE WHEN ? IN ('success', 'failed', 'canceled') THEN NOW(3) ELSE completed_at END
		WHERE id = ?
	`

	_, err := db.conn.ExecContext(ctx, query, status, errorMsg, status, id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// SetTemporalIDs attaches the workflow IDs to a run and moves it from
// pending to running. Any later status is left as is.
func (db *DB) SetTemporalIDs(ctx context.Context, id, workflowID, runID string, startedAt time.Time) error {
	query := `
		UPDATE verification_runs
		SET temporal_workflow_id = ?, temporal_run_id = ?,
		    started_at = COALESCE(started_at, ?),
		    status = IF(status = 'pending', 'running', status)
		WHERE id = ?
	`

	_, err := db.conn.ExecContext(ctx, query, workflowID, runID, startedAt, id)
	if err != nil {
		return fmt.Errorf("failed to set temporal ids: %w", err)
	}
	return nil
}

// FinishRun records the final status of a run
func (db *DB) FinishRun(ctx context.Context, id string, status models.RunStatus, errorMsg string) error {
	return db.UpdateRunStatus(ctx, id, status, errorMsg)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.VerificationRun, error) {
	var run models.VerificationRun
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.TemporalWorkflowID,
		&run.TemporalRunID,
		&run.URL,
		&run.Status,
		&startedAt,
		&completedAt,
		&run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// ==================== Artifacts ====================

// AddArtifact records a screenshot written by a run
func (db *DB) AddArtifact(ctx context.Context, artifact *models.Artifact) error {
	query := `
		INSERT INTO verification_artifacts (id, run_id, kind, path, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := db.conn.ExecContext(ctx, query,
		artifact.ID,
		artifact.RunID,
		artifact.Kind,
		artifact.Path,
		artifact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add artifact: %w", err)
	}
	return nil
}

// GetArtifacts retrieves the screenshots of a run
func (db *DB) GetArtifacts(ctx context.Context, runID string) ([]models.Artifact, error) {
	query := `
		SELECT id, run_id, kind, path, created_at
		FROM verification_artifacts
		WHERE run_id = ?
		ORDER BY created_at
	`

	rows, err := db.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Path, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}

	return artifacts, rows.Err()
}

// ==================== Console Messages ====================

// AddConsoleMessages stores browser console output of a run in one transaction
func (db *DB) AddConsoleMessages(ctx context.Context, runID string, messages []models.ConsoleMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO console_messages (run_id, type, text, logged_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		loggedAt := msg.Timestamp
		if loggedAt.IsZero() {
			loggedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, runID, msg.Type, msg.Text, loggedAt); err != nil {
			return fmt.Errorf("failed to insert console message: %w", err)
		}
	}

	return tx.Commit()
}

// GetConsoleMessages retrieves browser console output of a run in order
func (db *DB) GetConsoleMessages(ctx context.Context, runID string) ([]models.ConsoleMessage, error) {
	query := `
		SELECT type, text, logged_at
		FROM console_messages
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := db.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get console messages: %w", err)
	}
	defer rows.Close()

	var messages []models.ConsoleMessage
	for rows.Next() {
		var msg models.ConsoleMessage
		if err := rows.Scan(&msg.Type, &msg.Text, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan console message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
