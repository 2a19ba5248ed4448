// Package storage keeps the audit trail of lifecycle transitions and
// executions in PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/config"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS lifecycle_events (
		id          UUID PRIMARY KEY,
		instance_id TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		template_id TEXT NOT NULL,
		from_state  TEXT NOT NULL,
		to_state    TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS lifecycle_events_instance_idx
		ON lifecycle_events (instance_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id           UUID PRIMARY KEY,
		action       TEXT NOT NULL DEFAULT 'exec',
		instance_id  TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		template_id  TEXT NOT NULL,
		kind         TEXT NOT NULL,
		role         TEXT NOT NULL,
		language     TEXT NOT NULL DEFAULT '',
		command_hash TEXT NOT NULL,
		status       TEXT NOT NULL,
		exit_code    INTEGER NOT NULL,
		stdout_bytes INTEGER NOT NULL,
		stderr_bytes INTEGER NOT NULL,
		input_bytes  INTEGER NOT NULL DEFAULT 0,
		detections   JSONB,
		error        TEXT NOT NULL DEFAULT '',
		duration_ms  BIGINT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`ALTER TABLE executions ADD COLUMN IF NOT EXISTS action TEXT NOT NULL DEFAULT 'exec'`,
	`ALTER TABLE executions ADD COLUMN IF NOT EXISTS input_bytes INTEGER NOT NULL DEFAULT 0`,
	`CREATE INDEX IF NOT EXISTS executions_instance_idx
		ON executions (instance_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS executions_user_idx
		ON executions (user_id, created_at DESC)`,
}

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	poolCfg.MaxConns = 25
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 5 * time.Minute
	poolCfg.MaxConnIdleTime = 1 * time.Minute
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = min(int32(cfg.MaxIdleConns), poolCfg.MaxConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Migrate creates the audit tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogEvent inserts a lifecycle transition.
func (db *DB) LogEvent(ctx context.Context, ev *EventRecord) error {
	query := `
		INSERT INTO lifecycle_events (id, instance_id, user_id, template_id,
			from_state, to_state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		ev.ID, ev.InstanceID, ev.UserID, ev.TemplateID,
		ev.FromState, ev.ToState, truncateForDB(ev.Reason, 4096), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting lifecycle event: %w", err)
	}
	return nil
}

// LogExecution inserts an execution record into the audit log. Retried
// writes of the same record are ignored.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, action, instance_id, user_id, template_id, kind, role,
			language, command_hash, status, exit_code, stdout_bytes, stderr_bytes,
			input_bytes, detections, error, duration_ms, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.Action, exec.InstanceID, exec.UserID, exec.TemplateID,
		exec.Kind, exec.Role, exec.Language, exec.CommandHash,
		exec.Status, exec.ExitCode, exec.StdoutBytes, exec.StderrBytes,
		exec.InputBytes, exec.Detections, truncateForDB(exec.Error, 4096),
		exec.DurationMS, exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// ListEvents returns an instance's transitions in order.
func (db *DB) ListEvents(ctx context.Context, instanceID string) ([]EventRecord, error) {
	query := `
		SELECT id, instance_id, user_id, template_id, from_state, to_state,
			reason, created_at
		FROM lifecycle_events
		WHERE instance_id = $1
		ORDER BY created_at, id`

	rows, err := db.pool.Query(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("querying lifecycle events: %w", err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowToStructByName[EventRecord])
	if err != nil {
		return nil, fmt.Errorf("scanning lifecycle events: %w", err)
	}
	return events, nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, action, instance_id, user_id, template_id, kind, role, language,
			command_hash, status, exit_code, stdout_bytes, stderr_bytes,
			input_bytes, detections, error, duration_ms, created_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.Action, &exec.InstanceID, &exec.UserID, &exec.TemplateID,
		&exec.Kind, &exec.Role, &exec.Language, &exec.CommandHash,
		&exec.Status, &exec.ExitCode, &exec.StdoutBytes, &exec.StderrBytes,
		&exec.InputBytes, &exec.Detections, &exec.Error, &exec.DurationMS,
		&exec.CreatedAt, &exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, action, instance_id, user_id, template_id, kind, role, language,
			command_hash, status, exit_code, stdout_bytes, stderr_bytes,
			input_bytes, duration_ms, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR instance_id = $1)
		  AND ($2 = '' OR user_id = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at < $5)
		ORDER BY created_at DESC
		LIMIT $6 OFFSET $7`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.InstanceID, filter.UserID, filter.Status,
		filter.Since, filter.Until, limit, max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.Action, &exec.InstanceID, &exec.UserID, &exec.TemplateID,
			&exec.Kind, &exec.Role, &exec.Language, &exec.CommandHash,
			&exec.Status, &exec.ExitCode, &exec.StdoutBytes, &exec.StderrBytes,
			&exec.InputBytes, &exec.DurationMS, &exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
