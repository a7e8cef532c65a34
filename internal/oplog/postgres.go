package oplog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/server/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS project_versions (
	project_id     TEXT PRIMARY KEY,
	version        BIGINT NOT NULL,
	last_timestamp BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	seq            BIGSERIAL PRIMARY KEY,
	id             UUID NOT NULL UNIQUE,
	project_id     TEXT NOT NULL,
	version        BIGINT NOT NULL,
	type           TEXT NOT NULL,
	file           TEXT NOT NULL,
	line           INTEGER NOT NULL,
	col            INTEGER NOT NULL,
	text           TEXT NOT NULL,
	author         TEXT NOT NULL,
	ts             BIGINT NOT NULL,
	in_project_log BOOLEAN NOT NULL DEFAULT TRUE,
	in_export_feed BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (project_id, version)
);

CREATE INDEX IF NOT EXISTS operations_file_idx ON operations (project_id, file, version);

CREATE TABLE IF NOT EXISTS snapshots (
	project_id TEXT NOT NULL,
	file       TEXT NOT NULL,
	content    TEXT NOT NULL,
	ts         BIGINT NOT NULL,
	version    BIGINT NOT NULL,
	PRIMARY KEY (project_id, file)
);
`

const opColumns = `id, type, file, line, col, text, author, project_id, ts, version`

// PostgresLog keeps the log in Postgres. The per-project counter row is
// locked by the upsert, which serializes concurrent appends to one project
// across every server process.
type PostgresLog struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool, now: time.Now}
}

// Migrate creates the tables if they do not exist.
func (l *PostgresLog) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

func (l *PostgresLog) Append(ctx context.Context, in Input) (Operation, error) {
	if err := in.Normalize(); err != nil {
		return Operation{}, err
	}

	op := Operation{
		ID:        uuid.NewString(),
		Type:      in.Type,
		File:      in.File,
		Line:      in.Line,
		Column:    in.Column,
		Text:      in.Text,
		Author:    in.Author,
		ProjectID: in.ProjectID,
	}

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO project_versions (project_id, version, last_timestamp)
			VALUES ($1, 1, $2)
			ON CONFLICT (project_id) DO UPDATE
			SET version = project_versions.version + 1,
			    last_timestamp = GREATEST(project_versions.last_timestamp, EXCLUDED.last_timestamp)
			RETURNING version, last_timestamp`,
			op.ProjectID, l.now().UnixMilli(),
		).Scan(&op.Version, &op.Timestamp)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO operations (`+opColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			op.ID, string(op.Type), op.File, op.Line, op.Column, op.Text, op.Author, op.ProjectID, op.Timestamp, op.Version,
		)
		return err
	})
	if err != nil {
		return Operation{}, unavailable("append", err)
	}

	logging.Debug().
		Str("projectId", op.ProjectID).
		Str("file", op.File).
		Int64("version", op.Version).
		Msg("operation appended")
	return op, nil
}

func (l *PostgresLog) ListByProject(ctx context.Context, projectID string, limit int) ([]Operation, error) {
	return l.query(ctx, "list by project", `
		SELECT `+opColumns+` FROM operations
		WHERE project_id = $1 AND in_project_log
		ORDER BY version DESC LIMIT $2`,
		projectID, normLimit(limit))
}

func (l *PostgresLog) ListByFile(ctx context.Context, projectID, file string, limit int) ([]Operation, error) {
	return l.query(ctx, "list by file", `
		SELECT `+opColumns+` FROM operations
		WHERE project_id = $1 AND file = $2 AND in_project_log
		ORDER BY version DESC LIMIT $3`,
		projectID, file, normLimit(limit))
}

func (l *PostgresLog) All(ctx context.Context, limit int) ([]Operation, error) {
	return l.query(ctx, "list all", `
		SELECT `+opColumns+` FROM operations
		WHERE in_export_feed
		ORDER BY seq DESC LIMIT $1`,
		normLimit(limit))
}

// query runs a newest-first select and returns the rows oldest first.
func (l *PostgresLog) query(ctx context.Context, what, sql string, args ...any) ([]Operation, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable(what, err)
	}
	ops, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Operation, error) {
		var (
			op     Operation
			id     uuid.UUID
			opType string
		)
		err := row.Scan(&id, &opType, &op.File, &op.Line, &op.Column, &op.Text,
			&op.Author, &op.ProjectID, &op.Timestamp, &op.Version)
		op.ID = id.String()
		op.Type = OpType(opType)
		return op, err
	})
	if err != nil {
		return nil, unavailable(what, err)
	}
	reverse(ops)
	return ops, nil
}

func (l *PostgresLog) Files(ctx context.Context, projectID string) ([]string, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT DISTINCT file FROM operations
		WHERE project_id = $1 AND in_project_log
		ORDER BY file`, projectID)
	if err != nil {
		return nil, unavailable("files", err)
	}
	files, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("files", err)
	}
	return files, nil
}

func (l *PostgresLog) CurrentVersion(ctx context.Context, projectID string) (int64, error) {
	var v int64
	err := l.pool.QueryRow(ctx,
		`SELECT version FROM project_versions WHERE project_id = $1`, projectID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("current version", err)
	}
	return v, nil
}

func (l *PostgresLog) SinceVersion(ctx context.Context, projectID string, since int64, limit int) (SyncResult, error) {
	recent, err := l.ListByProject(ctx, projectID, limit)
	if err != nil {
		return SyncResult{}, err
	}
	current, err := l.CurrentVersion(ctx, projectID)
	if err != nil {
		return SyncResult{}, err
	}
	return window(recent, since, current), nil
}

func (l *PostgresLog) Clear(ctx context.Context, projectID string) error {
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE operations SET in_project_log = FALSE WHERE project_id = $1`, projectID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM operations WHERE project_id = $1 AND NOT in_export_feed`, projectID)
		return err
	})
	if err != nil {
		return unavailable("clear", err)
	}
	logging.Info().Str("projectId", projectID).Msg("project operations cleared")
	return nil
}

func (l *PostgresLog) ClearAll(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE operations SET in_export_feed = FALSE`); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM operations WHERE NOT in_project_log`)
		return err
	})
	if err != nil {
		return unavailable("clear all", err)
	}
	logging.Info().Msg("export feed cleared")
	return nil
}

func (l *PostgresLog) SaveSnapshot(ctx context.Context, projectID, file, content string) (Snapshot, error) {
	version, err := l.CurrentVersion(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		ProjectID: projectID,
		File:      file,
		Content:   content,
		Timestamp: l.now().UnixMilli(),
		Version:   version,
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO snapshots (project_id, file, content, ts, version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, file) DO UPDATE
		SET content = EXCLUDED.content, ts = EXCLUDED.ts, version = EXCLUDED.version`,
		snap.ProjectID, snap.File, snap.Content, snap.Timestamp, snap.Version)
	if err != nil {
		return Snapshot{}, unavailable("save snapshot", err)
	}
	return snap, nil
}

func (l *PostgresLog) Snapshot(ctx context.Context, projectID, file string) (Snapshot, error) {
	snap := Snapshot{ProjectID: projectID, File: file}
	err := l.pool.QueryRow(ctx, `
		SELECT content, ts, version FROM snapshots
		WHERE project_id = $1 AND file = $2`, projectID, file,
	).Scan(&snap.Content, &snap.Timestamp, &snap.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, unavailable("snapshot", fmt.Errorf("%s/%s: %w", projectID, file, err))
	}
	return snap, nil
}

func (l *PostgresLog) Ping(ctx context.Context) error {
	if err := l.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
