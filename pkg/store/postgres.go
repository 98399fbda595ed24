package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

// PostgresStore is a Store backed by PostgreSQL. Optimistic locking is
// enforced in SQL: transitions load the row FOR UPDATE inside a
// transaction, validate in Go, and bump the version column on write.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool to the given DSN
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	script_content   TEXT NOT NULL,
	asset_types      JSONB NOT NULL,
	num_assets       INT NOT NULL DEFAULT 0,
	requested_model  TEXT NOT NULL,
	settings         JSONB NOT NULL,
	status           TEXT NOT NULL,
	progress         INT NOT NULL DEFAULT 0,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	error            JSONB,
	usage            JSONB NOT NULL DEFAULT '{}'::jsonb,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	version          BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS assets (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	scene_index INT NOT NULL,
	asset_type  TEXT NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS assets_job_idx ON assets (job_id, scene_index);

CREATE TABLE IF NOT EXISTS videos (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const jobColumns = `id, created_at, updated_at, script_content, asset_types, num_assets,
	requested_model, settings, status, progress, cancel_requested, error, usage,
	started_at, completed_at, version`

// CreateJob creates a new job
func (p *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job.JobID == "" {
		return ErrInvalidJobID
	}
	version := job.Version
	if version == 0 {
		version = 1
	}

	query := `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
`
	_, err := p.pool.Exec(ctx, query,
		job.JobID,
		job.Created,
		job.Updated,
		job.ScriptContent,
		mustJSON(job.AssetTypes),
		job.NumAssets,
		job.RequestedModel,
		mustJSON(job.Settings),
		string(job.Status),
		job.Progress,
		job.CancelRequested,
		nullableJSON(job.Error),
		mustJSON(job.Usage),
		job.StartedAt,
		job.CompletedAt,
		version,
	)
	if isUniqueViolation(err) {
		return ErrJobExists
	}
	return err
}

// GetJob retrieves a job by ID
func (p *PostgresStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, ErrInvalidJobID
	}
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, jobID)
	return scanJob(row)
}

// UpdateStatus transitions a job to a new status under the optimistic lock
func (p *PostgresStore) UpdateStatus(ctx context.Context, jobID string, status schemas.JobState, progress int, expectedVersion int64) (*Job, error) {
	return p.transition(ctx, jobID, status, progress, expectedVersion, nil)
}

// Fail transitions a job to FAILED with its structured error attached
func (p *PostgresStore) Fail(ctx context.Context, jobID string, errInfo *schemas.ErrorInfo, expectedVersion int64) (*Job, error) {
	return p.transition(ctx, jobID, schemas.JobStateFailed, -1, expectedVersion, errInfo)
}

func (p *PostgresStore) transition(ctx context.Context, jobID string, status schemas.JobState, progress int, expectedVersion int64, errInfo *schemas.ErrorInfo) (*Job, error) {
	if jobID == "" {
		return nil, ErrInvalidJobID
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE;`, jobID))
	if err != nil {
		return nil, err
	}
	if job.Version != expectedVersion {
		return nil, fmt.Errorf("%w: have %d, expected %d", ErrVersionConflict, job.Version, expectedVersion)
	}
	if !schemas.CanTransition(job.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, status)
	}

	now := time.Now()
	if job.Status == schemas.JobStatePending && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	job.Status = status
	job.Updated = now
	job.Version++
	if progress >= 0 {
		applyProgress(job, progress)
	}
	if errInfo != nil {
		job.Error = copyError(errInfo)
	}

	_, err = tx.Exec(ctx, `
UPDATE jobs SET status = $2, progress = $3, error = $4, started_at = $5,
	completed_at = $6, updated_at = $7, version = $8
WHERE id = $1;
`, jobID, string(job.Status), job.Progress, nullableJSON(job.Error), job.StartedAt, job.CompletedAt, job.Updated, job.Version)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return job, nil
}

// RequestCancel durably marks a job for cooperative cancellation
func (p *PostgresStore) RequestCancel(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, ErrInvalidJobID
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE;`, jobID))
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, ErrTerminal
	}
	if !job.CancelRequested {
		job.CancelRequested = true
		job.Updated = time.Now()
		job.Version++
		_, err = tx.Exec(ctx, `
UPDATE jobs SET cancel_requested = TRUE, updated_at = $2, version = $3 WHERE id = $1;
`, jobID, job.Updated, job.Version)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return job, nil
}

// UpdateProgress records intra-stage progress, clamped monotonic in SQL
func (p *PostgresStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE jobs SET progress = GREATEST(progress, LEAST($2, 100)), updated_at = NOW(), version = version + 1
WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED');
`, jobID, progress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrTerminal, jobID)
	}
	return nil
}

// UpdateUsage replaces the accumulated resource usage for a job
func (p *PostgresStore) UpdateUsage(ctx context.Context, jobID string, usage schemas.ResourceUsage) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE jobs SET usage = $2, updated_at = NOW(), version = version + 1 WHERE id = $1;
`, jobID, mustJSON(usage))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// AddAsset appends an immutable asset record to its owning job
func (p *PostgresStore) AddAsset(ctx context.Context, asset *schemas.Asset) error {
	if err := asset.Validate(); err != nil {
		return err
	}

	_, err := p.pool.Exec(ctx, `
INSERT INTO assets (id, job_id, scene_index, asset_type, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6);
`, asset.ID, asset.JobID, asset.SceneIndex, string(asset.Type), mustJSON(asset), asset.CreatedAt)
	if isForeignKeyViolation(err) {
		return ErrJobNotFound
	}
	return err
}

// ListAssets returns a job's assets ordered by scene, then type
func (p *PostgresStore) ListAssets(ctx context.Context, jobID string) ([]*schemas.Asset, error) {
	if _, err := p.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `
SELECT payload FROM assets WHERE job_id = $1 ORDER BY scene_index, created_at;
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []*schemas.Asset
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var asset schemas.Asset
		if err := json.Unmarshal(payload, &asset); err != nil {
			return nil, fmt.Errorf("decode asset: %w", err)
		}
		assets = append(assets, &asset)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortAssets(assets)

	return assets, nil
}

// RecordVideo registers the terminal artifact of a successful job
func (p *PostgresStore) RecordVideo(ctx context.Context, video *schemas.GeneratedVideo) error {
	if video.ID == "" || video.JobID == "" {
		return fmt.Errorf("video record missing identifiers")
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE;`, video.JobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	st := schemas.JobState(status)
	if st != schemas.JobStateComposingVideo && st != schemas.JobStateCompleted {
		return fmt.Errorf("%w: cannot record video for job in state %s", ErrIllegalTransition, st)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO videos (id, job_id, payload, created_at) VALUES ($1, $2, $3, $4);
`, video.ID, video.JobID, mustJSON(video), video.CreatedAt)
	if isUniqueViolation(err) {
		return ErrVideoExists
	}
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetVideo retrieves a generated video by its ID
func (p *PostgresStore) GetVideo(ctx context.Context, videoID string) (*schemas.GeneratedVideo, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM videos WHERE id = $1;`, videoID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		return nil, err
	}

	var video schemas.GeneratedVideo
	if err := json.Unmarshal(payload, &video); err != nil {
		return nil, fmt.Errorf("decode video: %w", err)
	}
	return &video, nil
}

// VideoForJob retrieves the video recorded for a job
func (p *PostgresStore) VideoForJob(ctx context.Context, jobID string) (*schemas.GeneratedVideo, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM videos WHERE job_id = $1;`, jobID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		return nil, err
	}

	var video schemas.GeneratedVideo
	if err := json.Unmarshal(payload, &video); err != nil {
		return nil, fmt.Errorf("decode video: %w", err)
	}
	return &video, nil
}

// ListJobs lists jobs with optional filtering
func (p *PostgresStore) ListJobs(ctx context.Context, filter *ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	var where []string

	if filter != nil {
		if len(filter.Status) > 0 {
			statuses := make([]string, len(filter.Status))
			for i, s := range filter.Status {
				statuses[i] = string(s)
			}
			args = append(args, statuses)
			where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
		}
		if filter.CreatedAfter != nil {
			args = append(args, *filter.CreatedAfter)
			where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
		}
		if filter.CreatedBefore != nil {
			args = append(args, *filter.CreatedBefore)
			where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
		}
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += orderClause(filter)
	if filter != nil && filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter != nil && filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query+";", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Close releases the connection pool
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// orderClause maps the filter's sort fields onto a whitelisted ORDER BY.
func orderClause(filter *ListFilter) string {
	column := "created_at"
	if filter != nil {
		switch filter.SortBy {
		case "updated":
			column = "updated_at"
		case "status":
			column = "status"
		}
	}
	direction := "DESC"
	if filter != nil && filter.SortBy != "" && filter.SortOrder != "desc" {
		direction = "ASC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", column, direction)
}

// scanJob reads one job row in jobColumns order.
func scanJob(row pgx.Row) (*Job, error) {
	var (
		job        Job
		assetTypes []byte
		settings   []byte
		status     string
		errInfo    []byte
		usage      []byte
	)
	err := row.Scan(
		&job.JobID,
		&job.Created,
		&job.Updated,
		&job.ScriptContent,
		&assetTypes,
		&job.NumAssets,
		&job.RequestedModel,
		&settings,
		&status,
		&job.Progress,
		&job.CancelRequested,
		&errInfo,
		&usage,
		&job.StartedAt,
		&job.CompletedAt,
		&job.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Status = schemas.JobState(status)
	if err := json.Unmarshal(assetTypes, &job.AssetTypes); err != nil {
		return nil, fmt.Errorf("decode asset_types: %w", err)
	}
	if err := json.Unmarshal(settings, &job.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := json.Unmarshal(usage, &job.Usage); err != nil {
		return nil, fmt.Errorf("decode usage: %w", err)
	}
	if len(errInfo) > 0 {
		job.Error = &schemas.ErrorInfo{}
		if err := json.Unmarshal(errInfo, job.Error); err != nil {
			return nil, fmt.Errorf("decode error info: %w", err)
		}
	}

	return &job, nil
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All persisted types marshal cleanly; a failure here is a defect.
		panic(fmt.Sprintf("store: marshal %T: %v", v, err))
	}
	return b
}

func nullableJSON(v *schemas.ErrorInfo) []byte {
	if v == nil {
		return nil
	}
	return mustJSON(v)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
