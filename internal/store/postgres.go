package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, user_id, operation, status, priority, config, total_files, processed_files,
	failed_files, progress, attempts, estimated_seconds, estimated_cost, error_message, run_after,
	started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j         models.Job
		config    []byte
		estimated float64
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Operation, &j.Status, &j.Priority, &config, &j.TotalFiles,
		&j.ProcessedFiles, &j.FailedFiles, &j.Progress, &j.Attempts, &estimated, &j.EstimatedCost,
		&j.ErrorMessage, &j.RunAfter, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(config, &j.Config); err != nil {
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	j.EstimatedDuration = time.Duration(estimated * float64(time.Second))
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	config, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = job.CreatedAt
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (id, user_id, operation, status, priority, config, total_files,
		 estimated_seconds, estimated_cost, run_after, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.UserID, job.Operation, job.Status, job.Priority, config, job.TotalFiles,
		job.EstimatedDuration.Seconds(), job.EstimatedCost, runAfter, job.CreatedAt, job.UpdatedAt)
	if isDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing, models.JobStatusCancelled},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusPending},
}

// ValidTransition reports whether a job may move from one status to another.
func ValidTransition(from, to string) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := ApplyJobUpdateOptions(opts...)

	// Fetch current status
	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM batch_jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !ValidTransition(currentStatus, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE batch_jobs SET status = $3, updated_at = $4`
	args := []any{id, currentStatus, status, now}
	argIdx := 5

	if models.IsTerminalJobStatus(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status == models.JobStatusCompleted {
		query += ", progress = 100"
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.RunAfter != nil {
		query += fmt.Sprintf(", run_after = $%d", argIdx)
		args = append(args, *params.RunAfter)
		argIdx++
	}

	// The status guard makes a concurrent transition lose instead of overwrite.
	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, currentStatus)
	}
	return nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, processed, failed int, progress float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET processed_files = $2, failed_files = $3, progress = GREATEST(progress, $4),
		 updated_at = NOW() WHERE id = $1 AND status IN ('processing', 'cancelled')`,
		id, processed, failed, progress)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE batch_jobs SET status = 'processing', attempts = attempts + 1,
		 started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		 WHERE id = (
			SELECT id FROM batch_jobs
			WHERE status = 'pending' AND run_after <= NOW()
			ORDER BY priority DESC, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, statuses ...string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE status = ANY($1) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) GetJobStats(ctx context.Context, userID string) (*models.BatchStats, error) {
	stats := &models.BatchStats{UserID: userID, ByStatus: make(map[string]int)}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(total_files), 0), COALESCE(SUM(processed_files), 0),
		 COALESCE(SUM(failed_files), 0)
		 FROM batch_jobs WHERE user_id = $1 GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status                        string
			count, total, processed, fail int
		)
		if err := rows.Scan(&status, &count, &total, &processed, &fail); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.TotalJobs += count
		stats.TotalFiles += total
		stats.ProcessedFiles += processed
		stats.FailedFiles += fail
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM batch_jobs WHERE status = 'pending'`).Scan(&stats.QueueDepth)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	return stats, nil
}

// --- File results ---

func (s *PostgresStore) SaveFileResults(ctx context.Context, results []models.FileResult) error {
	if len(results) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range results {
		var payload []byte
		if len(r.Result) > 0 {
			payload = r.Result
		}
		batch.Queue(
			`INSERT INTO batch_file_results (job_id, file_index, file_path, status, result, error,
			 instance_id, processing_ms, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (job_id, file_index) DO UPDATE SET
			 status = EXCLUDED.status, result = EXCLUDED.result, error = EXCLUDED.error,
			 instance_id = EXCLUDED.instance_id, processing_ms = EXCLUDED.processing_ms`,
			r.JobID, r.Index, r.FilePath, r.Status, payload, r.Error, r.InstanceID,
			r.ProcessingTime.Milliseconds(), r.CreatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save file results: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFileResults(ctx context.Context, jobID uuid.UUID) ([]models.FileResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, file_index, file_path, status, result, error, instance_id, processing_ms, created_at
		 FROM batch_file_results WHERE job_id = $1 ORDER BY file_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list file results: %w", err)
	}
	defer rows.Close()

	var results []models.FileResult
	for rows.Next() {
		var (
			r       models.FileResult
			payload []byte
			ms      int64
		)
		if err := rows.Scan(&r.JobID, &r.Index, &r.FilePath, &r.Status, &payload, &r.Error,
			&r.InstanceID, &ms, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file result: %w", err)
		}
		if len(payload) > 0 {
			r.Result = payload
		}
		r.ProcessingTime = time.Duration(ms) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Costs ---

func (s *PostgresStore) CreateCostEntry(ctx context.Context, e *models.CostEntry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode cost metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO cost_entries (id, user_id, instance_id, provider, cost_per_hour, duration_minutes,
		 total_cost, start_time, end_time, description, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.UserID, e.InstanceID, e.Provider, e.CostPerHour, e.DurationMinutes, e.TotalCost,
		e.StartTime, e.EndTime, e.Description, metadata, e.CreatedAt)
	if isDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("create cost entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCostEntries(ctx context.Context, userID string, from, to time.Time) ([]models.CostEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, instance_id, provider, cost_per_hour, duration_minutes, total_cost,
		 start_time, end_time, description, metadata, created_at
		 FROM cost_entries WHERE user_id = $1 AND end_time >= $2 AND end_time < $3
		 ORDER BY end_time`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list cost entries: %w", err)
	}
	defer rows.Close()

	var entries []models.CostEntry
	for rows.Next() {
		var (
			e        models.CostEntry
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.InstanceID, &e.Provider, &e.CostPerHour,
			&e.DurationMinutes, &e.TotalCost, &e.StartTime, &e.EndTime, &e.Description,
			&metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cost entry: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode cost metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) CreateCostAlert(ctx context.Context, a *models.CostAlert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cost_alerts (id, user_id, day, total_cost, threshold, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.Day, a.TotalCost, a.Threshold, a.CreatedAt)
	if isDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("create cost alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCostAlerts(ctx context.Context, userID string, limit int) ([]models.CostAlert, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, day, total_cost, threshold, created_at
		 FROM cost_alerts WHERE user_id = $1 ORDER BY day DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cost alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.CostAlert
	for rows.Next() {
		var a models.CostAlert
		if err := rows.Scan(&a.ID, &a.UserID, &a.Day, &a.TotalCost, &a.Threshold, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cost alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
