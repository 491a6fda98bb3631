package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/ppm/internal/domain/job"
	"github.com/xenking/ppm/internal/domain/match"
)

const (
	jobColumns = `id, status, queries, chunk_size, progress, batch_id, total, found_count,
		not_found_count, partial_count, processing_seconds, error, attempt, created_at, started_at,
		heartbeat_at, finished_at`

	createJobSQL = `INSERT INTO match_jobs (id, status, queries, chunk_size)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	claimNextJobSQL = `UPDATE match_jobs
		SET status = 'running', attempt = attempt + 1, started_at = now(), heartbeat_at = now(), progress = 0
		WHERE id = (
			SELECT id FROM match_jobs WHERE status = 'pending'
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	updateJobProgressSQL = `UPDATE match_jobs SET progress = $3, heartbeat_at = now()
		WHERE id = $1 AND attempt = $2 AND status = 'running'`

	completeJobSQL = `UPDATE match_jobs
		SET status = 'completed', progress = 100, batch_id = $3, total = $4, found_count = $5,
			not_found_count = $6, partial_count = $7, processing_seconds = $8, finished_at = now()
		WHERE id = $1 AND attempt = $2 AND status = 'running'`

	failJobSQL = `UPDATE match_jobs SET status = 'failed', error = $3, finished_at = now()
		WHERE id = $1 AND attempt = $2 AND status = 'running'`

	requeueStaleJobsSQL = `UPDATE match_jobs
		SET status = 'pending', started_at = NULL, heartbeat_at = NULL, progress = 0
		WHERE status = 'running' AND heartbeat_at < now() - make_interval(secs => $1)`

	getJobSQL = `SELECT ` + jobColumns + ` FROM match_jobs WHERE id = $1`

	listJobResultsSQL = `SELECT position, query, status, product_id, score, matched_at
		FROM match_results WHERE job_id = $1 ORDER BY position`
)

var matchResultColumns = []string{"job_id", "position", "query", "status", "product_id", "score", "matched_at"}

var _ job.Repository = (*JobRepository)(nil)

// JobRepository implements job.Repository backed by PostgreSQL.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository returns a JobRepository that uses the given pool.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Create persists a new pending job and fills in its creation time.
func (r *JobRepository) Create(ctx context.Context, j *job.Job) error {
	err := r.pool.QueryRow(ctx, createJobSQL, j.ID, string(j.Status), j.Queries, j.ChunkSize).Scan(&j.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating match job %q: %w", j.ID, err)
	}
	return nil
}

// ClaimNext marks the oldest pending job as running under a new attempt and
// returns it. Concurrent workers never claim the same job.
func (r *JobRepository) ClaimNext(ctx context.Context) (*job.Job, error) {
	rows, err := r.pool.Query(ctx, claimNextJobSQL)
	if err != nil {
		return nil, fmt.Errorf("claiming match job: %w", err)
	}

	j, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNoPendingJobs
		}
		return nil, fmt.Errorf("claiming match job: %w", err)
	}
	return &j, nil
}

// UpdateProgress records the completed percentage of a running job and
// refreshes its heartbeat.
func (r *JobRepository) UpdateProgress(ctx context.Context, c job.Claim, percent float64) error {
	tag, err := r.pool.Exec(ctx, updateJobProgressSQL, c.ID, c.Attempt, percent)
	if err != nil {
		return fmt.Errorf("updating progress of match job %q: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrClaimLost
	}
	return nil
}

// Complete stores the batch summary and all results of a running job in one
// transaction.
func (r *JobRepository) Complete(ctx context.Context, c job.Claim, summary *match.Summary) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, completeJobSQL, c.ID, c.Attempt, summary.BatchID, summary.Total,
			summary.Found, summary.NotFound, summary.PartialMatch, summary.ProcessingSeconds())
		if err != nil {
			return fmt.Errorf("updating job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return job.ErrClaimLost
		}

		_, err = tx.CopyFrom(ctx, pgx.Identifier{"match_results"}, matchResultColumns,
			pgx.CopyFromSlice(len(summary.Results), func(i int) ([]any, error) {
				return resultValues(c.ID, i, summary.Results[i]), nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copying results: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("completing match job %q: %w", c.ID, err)
	}
	return nil
}

func resultValues(jobID string, position int, res match.Result) []any {
	var (
		productID *string
		score     *float64
	)
	if res.Product != nil {
		productID = &res.Product.ID
	}
	if res.HasScore() {
		score = &res.Score
	}
	return []any{jobID, position, res.Query, string(res.Status), productID, score, res.Timestamp}
}

// Fail marks a running job as failed with the given reason.
func (r *JobRepository) Fail(ctx context.Context, c job.Claim, reason string) error {
	tag, err := r.pool.Exec(ctx, failJobSQL, c.ID, c.Attempt, reason)
	if err != nil {
		return fmt.Errorf("failing match job %q: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrClaimLost
	}
	return nil
}

// RequeueStale returns running jobs whose heartbeat is older than olderThan
// to the pending queue, e.g. after a worker crash. The attempt counter is
// kept, so the previous owner's claim stays invalid.
func (r *JobRepository) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, requeueStaleJobsSQL, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("requeueing stale match jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get returns a job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*job.Job, error) {
	rows, err := r.pool.Query(ctx, getJobSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting match job %q: %w", id, err)
	}

	j, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("getting match job %q: %w", id, err)
	}
	return &j, nil
}

// Results returns the stored results of a job in query order.
func (r *JobRepository) Results(ctx context.Context, id string) ([]job.ResultRow, error) {
	rows, err := r.pool.Query(ctx, listJobResultsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("listing results of match job %q: %w", id, err)
	}
	return pgx.CollectRows(rows, scanResultRow)
}

func scanJob(row pgx.CollectableRow) (job.Job, error) {
	var (
		j                 job.Job
		status            string
		chunkSize         int32
		batchID           *string
		total             *int32
		found             *int32
		notFound          *int32
		partial           *int32
		processingSeconds *float64
		errText           *string
		attempt           int32
	)
	err := row.Scan(
		&j.ID, &status, &j.Queries, &chunkSize, &j.Progress, &batchID, &total, &found,
		&notFound, &partial, &processingSeconds, &errText, &attempt, &j.CreatedAt, &j.StartedAt,
		&j.HeartbeatAt, &j.FinishedAt,
	)
	j.Status = job.Status(status)
	j.ChunkSize = int(chunkSize)
	j.Attempt = int(attempt)
	if errText != nil {
		j.Error = *errText
	}
	if batchID != nil {
		j.Outcome = &job.Outcome{
			BatchID:           *batchID,
			Total:             derefInt(total),
			Found:             derefInt(found),
			NotFound:          derefInt(notFound),
			PartialMatch:      derefInt(partial),
			ProcessingSeconds: derefFloat(processingSeconds),
		}
	}
	return j, err
}

func scanResultRow(row pgx.CollectableRow) (job.ResultRow, error) {
	var (
		r         job.ResultRow
		position  int32
		status    string
		productID *string
		score     *float64
	)
	err := row.Scan(&position, &r.Query, &status, &productID, &score, &r.MatchedAt)
	r.Position = int(position)
	r.Status = match.Status(status)
	if productID != nil {
		r.ProductID = *productID
	}
	r.Score = derefFloat(score)
	return r, err
}

func derefInt(v *int32) int {
	if v == nil {
		return 0
	}
	return int(*v)
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
