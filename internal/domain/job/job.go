package job

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/ppm/internal/domain/match"
)

// Status is the lifecycle state of a match job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("match job not found")
	// ErrNoPendingJobs is returned by ClaimNext when the queue is empty.
	ErrNoPendingJobs = errors.New("no pending match jobs")
	// ErrClaimLost is returned when a job is no longer running under the
	// caller's claim: it finished, or it was requeued and claimed again.
	ErrClaimLost = errors.New("match job claim lost")
)

// Job is a queued SKU matching batch.
type Job struct {
	ID        string
	Status    Status
	Queries   []string
	ChunkSize int
	Progress  float64
	Outcome   *Outcome
	Error     string
	// Attempt counts claims; ClaimNext increments it.
	Attempt     int
	CreatedAt   time.Time
	StartedAt   *time.Time
	HeartbeatAt *time.Time
	FinishedAt  *time.Time
}

// Claim identifies one worker's ownership of a running job. Writes made under
// an outdated claim are rejected with ErrClaimLost.
type Claim struct {
	ID      string
	Attempt int
}

// Claim returns the ownership token of a claimed job.
func (j *Job) Claim() Claim {
	return Claim{ID: j.ID, Attempt: j.Attempt}
}

// Outcome is the persisted summary of a completed job.
type Outcome struct {
	BatchID           string
	Total             int
	Found             int
	NotFound          int
	PartialMatch      int
	ProcessingSeconds float64
}

// ResultRow is a persisted match result. ProductID is empty for not_found.
type ResultRow struct {
	Position  int
	Query     string
	Status    match.Status
	ProductID string
	Score     float64
	MatchedAt time.Time
}

// New builds a pending job for the given queries.
func New(queries []string, chunkSize int) (*Job, error) {
	if chunkSize < 1 {
		return nil, errors.Wrapf(match.ErrInvalidInput, "chunk size %d must be at least 1", chunkSize)
	}
	return &Job{
		ID:        uuid.New().String(),
		Status:    StatusPending,
		Queries:   queries,
		ChunkSize: chunkSize,
	}, nil
}

// Source exposes the job's queries to the matcher.
func (j *Job) Source() match.QuerySource {
	return match.Queries(j.Queries)
}

// Repository persists match jobs and their results.
type Repository interface {
	Create(ctx context.Context, j *Job) error
	ClaimNext(ctx context.Context) (*Job, error)
	// UpdateProgress stores progress and refreshes the job heartbeat.
	UpdateProgress(ctx context.Context, c Claim, percent float64) error
	Complete(ctx context.Context, c Claim, summary *match.Summary) error
	Fail(ctx context.Context, c Claim, reason string) error
	// RequeueStale returns running jobs whose heartbeat is older than
	// olderThan to the queue.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Get(ctx context.Context, id string) (*Job, error)
	Results(ctx context.Context, id string) ([]ResultRow, error)
}
