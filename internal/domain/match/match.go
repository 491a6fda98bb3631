// Package match classifies free-form SKU queries against a catalog snapshot.
package match

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/ppm/internal/domain/catalog"
)

// Status is the classification of a single query.
type Status string

const (
	// StatusFound means the best score reached the found threshold.
	StatusFound Status = "found"
	// StatusPartialMatch means the best score reached only the partial threshold.
	StatusPartialMatch Status = "partial_match"
	// StatusNotFound means no candidate scored high enough.
	StatusNotFound Status = "not_found"
)

var (
	// ErrInvalidInput is returned for malformed arguments before any work starts.
	ErrInvalidInput = errors.New("invalid match input")
	// ErrCatalogUnavailable is returned when the catalog snapshot cannot be read.
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	// ErrQueriesUnavailable is returned when the query list cannot be read.
	ErrQueriesUnavailable = errors.New("queries unavailable")
)

// SourceError reports a failed read of a batch input. It matches the
// sentinel of its source with errors.Is and unwraps to the underlying cause.
type SourceError struct {
	Sentinel error
	Err      error
}

func (e *SourceError) Error() string {
	return e.Sentinel.Error() + ": " + e.Err.Error()
}

func (e *SourceError) Is(target error) bool {
	return target == e.Sentinel
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Result is the outcome for one query. Product is set only when Status is not
// StatusNotFound; Score is zero when no candidate matched at all.
type Result struct {
	Query     string
	Status    Status
	Product   *catalog.Product
	Score     float64
	Timestamp time.Time
}

// HasScore reports whether any candidate contributed a non-zero score.
func (r Result) HasScore() bool {
	return r.Score > 0
}

// Summary aggregates a completed batch.
type Summary struct {
	BatchID        string
	Total          int
	Found          int
	NotFound       int
	PartialMatch   int
	ProcessingTime time.Duration
	Results        []Result
}

// ProcessingSeconds returns the elapsed wall-clock time in seconds.
func (s *Summary) ProcessingSeconds() float64 {
	return s.ProcessingTime.Seconds()
}

func newSummary(batchID string, results []Result, elapsed time.Duration) *Summary {
	s := &Summary{
		BatchID:        batchID,
		Total:          len(results),
		ProcessingTime: elapsed,
		Results:        results,
	}
	for _, r := range results {
		switch r.Status {
		case StatusFound:
			s.Found++
		case StatusPartialMatch:
			s.PartialMatch++
		default:
			s.NotFound++
		}
	}
	return s
}

// QuerySource supplies the queries of a batch.
type QuerySource interface {
	Queries(ctx context.Context) ([]string, error)
}

// Queries is an in-memory QuerySource.
type Queries []string

// Queries implements QuerySource.
func (q Queries) Queries(_ context.Context) ([]string, error) {
	return q, nil
}
