package match

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/ppm/internal/domain/catalog"
)

// BatchOptions controls a MatchBatch run.
type BatchOptions struct {
	// ChunkSize is the number of queries processed between cancellation checks.
	ChunkSize int
	// OnProgress, when set, is called after every query with the completed
	// percentage. The last call reports exactly 100.
	OnProgress func(percent float64)
}

// Matcher scores queries against catalog snapshots. It holds no per-batch
// state and is safe for concurrent use.
type Matcher struct {
	scoring Scoring
	now     func() time.Time
	newID   func() string
}

// NewMatcher creates a Matcher with the given scoring table. Zero fields fall
// back to the defaults.
func NewMatcher(scoring Scoring) (*Matcher, error) {
	scoring = scoring.withDefaults()
	if err := scoring.Validate(); err != nil {
		return nil, err
	}
	return &Matcher{
		scoring: scoring,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}, nil
}

// NewDefaultMatcher creates a Matcher using DefaultScoring.
func NewDefaultMatcher() *Matcher {
	m, err := NewMatcher(DefaultScoring())
	if err != nil {
		panic(err)
	}
	return m
}

// Scoring returns the effective scoring table.
func (m *Matcher) Scoring() Scoring {
	return m.scoring
}

// MatchOne classifies a single query. It never fails: an empty query or an
// empty snapshot yields StatusNotFound without a score.
func (m *Matcher) MatchOne(query string, snap *catalog.Snapshot) Result {
	res := Result{
		Query:     query,
		Status:    StatusNotFound,
		Timestamp: m.now(),
	}

	score, idx := m.best(query, snap)
	if score <= 0 {
		return res
	}
	res.Score = score
	res.Status = m.scoring.classify(score)
	if res.Status != StatusNotFound {
		p := *snap.At(idx)
		p.Variants = append([]catalog.Variant(nil), p.Variants...)
		res.Product = &p
	}
	return res
}

// best returns the highest score and the position of the first product
// reaching it, or (0, -1) when nothing matched.
func (m *Matcher) best(query string, snap *catalog.Snapshot) (float64, int) {
	if strings.TrimSpace(query) == "" || snap.Len() == 0 {
		return 0, -1
	}
	q := catalog.NormalizeSKU(query)

	// Exact matches outrank every other rule, so the first product carrying
	// the SKU wins outright.
	if i, ok := snap.LookupSKU(q); ok {
		return m.scoring.Exact, i
	}

	bestScore, bestIdx := 0.0, -1
	for i := range snap.Len() {
		if score := m.scoring.product(q, snap.KeysAt(i)); score > bestScore {
			bestScore, bestIdx = score, i
		}
	}
	return bestScore, bestIdx
}

// MatchBatch reads the catalog and the queries, then classifies every query in
// order, ChunkSize at a time. It yields the processor after each query so
// progress observers can run, and checks ctx between chunks. Any failure
// aborts the batch without partial results.
func (m *Matcher) MatchBatch(
	ctx context.Context,
	queries QuerySource,
	provider catalog.Provider,
	opts BatchOptions,
) (*Summary, error) {
	if err := validateBatch(queries, provider, opts); err != nil {
		return nil, err
	}
	started := m.now()

	snap, err := provider.Snapshot(ctx)
	if err != nil {
		return nil, &SourceError{Sentinel: ErrCatalogUnavailable, Err: err}
	}
	list, err := queries.Queries(ctx)
	if err != nil {
		return nil, &SourceError{Sentinel: ErrQueriesUnavailable, Err: err}
	}

	total := len(list)
	results := make([]Result, 0, total)
	for start := 0; start < total; start += opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "match batch")
		}
		end := min(start+opts.ChunkSize, total)
		for i := start; i < end; i++ {
			results = append(results, m.MatchOne(list[i], snap))
			if opts.OnProgress != nil {
				opts.OnProgress(percent(i+1, total))
			}
			runtime.Gosched()
		}
	}

	return newSummary(m.newID(), results, m.now().Sub(started)), nil
}

func validateBatch(queries QuerySource, provider catalog.Provider, opts BatchOptions) error {
	if opts.ChunkSize < 1 {
		return errors.Wrapf(ErrInvalidInput, "chunk size %d must be at least 1", opts.ChunkSize)
	}
	if queries == nil {
		return errors.Wrap(ErrInvalidInput, "query source is nil")
	}
	if provider == nil {
		return errors.Wrap(ErrInvalidInput, "catalog provider is nil")
	}
	return nil
}

func percent(done, total int) float64 {
	return float64(done) * 100 / float64(total)
}
