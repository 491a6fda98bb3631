package match

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ppm/internal/domain/catalog"
)

// --- Mock implementations ---

type failingProvider struct {
	err error
}

func (p *failingProvider) Snapshot(_ context.Context) (*catalog.Snapshot, error) {
	return nil, p.err
}

type failingQueries struct {
	err error
}

func (q *failingQueries) Queries(_ context.Context) ([]string, error) {
	return nil, q.err
}

// --- Helpers ---

func demoCatalog() *catalog.Snapshot {
	return catalog.NewSnapshot([]catalog.Product{
		{
			ID:   "p1",
			SKU:  "DEMO-001",
			Name: "Premium Wireless Headphones",
			Variants: []catalog.Variant{
				{ID: "v1", SKU: "DEMO-001-BLK"},
			},
		},
	})
}

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	m := NewDefaultMatcher()
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	seq := 0
	m.newID = func() string {
		seq++
		return fmt.Sprintf("batch-%d", seq)
	}
	return m
}

// --- Tests ---

func TestMatchOne_DemoScenario(t *testing.T) {
	m := newTestMatcher(t)
	snap := demoCatalog()

	tests := []struct {
		query       string
		wantStatus  Status
		wantScore   float64
		wantProduct bool
	}{
		{query: "DEMO-001", wantStatus: StatusFound, wantScore: 1.0, wantProduct: true},
		{query: "DEMO-001-BLK", wantStatus: StatusFound, wantScore: 1.0, wantProduct: true},
		{query: "demo-001-blk", wantStatus: StatusFound, wantScore: 1.0, wantProduct: true},
		// A substring of the SKU reaches the found threshold on purpose.
		{query: "DEMO", wantStatus: StatusFound, wantScore: 0.9, wantProduct: true},
		{query: "DEMO-001-RED", wantStatus: StatusPartialMatch, wantScore: 0.8, wantProduct: true},
		{query: "Wireless", wantStatus: StatusPartialMatch, wantScore: 0.6, wantProduct: true},
		{query: "premium wireless headphones (refurbished)", wantStatus: StatusPartialMatch, wantScore: 0.6, wantProduct: true},
		// Padding is not trimmed, so the padded query only contains the SKU.
		{query: "DEMO-001 ", wantStatus: StatusPartialMatch, wantScore: 0.8, wantProduct: true},
		{query: " demo-001", wantStatus: StatusPartialMatch, wantScore: 0.8, wantProduct: true},
		{query: "XYZ-999", wantStatus: StatusNotFound},
		{query: "", wantStatus: StatusNotFound},
		{query: "   ", wantStatus: StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			res := m.MatchOne(tt.query, snap)

			assert.Equal(t, tt.query, res.Query)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantScore, res.Score)
			assert.Equal(t, tt.wantScore > 0, res.HasScore())
			if tt.wantProduct {
				require.NotNil(t, res.Product)
				assert.Equal(t, "p1", res.Product.ID)
			} else {
				assert.Nil(t, res.Product)
			}
			assert.False(t, res.Timestamp.IsZero())
		})
	}
}

func TestMatchOne_EmptyCatalog(t *testing.T) {
	m := newTestMatcher(t)

	for _, snap := range []*catalog.Snapshot{nil, catalog.NewSnapshot(nil)} {
		res := m.MatchOne("DEMO-001", snap)
		assert.Equal(t, StatusNotFound, res.Status)
		assert.False(t, res.HasScore())
		assert.Nil(t, res.Product)
	}
}

func TestMatchOne_TieBreaking(t *testing.T) {
	m := newTestMatcher(t)

	tests := []struct {
		name      string
		products  []catalog.Product
		query     string
		wantID    string
		wantScore float64
	}{
		{
			name: "first product wins equal substring scores",
			products: []catalog.Product{
				{ID: "a", SKU: "ABC-1"},
				{ID: "b", SKU: "ABC-2"},
			},
			query:     "abc",
			wantID:    "a",
			wantScore: 0.9,
		},
		{
			name: "variant of earlier product beats later own sku",
			products: []catalog.Product{
				{ID: "a", SKU: "ZZZ", Variants: []catalog.Variant{{ID: "a1", SKU: "ABC-9"}}},
				{ID: "b", SKU: "ABC-1"},
			},
			query:     "ABC",
			wantID:    "a",
			wantScore: 0.9,
		},
		{
			name: "later exact match beats earlier substring",
			products: []catalog.Product{
				{ID: "a", SKU: "DEMO-001"},
				{ID: "b", SKU: "DEMO"},
			},
			query:     "demo",
			wantID:    "b",
			wantScore: 1.0,
		},
		{
			name: "duplicate exact sku keeps first product",
			products: []catalog.Product{
				{ID: "a", SKU: "DUP"},
				{ID: "b", SKU: "X", Variants: []catalog.Variant{{ID: "b1", SKU: "dup"}}},
			},
			query:     "DUP",
			wantID:    "a",
			wantScore: 1.0,
		},
		{
			name: "higher score on later product wins",
			products: []catalog.Product{
				{ID: "a", SKU: "X-1", Name: "Widget"},
				{ID: "b", SKU: "WIDGET-9"},
			},
			query:     "widget",
			wantID:    "b",
			wantScore: 0.9,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.MatchOne(tt.query, catalog.NewSnapshot(tt.products))
			require.NotNil(t, res.Product)
			assert.Equal(t, tt.wantID, res.Product.ID)
			assert.Equal(t, tt.wantScore, res.Score)
		})
	}
}

func TestMatchOne_EmptyCandidateFieldsNeverMatch(t *testing.T) {
	m := newTestMatcher(t)
	snap := catalog.NewSnapshot([]catalog.Product{
		{ID: "a", SKU: "", Name: "", Variants: []catalog.Variant{{ID: "a1", SKU: " "}}},
		{ID: "b", SKU: "\t", Name: "  "},
	})

	for _, q := range []string{"anything", "two  words"} {
		res := m.MatchOne(q, snap)
		assert.Equal(t, StatusNotFound, res.Status, q)
		assert.False(t, res.HasScore(), q)
	}
}

func TestMatchOne_ResultDoesNotAliasSnapshot(t *testing.T) {
	m := newTestMatcher(t)
	snap := demoCatalog()

	res := m.MatchOne("DEMO-001", snap)
	require.NotNil(t, res.Product)
	res.Product.SKU = "CHANGED"
	res.Product.Variants[0].SKU = "CHANGED"

	assert.Equal(t, "DEMO-001", snap.At(0).SKU)
	assert.Equal(t, "DEMO-001-BLK", snap.At(0).Variants[0].SKU)
}

func TestMatchOne_CustomScoring(t *testing.T) {
	m, err := NewMatcher(Scoring{FoundThreshold: 0.95})
	require.NoError(t, err)

	res := m.MatchOne("DEMO", demoCatalog())
	assert.Equal(t, StatusPartialMatch, res.Status)
	assert.Equal(t, 0.9, res.Score)
}

func TestScoring_Validate(t *testing.T) {
	tests := []struct {
		name    string
		scoring Scoring
		wantErr bool
	}{
		{name: "defaults", scoring: DefaultScoring()},
		{
			name:    "weight above one",
			scoring: Scoring{Exact: 1.5, SKUContainsQuery: 0.9, QueryContainsSKU: 0.8, Name: 0.6, FoundThreshold: 0.9, PartialThreshold: 0.6},
			wantErr: true,
		},
		{
			name:    "exact does not outrank substring",
			scoring: Scoring{Exact: 0.9, SKUContainsQuery: 0.9, QueryContainsSKU: 0.8, Name: 0.6, FoundThreshold: 0.9, PartialThreshold: 0.6},
			wantErr: true,
		},
		{
			name:    "partial above found",
			scoring: Scoring{Exact: 1, SKUContainsQuery: 0.9, QueryContainsSKU: 0.8, Name: 0.6, FoundThreshold: 0.5, PartialThreshold: 0.6},
			wantErr: true,
		},
		{
			name:    "zero weight",
			scoring: Scoring{Exact: 1},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scoring.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNewMatcher_ZeroScoringUsesDefaults(t *testing.T) {
	m, err := NewMatcher(Scoring{})
	require.NoError(t, err)
	assert.Equal(t, DefaultScoring(), m.Scoring())
}

func TestNewMatcher_RejectsInvalidScoring(t *testing.T) {
	_, err := NewMatcher(Scoring{Name: 1.0})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMatchBatch_OrderAcrossChunkSizes(t *testing.T) {
	queries := Queries{
		"DEMO-001", "XYZ-999", "Wireless", "DEMO", "DEMO-001-BLK", "DEMO-001",
		"", "nothing", "DEMO-001-RED", "headphones", "DEMO-001", "zzz",
	}
	provider := catalog.NewStatic(demoCatalog().Products())

	for _, chunk := range []int{1, 5, len(queries), len(queries) + 3} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			m := newTestMatcher(t)

			summary, err := m.MatchBatch(context.Background(), queries, provider, BatchOptions{ChunkSize: chunk})
			require.NoError(t, err)
			require.Len(t, summary.Results, len(queries))
			for i, r := range summary.Results {
				assert.Equal(t, queries[i], r.Query, "result %d out of order", i)
			}

			assert.Equal(t, len(queries), summary.Total)
			assert.Equal(t, summary.Total, summary.Found+summary.NotFound+summary.PartialMatch)
			assert.Equal(t, 5, summary.Found)
			assert.Equal(t, 3, summary.PartialMatch)
			assert.Equal(t, 4, summary.NotFound)
			assert.Equal(t, "batch-1", summary.BatchID)
		})
	}
}

func TestMatchBatch_Progress(t *testing.T) {
	m := newTestMatcher(t)
	queries := Queries{"a", "b", "c", "d", "e", "f", "g"}

	var reported []float64
	_, err := m.MatchBatch(context.Background(), queries, catalog.NewStatic(nil), BatchOptions{
		ChunkSize:  3,
		OnProgress: func(p float64) { reported = append(reported, p) },
	})
	require.NoError(t, err)

	require.Len(t, reported, len(queries))
	for i := 1; i < len(reported); i++ {
		assert.GreaterOrEqual(t, reported[i], reported[i-1])
	}
	for _, p := range reported {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 100.0)
	}
	assert.Equal(t, 100.0, reported[len(reported)-1])
}

func TestMatchBatch_EmptyQueries(t *testing.T) {
	m := newTestMatcher(t)

	calls := 0
	summary, err := m.MatchBatch(context.Background(), Queries{}, catalog.NewStatic(nil), BatchOptions{
		ChunkSize:  10,
		OnProgress: func(float64) { calls++ },
	})
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Empty(t, summary.Results)
	assert.Zero(t, calls)
}

func TestMatchBatch_Idempotent(t *testing.T) {
	m := NewDefaultMatcher()
	queries := Queries{"DEMO", "Wireless", "XYZ", "DEMO-001-BLK", "DEMO"}
	provider := catalog.NewStatic(demoCatalog().Products())

	first, err := m.MatchBatch(context.Background(), queries, provider, BatchOptions{ChunkSize: 2})
	require.NoError(t, err)
	second, err := m.MatchBatch(context.Background(), queries, provider, BatchOptions{ChunkSize: 2})
	require.NoError(t, err)

	assert.NotEqual(t, first.BatchID, second.BatchID)
	require.Len(t, second.Results, len(first.Results))
	for i := range first.Results {
		a, b := first.Results[i], second.Results[i]
		assert.Equal(t, a.Query, b.Query)
		assert.Equal(t, a.Status, b.Status)
		assert.Equal(t, a.Score, b.Score)
		assert.Equal(t, a.Product, b.Product)
	}
}

func TestMatchBatch_InvalidInput(t *testing.T) {
	m := newTestMatcher(t)
	provider := catalog.NewStatic(nil)

	tests := []struct {
		name     string
		queries  QuerySource
		provider catalog.Provider
		chunk    int
	}{
		{name: "zero chunk", queries: Queries{"a"}, provider: provider, chunk: 0},
		{name: "negative chunk", queries: Queries{"a"}, provider: provider, chunk: -1},
		{name: "nil queries", queries: nil, provider: provider, chunk: 1},
		{name: "nil provider", queries: Queries{"a"}, provider: nil, chunk: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			summary, err := m.MatchBatch(context.Background(), tt.queries, tt.provider, BatchOptions{
				ChunkSize:  tt.chunk,
				OnProgress: func(float64) { called = true },
			})
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.Nil(t, summary)
			assert.False(t, called)
		})
	}
}

func TestMatchBatch_CatalogUnavailable(t *testing.T) {
	m := newTestMatcher(t)
	cause := errors.New("connection refused")

	summary, err := m.MatchBatch(context.Background(), Queries{"a"}, &failingProvider{err: cause}, BatchOptions{ChunkSize: 1})
	require.ErrorIs(t, err, ErrCatalogUnavailable)
	require.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrQueriesUnavailable)
	assert.Nil(t, summary)

	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Contains(t, srcErr.Error(), "connection refused")
}

func TestMatchBatch_QueriesUnavailable(t *testing.T) {
	m := newTestMatcher(t)

	summary, err := m.MatchBatch(context.Background(), &failingQueries{err: errors.New("file gone")}, catalog.NewStatic(nil), BatchOptions{ChunkSize: 1})
	require.ErrorIs(t, err, ErrQueriesUnavailable)
	assert.Nil(t, summary)
}

func TestMatchBatch_CancelAtChunkBoundary(t *testing.T) {
	m := newTestMatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processed := 0
	summary, err := m.MatchBatch(ctx, Queries{"a", "b", "c", "d", "e", "f"}, catalog.NewStatic(nil), BatchOptions{
		ChunkSize: 2,
		OnProgress: func(float64) {
			processed++
			cancel()
		},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, summary)
	// The running chunk completes before cancellation is observed.
	assert.Equal(t, 2, processed)
}

func TestMatchBatch_ConcurrentRunsShareSnapshot(t *testing.T) {
	m := NewDefaultMatcher()
	provider := catalog.NewStatic(demoCatalog().Products())
	queries := Queries{"DEMO", "Wireless", "XYZ-999", "DEMO-001"}

	const runs = 8
	summaries := make(chan *Summary, runs)
	errs := make(chan error, runs)
	for range runs {
		go func() {
			s, err := m.MatchBatch(context.Background(), queries, provider, BatchOptions{ChunkSize: 1})
			summaries <- s
			errs <- err
		}()
	}
	for range runs {
		require.NoError(t, <-errs)
		s := <-summaries
		assert.Equal(t, 2, s.Found)
		assert.Equal(t, 1, s.PartialMatch)
		assert.Equal(t, 1, s.NotFound)
	}
}
