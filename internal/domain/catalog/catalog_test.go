package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type countingProvider struct {
	calls int
	snap  *Snapshot
	err   error
}

func (p *countingProvider) Snapshot(_ context.Context) (*Snapshot, error) {
	p.calls++
	return p.snap, p.err
}

// --- Tests ---

func TestSnapshot_LookupSKU(t *testing.T) {
	snap := NewSnapshot([]Product{
		{ID: "1", SKU: "DEMO-001", Variants: []Variant{{ID: "v1", SKU: "DEMO-001-BLK"}}},
		{ID: "2", SKU: "demo-001-blk"},
		{ID: "3", SKU: ""},
	})

	tests := []struct {
		name    string
		sku     string
		wantIdx int
		wantOK  bool
	}{
		{name: "own sku", sku: "DEMO-001", wantIdx: 0, wantOK: true},
		{name: "case insensitive", sku: "demo-001", wantIdx: 0, wantOK: true},
		{name: "variant sku keeps first product", sku: "DEMO-001-BLK", wantIdx: 0, wantOK: true},
		{name: "surrounding whitespace is significant", sku: "  DEMO-001 ", wantOK: false},
		{name: "missing", sku: "XYZ-999", wantOK: false},
		{name: "empty sku is not indexed", sku: "", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, ok := snap.LookupSKU(tt.sku)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantIdx, idx)
			}
		})
	}
}

func TestSnapshot_CopiesInput(t *testing.T) {
	products := []Product{{ID: "1", SKU: "A", Variants: []Variant{{ID: "v", SKU: "A-1"}}}}
	snap := NewSnapshot(products)

	products[0].SKU = "B"
	products[0].Variants[0].SKU = "B-1"

	assert.Equal(t, "A", snap.At(0).SKU)
	assert.Equal(t, "A-1", snap.At(0).Variants[0].SKU)
	assert.Equal(t, 1, snap.Len())
}

func TestSnapshot_Nil(t *testing.T) {
	var snap *Snapshot
	assert.Equal(t, 0, snap.Len())
	assert.Nil(t, snap.Products())
	_, ok := snap.LookupSKU("A")
	assert.False(t, ok)
}

func TestCached_ReusesUntilExpiry(t *testing.T) {
	next := &countingProvider{snap: NewSnapshot(nil)}
	c := NewCached(next, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := c.Snapshot(ctx)
	require.NoError(t, err)
	_, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)

	now = now.Add(time.Minute)
	_, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)

	c.Invalidate()
	_, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, next.calls)
}

func TestCached_RefreshErrorDropsSnapshot(t *testing.T) {
	next := &countingProvider{snap: NewSnapshot(nil)}
	c := NewCached(next, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := c.Snapshot(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	next.err = errors.Wrap(ErrUnavailable, "dial")
	_, err = c.Snapshot(ctx)
	require.ErrorIs(t, err, ErrUnavailable)

	next.err = nil
	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotNil(t, snap)
	assert.Equal(t, 3, next.calls)
}
