package catalogfeed

import (
	"context"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/ppm/internal/domain/catalog"
)

const (
	defaultBloomCapacity = 1_000_000
	defaultBloomFPR      = 0.001
	progressEvery        = 100_000
)

// Duplicate is a normalized SKU carried by more than one product or variant
// across the screened feeds.
type Duplicate struct {
	SKU   string
	Count int
	// Files lists the feeds containing the SKU, in argument order.
	Files []string
}

// ScreenOptions tunes the bloom filters of FindDuplicateSKUs.
type ScreenOptions struct {
	// Capacity is the expected number of SKUs per feed.
	Capacity uint
	// FalsePositiveRate of each filter. False positives only cost an extra
	// exact check in the second pass.
	FalsePositiveRate float64
}

func (o ScreenOptions) withDefaults() ScreenOptions {
	if o.Capacity == 0 {
		o.Capacity = defaultBloomCapacity
	}
	if o.FalsePositiveRate <= 0 || o.FalsePositiveRate >= 1 {
		o.FalsePositiveRate = defaultBloomFPR
	}
	return o
}

// FindDuplicateSKUs reports SKUs that occur more than once, within one feed or
// across feeds. Feeds are streamed twice: the first pass builds one bloom
// filter per feed, the second counts exact occurrences of every SKU some
// filter flagged.
func FindDuplicateSKUs(ctx context.Context, paths []string, opts ScreenOptions) ([]Duplicate, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	opts = opts.withDefaults()

	filters, repeated, err := buildFilters(ctx, paths, opts)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	counts, err := countCandidates(ctx, paths, filters, repeated)
	if err != nil {
		return nil, errors.Wrap(err, "count candidates")
	}

	return mergeCounts(paths, counts), nil
}

// skuKeys returns the normalized non-empty SKUs of p.
func skuKeys(p catalog.Product) []string {
	keys := make([]string, 0, 1+len(p.Variants))
	if k := catalog.NormalizeSKU(p.SKU); k != "" {
		keys = append(keys, k)
	}
	for _, v := range p.Variants {
		if k := catalog.NormalizeSKU(v.SKU); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func streamFeed(ctx context.Context, path string, fn func(sku string)) error {
	f, err := Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return eachProduct(ctx, f, func(p catalog.Product) error {
		for _, k := range skuKeys(p) {
			fn(k)
		}
		return nil
	})
}

// buildFilters creates one bloom filter per feed concurrently. SKUs that test
// positive while their own feed is being added are recorded as in-feed
// candidates.
func buildFilters(ctx context.Context, paths []string, opts ScreenOptions) ([]*bloom.BloomFilter, []map[string]struct{}, error) {
	filters := make([]*bloom.BloomFilter, len(paths))
	repeated := make([]map[string]struct{}, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			lg := zctx.From(ctx).With(zap.String("feed", path))
			filter := bloom.NewWithEstimates(opts.Capacity, opts.FalsePositiveRate)
			seen := make(map[string]struct{})
			var count uint64

			if err := streamFeed(ctx, path, func(sku string) {
				if filter.TestOrAddString(sku) {
					seen[sku] = struct{}{}
				}
				count++
				if count%progressEvery == 0 {
					lg.Info("Screening progress", zap.Int("pass", 1), zap.Uint64("skus", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "feed %s", path)
			}

			lg.Debug("Bloom filter built", zap.Uint64("skus", count), zap.Int("in_feed_candidates", len(seen)))
			filters[i] = filter
			repeated[i] = seen
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return filters, repeated, nil
}

// countCandidates re-streams every feed and counts exact occurrences of each
// SKU that repeated within its feed or tests positive in another feed's filter.
func countCandidates(
	ctx context.Context,
	paths []string,
	filters []*bloom.BloomFilter,
	repeated []map[string]struct{},
) ([]map[string]int, error) {
	counts := make([]map[string]int, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			found := make(map[string]int)
			if err := streamFeed(ctx, path, func(sku string) {
				if _, ok := repeated[i][sku]; ok {
					found[sku]++
					return
				}
				for j, f := range filters {
					if j != i && f.TestString(sku) {
						found[sku]++
						return
					}
				}
			}); err != nil {
				return errors.Wrapf(err, "feed %s", path)
			}
			counts[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// mergeCounts keeps candidates seen at least twice in total, sorted by SKU.
func mergeCounts(paths []string, counts []map[string]int) []Duplicate {
	merged := make(map[string]*Duplicate)
	for i, fileCounts := range counts {
		for sku, n := range fileCounts {
			d, ok := merged[sku]
			if !ok {
				d = &Duplicate{SKU: sku}
				merged[sku] = d
			}
			d.Count += n
			d.Files = append(d.Files, paths[i])
		}
	}

	var out []Duplicate
	for _, d := range merged {
		if d.Count >= 2 {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SKU < out[b].SKU })
	return out
}
