package catalog

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned by providers when a catalog snapshot cannot be
// obtained, e.g. the backing store is unreachable.
var ErrUnavailable = errors.New("catalog unavailable")

// Product is a read-only view of a catalog item available for SKU matching.
type Product struct {
	ID       string
	SKU      string
	Name     string
	Price    decimal.Decimal
	Variants []Variant
}

// Variant is a purchasable variation of a product with its own SKU.
type Variant struct {
	ID  string
	SKU string
}

// Provider supplies point-in-time catalog snapshots.
type Provider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// NormalizeSKU folds a SKU or query for case-insensitive comparison.
// Whitespace is significant.
func NormalizeSKU(s string) string {
	return strings.ToLower(s)
}
