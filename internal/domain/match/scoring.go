package match

import (
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/ppm/internal/domain/catalog"
)

// Default weights and thresholds.
const (
	DefaultExactWeight            = 1.0
	DefaultSKUContainsQueryWeight = 0.9
	DefaultQueryContainsSKUWeight = 0.8
	DefaultNameWeight             = 0.6
	DefaultFoundThreshold         = 0.9
	DefaultPartialThreshold       = 0.6
)

// Scoring holds the rule weights and classification thresholds. Zero fields
// take the package defaults.
type Scoring struct {
	Exact            float64
	SKUContainsQuery float64
	QueryContainsSKU float64
	Name             float64
	FoundThreshold   float64
	PartialThreshold float64
}

// DefaultScoring returns the stock weight table.
func DefaultScoring() Scoring {
	return Scoring{
		Exact:            DefaultExactWeight,
		SKUContainsQuery: DefaultSKUContainsQueryWeight,
		QueryContainsSKU: DefaultQueryContainsSKUWeight,
		Name:             DefaultNameWeight,
		FoundThreshold:   DefaultFoundThreshold,
		PartialThreshold: DefaultPartialThreshold,
	}
}

func (s Scoring) withDefaults() Scoring {
	d := DefaultScoring()
	if s.Exact <= 0 {
		s.Exact = d.Exact
	}
	if s.SKUContainsQuery <= 0 {
		s.SKUContainsQuery = d.SKUContainsQuery
	}
	if s.QueryContainsSKU <= 0 {
		s.QueryContainsSKU = d.QueryContainsSKU
	}
	if s.Name <= 0 {
		s.Name = d.Name
	}
	if s.FoundThreshold <= 0 {
		s.FoundThreshold = d.FoundThreshold
	}
	if s.PartialThreshold <= 0 {
		s.PartialThreshold = d.PartialThreshold
	}
	return s
}

// Validate checks that weights lie in (0, 1], that an exact match strictly
// outranks every other rule, and that thresholds are ordered.
func (s Scoring) Validate() error {
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"exact", s.Exact},
		{"sku contains query", s.SKUContainsQuery},
		{"query contains sku", s.QueryContainsSKU},
		{"name", s.Name},
		{"found threshold", s.FoundThreshold},
		{"partial threshold", s.PartialThreshold},
	} {
		if w.value <= 0 || w.value > 1 {
			return errors.Wrapf(ErrInvalidInput, "%s weight %v out of range (0, 1]", w.name, w.value)
		}
	}
	if s.SKUContainsQuery >= s.Exact || s.QueryContainsSKU >= s.Exact || s.Name >= s.Exact {
		return errors.Wrap(ErrInvalidInput, "exact weight must exceed all other weights")
	}
	if s.PartialThreshold > s.FoundThreshold {
		return errors.Wrap(ErrInvalidInput, "partial threshold exceeds found threshold")
	}
	return nil
}

// candidate scores a normalized, non-empty query against one candidate SKU of
// a product with the given normalized name.
func (s Scoring) candidate(q, sku, name string) float64 {
	if sku != "" {
		switch {
		case q == sku:
			return s.Exact
		case strings.Contains(sku, q):
			return s.SKUContainsQuery
		case strings.Contains(q, sku):
			return s.QueryContainsSKU
		}
	}
	if name != "" && (strings.Contains(name, q) || strings.Contains(q, name)) {
		return s.Name
	}
	return 0
}

// product returns the best score of q over a product's own SKU and variants.
func (s Scoring) product(q string, k catalog.Keys) float64 {
	best := s.candidate(q, k.SKU, k.Name)
	for _, v := range k.Variants {
		if score := s.candidate(q, v, k.Name); score > best {
			best = score
		}
	}
	return best
}

func (s Scoring) classify(score float64) Status {
	switch {
	case score >= s.FoundThreshold:
		return StatusFound
	case score >= s.PartialThreshold:
		return StatusPartialMatch
	default:
		return StatusNotFound
	}
}
