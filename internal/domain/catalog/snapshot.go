package catalog

import "strings"

// Snapshot is an immutable, ordered set of products. It is safe for
// concurrent use by any number of readers.
type Snapshot struct {
	products []Product
	keys     []Keys
	// bySKU maps a normalized SKU (own or variant) to the index of the first
	// product carrying it.
	bySKU map[string]int
}

// NewSnapshot copies products into a new Snapshot. Product order is kept and
// defines tie-breaking during matching.
func NewSnapshot(products []Product) *Snapshot {
	s := &Snapshot{
		products: make([]Product, len(products)),
		keys:     make([]Keys, len(products)),
		bySKU:    make(map[string]int, len(products)),
	}
	for i, p := range products {
		p.Variants = append([]Variant(nil), p.Variants...)
		s.products[i] = p
		s.keys[i] = foldKeys(p)
		s.index(p.SKU, i)
		for _, v := range p.Variants {
			s.index(v.SKU, i)
		}
	}
	return s
}

// Keys holds the normalized comparison strings of a product.
type Keys struct {
	SKU      string
	Name     string
	Variants []string
}

func foldKeys(p Product) Keys {
	k := Keys{
		SKU:      foldField(p.SKU),
		Name:     foldField(p.Name),
		Variants: make([]string, len(p.Variants)),
	}
	for i, v := range p.Variants {
		k.Variants[i] = foldField(v.SKU)
	}
	return k
}

// foldField normalizes a catalog field; blank fields fold to "".
func foldField(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return NormalizeSKU(s)
}

func (s *Snapshot) index(sku string, i int) {
	key := foldField(sku)
	if key == "" {
		return
	}
	if _, ok := s.bySKU[key]; !ok {
		s.bySKU[key] = i
	}
}

// Len returns the number of products in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.products)
}

// At returns the product at position i.
func (s *Snapshot) At(i int) *Product {
	return &s.products[i]
}

// KeysAt returns the normalized keys of the product at position i.
func (s *Snapshot) KeysAt(i int) Keys {
	return s.keys[i]
}

// Products returns a copy of the snapshot contents.
func (s *Snapshot) Products() []Product {
	if s == nil {
		return nil
	}
	out := make([]Product, len(s.products))
	copy(out, s.products)
	return out
}

// LookupSKU returns the position of the first product whose own SKU or any
// variant SKU equals sku, ignoring case and surrounding whitespace.
func (s *Snapshot) LookupSKU(sku string) (int, bool) {
	if s == nil {
		return 0, false
	}
	i, ok := s.bySKU[NormalizeSKU(sku)]
	return i, ok
}
