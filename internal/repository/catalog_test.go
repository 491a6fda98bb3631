package repository

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ppm/internal/domain/catalog"
	"github.com/xenking/ppm/internal/domain/match"
)

func strPtr(s string) *string { return &s }

func TestGroupCatalogRows(t *testing.T) {
	price := decimal.RequireFromString("199.99")
	rows := []catalogRow{
		{productID: "p1", sku: "DEMO-001", name: "Headphones", price: price, variantID: strPtr("v1"), variantSKU: strPtr("DEMO-001-BLK")},
		{productID: "p1", sku: "DEMO-001", name: "Headphones", price: price, variantID: strPtr("v2"), variantSKU: strPtr("DEMO-001-WHT")},
		{productID: "p2", sku: "DEMO-002", name: "Speaker", price: decimal.Zero},
		{productID: "p3", sku: "DEMO-003", name: "Cable", price: decimal.Zero, variantID: strPtr("v3"), variantSKU: strPtr("DEMO-003-2M")},
	}

	products := groupCatalogRows(rows)

	require.Len(t, products, 3)
	assert.Equal(t, "p1", products[0].ID)
	assert.True(t, price.Equal(products[0].Price))
	assert.Equal(t, []catalog.Variant{
		{ID: "v1", SKU: "DEMO-001-BLK"},
		{ID: "v2", SKU: "DEMO-001-WHT"},
	}, products[0].Variants)
	assert.Empty(t, products[1].Variants)
	assert.Equal(t, []catalog.Variant{{ID: "v3", SKU: "DEMO-003-2M"}}, products[2].Variants)
}

func TestGroupCatalogRows_Empty(t *testing.T) {
	assert.Empty(t, groupCatalogRows(nil))
}

func TestResultValues(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	found := resultValues("job-1", 0, match.Result{
		Query:     "DEMO",
		Status:    match.StatusFound,
		Product:   &catalog.Product{ID: "p1"},
		Score:     0.9,
		Timestamp: ts,
	})
	require.Len(t, found, len(matchResultColumns))
	assert.Equal(t, "job-1", found[0])
	assert.Equal(t, 0, found[1])
	assert.Equal(t, "found", found[3])
	require.NotNil(t, found[4])
	assert.Equal(t, "p1", *found[4].(*string))
	assert.Equal(t, 0.9, *found[5].(*float64))
	assert.Equal(t, ts, found[6])

	missing := resultValues("job-1", 1, match.Result{Query: "XYZ", Status: match.StatusNotFound, Timestamp: ts})
	assert.Nil(t, missing[4].(*string))
	assert.Nil(t, missing[5].(*float64))
}
