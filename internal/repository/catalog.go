package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/ppm/internal/domain/catalog"
)

const (
	listCatalogSQL = `SELECT p.id, p.sku, p.name, p.price, v.id, v.sku
		FROM products p
		LEFT JOIN product_variants v ON v.product_id = p.id
		ORDER BY p.created_at, p.id, v.position`

	upsertProductSQL = `INSERT INTO products (id, sku, name, price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET sku = EXCLUDED.sku, name = EXCLUDED.name, price = EXCLUDED.price, updated_at = now()`

	deleteVariantsSQL = `DELETE FROM product_variants WHERE product_id = $1`

	insertVariantSQL = `INSERT INTO product_variants (id, product_id, sku, position)
		VALUES ($1, $2, $3, $4)`
)

var _ catalog.Provider = (*CatalogRepository)(nil)

// CatalogRepository reads and writes the product catalog in PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// Snapshot loads every product with its variants in catalog order. Any
// database failure is reported as catalog.ErrUnavailable.
func (r *CatalogRepository) Snapshot(ctx context.Context) (*catalog.Snapshot, error) {
	rows, err := r.pool.Query(ctx, listCatalogSQL)
	if err != nil {
		return nil, fmt.Errorf("listing catalog: %w: %w", catalog.ErrUnavailable, err)
	}

	flat, err := pgx.CollectRows(rows, scanCatalogRow)
	if err != nil {
		return nil, fmt.Errorf("scanning catalog: %w: %w", catalog.ErrUnavailable, err)
	}
	return catalog.NewSnapshot(groupCatalogRows(flat)), nil
}

// Upsert stores a product and replaces its variants in one transaction.
func (r *CatalogRepository) Upsert(ctx context.Context, p catalog.Product) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return upsertProduct(ctx, tx, p)
	})
}

// UpsertAll stores all products in a single transaction: either the whole
// catalog is written or nothing is. onProgress, when set, is called with the
// number of products written so far.
func (r *CatalogRepository) UpsertAll(ctx context.Context, products []catalog.Product, onProgress func(written int)) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for i, p := range products {
			if err := upsertProduct(ctx, tx, p); err != nil {
				return err
			}
			if onProgress != nil {
				onProgress(i + 1)
			}
		}
		return nil
	})
}

func upsertProduct(ctx context.Context, tx pgx.Tx, p catalog.Product) error {
	if _, err := tx.Exec(ctx, upsertProductSQL, p.ID, p.SKU, p.Name, p.Price); err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	if _, err := tx.Exec(ctx, deleteVariantsSQL, p.ID); err != nil {
		return fmt.Errorf("deleting variants of product %q: %w", p.ID, err)
	}
	if len(p.Variants) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, v := range p.Variants {
		batch.Queue(insertVariantSQL, v.ID, p.ID, v.SKU, i)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting variants of product %q: %w", p.ID, err)
	}
	return nil
}

// catalogRow is one product/variant pair of the joined listing.
type catalogRow struct {
	productID  string
	sku        string
	name       string
	price      decimal.Decimal
	variantID  *string
	variantSKU *string
}

func scanCatalogRow(row pgx.CollectableRow) (catalogRow, error) {
	var r catalogRow
	err := row.Scan(&r.productID, &r.sku, &r.name, &r.price, &r.variantID, &r.variantSKU)
	return r, err
}

// groupCatalogRows folds consecutive rows of the same product into one
// catalog.Product, preserving row order.
func groupCatalogRows(rows []catalogRow) []catalog.Product {
	var products []catalog.Product
	for _, row := range rows {
		n := len(products)
		if n == 0 || products[n-1].ID != row.productID {
			products = append(products, catalog.Product{
				ID:    row.productID,
				SKU:   row.sku,
				Name:  row.name,
				Price: row.price,
			})
			n++
		}
		if row.variantID != nil && row.variantSKU != nil {
			products[n-1].Variants = append(products[n-1].Variants, catalog.Variant{
				ID:  *row.variantID,
				SKU: *row.variantSKU,
			})
		}
	}
	return products
}
