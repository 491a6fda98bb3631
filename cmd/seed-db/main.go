package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/ppm/db"
	"github.com/xenking/ppm/internal/catalogfeed"
	"github.com/xenking/ppm/internal/domain/catalog"
	"github.com/xenking/ppm/internal/domain/job"
	"github.com/xenking/ppm/internal/repository"
)

const maxReportedDuplicates = 20

type options struct {
	databaseURL     string
	feeds           []string
	allowDuplicates bool
	enqueueFile     string
	chunkSize       int
	bloomCapacity   uint
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&opts.allowDuplicates, "allow-duplicates", false,
		"seed even when feeds share SKUs (a primary SKU clash still aborts the whole seed)")
	flag.StringVar(&opts.enqueueFile, "enqueue", "", "queries file to enqueue as a match job after seeding")
	flag.IntVar(&opts.chunkSize, "chunk-size", 100, "chunk size of the enqueued job")
	flag.UintVar(&opts.bloomCapacity, "bloom-capacity", 1_000_000, "expected SKUs per feed for duplicate screening")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [feed.jsonl[.gz] ...]\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Without feeds the embedded demo catalog is seeded.")
		flag.PrintDefaults()
	}
	flag.Parse()
	opts.feeds = flag.Args()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		fmt.Fprintln(os.Stderr, "seed-db: database URL is required: set --database-url or DATABASE_URL")
		os.Exit(2)
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		if err := run(ctx, lg, opts); err != nil {
			return err
		}
		lg.Info("Seed completed")
		return nil
	})
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	products, err := loadProducts(ctx, lg, opts)
	if err != nil {
		return err
	}

	lg.Info("Connecting to database")
	pool, err := repository.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := repository.NewCatalogRepository(pool)
	lg.Info("Upserting products", zap.Int("count", len(products)))
	err = repo.UpsertAll(ctx, products, func(written int) {
		if written%1000 == 0 || written == len(products) {
			lg.Info("Upsert progress", zap.Int("written", written), zap.Int("total", len(products)))
		}
	})
	if err != nil {
		return errors.Wrap(err, "upsert products")
	}

	if opts.enqueueFile == "" {
		return nil
	}
	return enqueue(ctx, lg, repository.NewJobRepository(pool), opts)
}

// loadProducts reads the feeds, or the demo catalog when none are given,
// refusing feeds with duplicate SKUs unless allowed.
func loadProducts(ctx context.Context, lg *zap.Logger, opts options) ([]catalog.Product, error) {
	if len(opts.feeds) == 0 {
		lg.Info("Reading demo catalog")
		products, err := catalogfeed.ReadProducts(ctx, bytes.NewReader(db.DemoCatalog))
		return products, errors.Wrap(err, "read demo catalog")
	}

	lg.Info("Screening feeds for duplicate SKUs", zap.Strings("feeds", opts.feeds))
	dups, err := catalogfeed.FindDuplicateSKUs(ctx, opts.feeds, catalogfeed.ScreenOptions{Capacity: opts.bloomCapacity})
	if err != nil {
		return nil, errors.Wrap(err, "screen feeds")
	}
	for i, d := range dups {
		if i == maxReportedDuplicates {
			lg.Warn("More duplicate SKUs omitted", zap.Int("omitted", len(dups)-i))
			break
		}
		lg.Warn("Duplicate SKU", zap.String("sku", d.SKU), zap.Int("count", d.Count), zap.Strings("feeds", d.Files))
	}
	if len(dups) > 0 && !opts.allowDuplicates {
		return nil, errors.Errorf("%d duplicate SKUs found; fix the feeds or pass --allow-duplicates", len(dups))
	}

	var products []catalog.Product
	for _, path := range opts.feeds {
		lg.Info("Reading feed", zap.String("path", path))
		feed, err := catalogfeed.ReadProductsFile(ctx, path)
		if err != nil {
			return nil, err
		}
		products = append(products, feed...)
	}
	return products, nil
}

func enqueue(ctx context.Context, lg *zap.Logger, jobs job.Repository, opts options) error {
	queries, err := catalogfeed.QueryFile{Path: opts.enqueueFile}.Queries(ctx)
	if err != nil {
		return errors.Wrap(err, "read queries")
	}

	j, err := job.New(queries, opts.chunkSize)
	if err != nil {
		return err
	}
	if err := jobs.Create(ctx, j); err != nil {
		return errors.Wrap(err, "enqueue match job")
	}

	lg.Info("Match job enqueued", zap.String("job_id", j.ID), zap.Int("queries", len(queries)))
	return nil
}
