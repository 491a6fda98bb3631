package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/ppm/db"
	"github.com/xenking/ppm/internal/catalogfeed"
	"github.com/xenking/ppm/internal/domain/catalog"
	"github.com/xenking/ppm/internal/domain/match"
	"github.com/xenking/ppm/internal/repository"
)

type options struct {
	queriesFile string
	catalogFile string
	databaseURL string
	outFile     string
	chunkSize   int
	keepBlank   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.queriesFile, "queries", "", "file with one query per line (.gz supported)")
	flag.StringVar(&opts.catalogFile, "catalog", "", "JSON-lines product feed (.gz supported); defaults to the database or the demo catalog")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL to load the catalog from (or DATABASE_URL env)")
	flag.StringVar(&opts.outFile, "out", "-", "output file for JSON-lines results, - for stdout")
	flag.IntVar(&opts.chunkSize, "chunk-size", 100, "queries matched between cancellation checks")
	flag.BoolVar(&opts.keepBlank, "keep-blank", false, "match blank lines as empty queries")
	flag.Parse()

	if opts.databaseURL == "" && opts.catalogFile == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.queriesFile == "" {
		fmt.Fprintln(os.Stderr, "sku-match: --queries is required")
		flag.Usage()
		os.Exit(2)
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		return run(ctx, lg, opts)
	})
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	var (
		products []catalog.Product
		queries  []string
	)

	// Load the catalog and the query list concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		products, err = loadCatalog(gctx, lg, opts)
		return errors.Wrap(err, "load catalog")
	})
	g.Go(func() error {
		var err error
		queries, err = catalogfeed.QueryFile{Path: opts.queriesFile, KeepBlank: opts.keepBlank}.Queries(gctx)
		return errors.Wrap(err, "load queries")
	})
	if err := g.Wait(); err != nil {
		return err
	}
	lg.Info("Inputs loaded", zap.Int("products", len(products)), zap.Int("queries", len(queries)))

	session := match.NewSession(match.NewDefaultMatcher())
	lastLogged := -1
	r, err := session.Start(ctx, match.Queries(queries), catalog.NewStatic(products), match.BatchOptions{
		ChunkSize: opts.chunkSize,
		OnProgress: func(p float64) {
			if step := int(p) / 10; step > lastLogged {
				lastLogged = step
				lg.Info("Matching", zap.Float64("progress", p))
			}
		},
	})
	if err != nil {
		return errors.Wrap(err, "start batch")
	}

	summary, err := r.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return errors.Wrap(err, "match batch")
	}

	if err := writeResults(opts.outFile, summary); err != nil {
		return err
	}

	lg.Info("Batch completed",
		zap.String("batch_id", summary.BatchID),
		zap.Int("total", summary.Total),
		zap.Int("found", summary.Found),
		zap.Int("partial_match", summary.PartialMatch),
		zap.Int("not_found", summary.NotFound),
		zap.Duration("duration", summary.ProcessingTime.Round(time.Microsecond)),
	)
	return nil
}

func loadCatalog(ctx context.Context, lg *zap.Logger, opts options) ([]catalog.Product, error) {
	switch {
	case opts.catalogFile != "":
		lg.Info("Reading catalog feed", zap.String("path", opts.catalogFile))
		return catalogfeed.ReadProductsFile(ctx, opts.catalogFile)
	case opts.databaseURL != "":
		lg.Info("Reading catalog from database")
		pool, err := repository.NewPool(ctx, opts.databaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		snap, err := repository.NewCatalogRepository(pool).Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return snap.Products(), nil
	default:
		lg.Info("Using demo catalog")
		return catalogfeed.ReadProducts(ctx, bytes.NewReader(db.DemoCatalog))
	}
}

func writeResults(path string, summary *match.Summary) (rerr error) {
	var out io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrap(err, "create output")
		}
		defer func() {
			if err := f.Close(); err != nil && rerr == nil {
				rerr = errors.Wrap(err, "close output")
			}
		}()
		out = f
	}

	rw := catalogfeed.NewResultWriter(out)
	if err := rw.WriteSummary(summary); err != nil {
		return err
	}
	return rw.Flush()
}
