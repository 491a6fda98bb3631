// Package catalogfeed reads product feeds and query lists from JSON-lines or
// plain-text files, optionally gzip-compressed, and writes match results as
// JSON lines.
package catalogfeed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/ppm/internal/domain/catalog"
	"github.com/xenking/ppm/internal/domain/match"
)

const maxLineSize = 1 << 20

// LineError reports a malformed feed line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Open opens path for reading, transparently decompressing ".gz" files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}

	gz, err := pgzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	return &gzipFile{Reader: gz, file: f}, nil
}

type gzipFile struct {
	*pgzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	gzErr := g.Reader.Close()
	if err := g.file.Close(); err != nil {
		return err
	}
	return gzErr
}

// scanLines calls fn for each line of r until r is exhausted, fn fails or ctx
// is done. Line numbers start at 1.
func scanLines(ctx context.Context, r io.Reader, fn func(n int, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		n++
		if err := fn(n, scanner.Bytes()); err != nil {
			return err
		}
	}
	return errors.Wrap(scanner.Err(), "scan")
}

// eachProduct decodes a JSON-lines product feed, calling fn for every record.
// Blank lines are skipped.
func eachProduct(ctx context.Context, r io.Reader, fn func(p catalog.Product) error) error {
	return scanLines(ctx, r, func(n int, line []byte) error {
		if len(strings.TrimSpace(string(line))) == 0 {
			return nil
		}
		p, err := DecodeProduct(line)
		if err != nil {
			return &LineError{Line: n, Err: err}
		}
		return fn(p)
	})
}

// ReadProducts decodes a JSON-lines product feed. Blank lines are skipped.
func ReadProducts(ctx context.Context, r io.Reader) ([]catalog.Product, error) {
	var products []catalog.Product
	err := eachProduct(ctx, r, func(p catalog.Product) error {
		products = append(products, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

// ReadProductsFile reads a product feed from path.
func ReadProductsFile(ctx context.Context, path string) ([]catalog.Product, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	products, err := ReadProducts(ctx, f)
	if err != nil {
		return nil, errors.Wrapf(err, "read products from %s", path)
	}
	return products, nil
}

// DecodeProduct decodes one feed record:
//
//	{"id":"p1","sku":"DEMO-001","name":"...","price":"199.99","variants":[{"id":"v1","sku":"DEMO-001-BLK"}]}
//
// Price may be a JSON string or number. Unknown fields are ignored.
func DecodeProduct(data []byte) (catalog.Product, error) {
	var p catalog.Product
	d := jx.DecodeBytes(data)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			p.ID, err = d.Str()
		case "sku":
			p.SKU, err = d.Str()
		case "name":
			p.Name, err = d.Str()
		case "price":
			p.Price, err = decodePrice(d)
		case "variants":
			p.Variants, err = decodeVariants(d)
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "field %q", key)
	})
	if err != nil {
		return catalog.Product{}, err
	}
	if p.ID == "" {
		return catalog.Product{}, errors.New("product id is required")
	}
	if strings.TrimSpace(p.SKU) == "" {
		return catalog.Product{}, errors.Errorf("product %s: sku is required", p.ID)
	}
	return p, nil
}

func decodePrice(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	case jx.Null:
		return decimal.Zero, d.Null()
	default:
		return decimal.Zero, errors.Errorf("unexpected price type %s", d.Next())
	}
}

func decodeVariants(d *jx.Decoder) ([]catalog.Variant, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	var variants []catalog.Variant
	err := d.Arr(func(d *jx.Decoder) error {
		var v catalog.Variant
		if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "id":
				v.ID, err = d.Str()
			case "sku":
				v.SKU, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		variants = append(variants, v)
		return nil
	})
	return variants, err
}

// QueryFile is a match.QuerySource backed by a text file with one query per
// line. Blank lines are dropped unless KeepBlank is set.
type QueryFile struct {
	Path      string
	KeepBlank bool
}

var _ match.QuerySource = QueryFile{}

// Queries implements match.QuerySource.
func (q QueryFile) Queries(ctx context.Context) ([]string, error) {
	f, err := Open(q.Path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return ReadQueries(ctx, f, q.KeepBlank)
}

// ReadQueries reads one query per line, trimming trailing carriage returns.
func ReadQueries(ctx context.Context, r io.Reader, keepBlank bool) ([]string, error) {
	var queries []string
	err := scanLines(ctx, r, func(_ int, line []byte) error {
		s := strings.TrimRight(string(line), "\r")
		if !keepBlank && strings.TrimSpace(s) == "" {
			return nil
		}
		queries = append(queries, s)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read queries")
	}
	return queries, nil
}

// FileProvider is a catalog.Provider that loads a product feed on every call.
// Combine it with catalog.Cached to avoid re-reading.
type FileProvider struct {
	Path string
}

var _ catalog.Provider = FileProvider{}

// Snapshot implements catalog.Provider.
func (p FileProvider) Snapshot(ctx context.Context) (*catalog.Snapshot, error) {
	products, err := ReadProductsFile(ctx, p.Path)
	if err != nil {
		return nil, fmt.Errorf("loading feed: %w: %w", catalog.ErrUnavailable, err)
	}
	return catalog.NewSnapshot(products), nil
}
