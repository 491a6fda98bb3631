package catalogfeed

import (
	"bufio"
	"io"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/ppm/internal/domain/match"
)

// ResultWriter writes match results as JSON lines:
//
//	{"query":"DEMO","status":"found","product":{"id":"p1","sku":"DEMO-001","name":"...","price":"199.99"},"score":0.9,"timestamp":"..."}
//
// product and score are omitted for not_found results.
type ResultWriter struct {
	w   *bufio.Writer
	enc jx.Encoder
}

// NewResultWriter returns a ResultWriter writing to w. Call Flush when done.
func NewResultWriter(w io.Writer) *ResultWriter {
	return &ResultWriter{w: bufio.NewWriter(w)}
}

// Write encodes one result followed by a newline.
func (rw *ResultWriter) Write(res match.Result) error {
	rw.enc.Reset()
	EncodeResult(&rw.enc, res)
	rw.enc.RawStr("\n")
	if _, err := rw.w.Write(rw.enc.Bytes()); err != nil {
		return errors.Wrap(err, "write result")
	}
	return nil
}

// WriteSummary writes every result of s in order.
func (rw *ResultWriter) WriteSummary(s *match.Summary) error {
	for _, res := range s.Results {
		if err := rw.Write(res); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes buffered output.
func (rw *ResultWriter) Flush() error {
	return errors.Wrap(rw.w.Flush(), "flush results")
}

// EncodeResult appends the JSON object for res to e.
func EncodeResult(e *jx.Encoder, res match.Result) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("query", func(e *jx.Encoder) { e.Str(res.Query) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(res.Status)) })
		if p := res.Product; p != nil {
			e.Field("product", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
					e.Field("sku", func(e *jx.Encoder) { e.Str(p.SKU) })
					e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
					e.Field("price", func(e *jx.Encoder) { e.Str(p.Price.StringFixed(2)) })
				})
			})
		}
		if res.HasScore() {
			e.Field("score", func(e *jx.Encoder) { e.Float64(res.Score) })
		}
		e.Field("timestamp", func(e *jx.Encoder) { e.Str(res.Timestamp.UTC().Format(time.RFC3339Nano)) })
	})
}
