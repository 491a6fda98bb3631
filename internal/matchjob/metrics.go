package matchjob

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/ppm/internal/domain/match"
)

const instrumentationName = "github.com/xenking/ppm/internal/matchjob"

type metrics struct {
	results  metric.Int64Counter
	jobs     metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)

	results, err := meter.Int64Counter("ppm.match.results",
		metric.WithDescription("Matched queries by status"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "results counter")
	}

	jobs, err := meter.Int64Counter("ppm.match.jobs",
		metric.WithDescription("Finished match jobs by outcome"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "jobs counter")
	}

	duration, err := meter.Float64Histogram("ppm.match.batch.duration",
		metric.WithDescription("Batch processing time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}

	return &metrics{results: results, jobs: jobs, duration: duration}, nil
}

func (m *metrics) recordSummary(ctx context.Context, s *match.Summary) {
	for status, n := range map[match.Status]int{
		match.StatusFound:        s.Found,
		match.StatusPartialMatch: s.PartialMatch,
		match.StatusNotFound:     s.NotFound,
	} {
		if n > 0 {
			m.results.Add(ctx, int64(n), metric.WithAttributes(attribute.String("status", string(status))))
		}
	}
	m.duration.Record(ctx, s.ProcessingSeconds())
}

func (m *metrics) recordJob(ctx context.Context, outcome string) {
	m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
