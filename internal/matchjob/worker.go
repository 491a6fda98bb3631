// Package matchjob runs queued match jobs against the catalog.
package matchjob

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/ppm/internal/domain/catalog"
	"github.com/xenking/ppm/internal/domain/job"
	"github.com/xenking/ppm/internal/domain/match"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeAbandoned = "abandoned"

	persistTimeout = 30 * time.Second
)

// Config controls worker timing.
type Config struct {
	// PollInterval is the wait between claims when the queue is empty.
	PollInterval time.Duration
	// ProgressInterval is how often the progress of a running job is stored.
	ProgressInterval time.Duration
	// StaleAfter is how long a running job's heartbeat may go without a
	// refresh before a starting worker returns it to the queue.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	return c
}

// Worker claims pending jobs one at a time and runs them through a
// match.Session.
type Worker struct {
	jobs    job.Repository
	catalog catalog.Provider
	session *match.Session
	cfg     Config

	metrics *metrics
	tracer  trace.Tracer

	heartbeat atomic.Int64
}

// NewWorker creates a Worker. The provider is consulted once per job; wrap it
// in catalog.Cached to share snapshots between jobs.
func NewWorker(
	jobs job.Repository,
	provider catalog.Provider,
	matcher *match.Matcher,
	cfg Config,
	mp metric.MeterProvider,
	tp trace.TracerProvider,
) (*Worker, error) {
	m, err := newMetrics(mp)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	return &Worker{
		jobs:    jobs,
		catalog: provider,
		session: match.NewSession(matcher),
		cfg:     cfg.withDefaults(),
		metrics: m,
		tracer:  tp.Tracer(instrumentationName),
	}, nil
}

// Run requeues stale jobs and then processes the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	lg := zctx.From(ctx)

	n, err := w.jobs.RequeueStale(ctx, w.cfg.StaleAfter)
	if err != nil {
		return errors.Wrap(err, "requeue stale jobs")
	}
	if n > 0 {
		lg.Info("Requeued stale match jobs", zap.Int64("count", n))
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		w.beat()
		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			lg.Error("Match job processing failed", zap.Error(err))
		}
		if processed {
			timer.Reset(0)
		} else {
			timer.Reset(w.cfg.PollInterval)
		}
	}
}

func (w *Worker) beat() {
	w.heartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat reports when the worker last polled the queue or observed a
// running job. It is zero before Run starts.
func (w *Worker) LastHeartbeat() time.Time {
	ns := w.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ProcessNext claims and runs one pending job. It reports false when the
// queue was empty.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	j, err := w.jobs.ClaimNext(ctx)
	if errors.Is(err, job.ErrNoPendingJobs) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "claim job")
	}
	return true, w.process(ctx, j)
}

func (w *Worker) process(ctx context.Context, j *job.Job) error {
	ctx, span := w.tracer.Start(ctx, "matchjob.Process", trace.WithAttributes(
		attribute.String("ppm.job.id", j.ID),
		attribute.Int("ppm.job.queries", len(j.Queries)),
		attribute.Int("ppm.job.chunk_size", j.ChunkSize),
	))
	defer span.End()

	lg := zctx.From(ctx).With(zap.String("job_id", j.ID))
	ctx = zctx.Base(ctx, lg)
	lg.Info("Match job started", zap.Int("queries", len(j.Queries)))

	claim := j.Claim()

	// A lost claim cancels gctx and with it the run.
	g, gctx := errgroup.WithContext(ctx)
	run, err := w.session.Start(gctx, j.Source(), w.catalog, match.BatchOptions{ChunkSize: j.ChunkSize})
	if err != nil {
		_ = g.Wait() // releases gctx
		return w.fail(ctx, span, claim, err)
	}

	var summary *match.Summary
	g.Go(func() error {
		return w.flushProgress(gctx, claim, run)
	})
	g.Go(func() error {
		var err error
		summary, err = run.Wait(context.WithoutCancel(gctx))
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, job.ErrClaimLost) {
			return w.abandon(ctx, span)
		}
		return w.fail(ctx, span, claim, err)
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := w.jobs.Complete(persistCtx, claim, summary); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete job")
		return errors.Wrapf(err, "complete job %s", claim.ID)
	}

	w.metrics.recordSummary(ctx, summary)
	w.metrics.recordJob(ctx, outcomeCompleted)
	span.SetAttributes(
		attribute.String("ppm.batch.id", summary.BatchID),
		attribute.Int("ppm.batch.found", summary.Found),
		attribute.Int("ppm.batch.partial_match", summary.PartialMatch),
		attribute.Int("ppm.batch.not_found", summary.NotFound),
	)
	lg.Info("Match job completed",
		zap.String("batch_id", summary.BatchID),
		zap.Int("total", summary.Total),
		zap.Int("found", summary.Found),
		zap.Int("partial_match", summary.PartialMatch),
		zap.Int("not_found", summary.NotFound),
		zap.Duration("duration", summary.ProcessingTime),
	)
	return nil
}

// flushProgress stores the run's progress every ProgressInterval until the
// run finishes. Every tick writes, so the stored heartbeat stays fresh while
// progress is unchanged. Store failures are logged and retried on the next
// tick; a lost claim is returned.
func (w *Worker) flushProgress(ctx context.Context, claim job.Claim, run *match.Run) error {
	ticker := time.NewTicker(w.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-run.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		w.beat()
		p := run.Progress()
		err := w.jobs.UpdateProgress(ctx, claim, p)
		switch {
		case errors.Is(err, job.ErrClaimLost):
			return err
		case err != nil && ctx.Err() == nil:
			zctx.From(ctx).Warn("Store match job progress", zap.Float64("progress", p), zap.Error(err))
		}
	}
}

// abandon stops work on a job that another worker has claimed since. Nothing
// is written for it.
func (w *Worker) abandon(ctx context.Context, span trace.Span) error {
	span.SetStatus(codes.Error, job.ErrClaimLost.Error())
	w.metrics.recordJob(ctx, outcomeAbandoned)
	zctx.From(ctx).Warn("Match job abandoned, claimed by another worker")
	return nil
}

// fail records err as the job's failure reason. A canceled run is recorded
// as a shutdown so the job can be resubmitted.
func (w *Worker) fail(ctx context.Context, span trace.Span, claim job.Claim, cause error) error {
	reason := cause.Error()
	if errors.Is(cause, context.Canceled) {
		reason = "canceled: worker shut down before completion"
	}

	span.RecordError(cause)
	span.SetStatus(codes.Error, reason)
	w.metrics.recordJob(ctx, outcomeFailed)
	zctx.From(ctx).Warn("Match job failed", zap.String("reason", reason), zap.Error(cause))

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := w.jobs.Fail(persistCtx, claim, reason); err != nil {
		return errors.Wrapf(err, "fail job %s", claim.ID)
	}
	return nil
}
