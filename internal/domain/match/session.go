package match

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"

	"github.com/xenking/ppm/internal/domain/catalog"
)

// ErrRunInProgress is returned when a session already has an outstanding run.
var ErrRunInProgress = errors.New("match run already in progress")

// State is the lifecycle of the latest run in a Session.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session tracks at most one outstanding batch for a caller. Starting a new
// batch while one is running fails with ErrRunInProgress instead of
// restarting it.
type Session struct {
	matcher *Matcher

	mu      sync.Mutex
	state   State
	current *Run
}

// NewSession creates an idle Session backed by m.
func NewSession(m *Matcher) *Session {
	return &Session{matcher: m}
}

// State returns the state of the latest run.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the latest run, or nil if none was started.
func (s *Session) Current() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Start validates the arguments and launches the batch in a new goroutine.
// The returned Run can be awaited, cancelled and polled for progress.
func (s *Session) Start(
	ctx context.Context,
	queries QuerySource,
	provider catalog.Provider,
	opts BatchOptions,
) (*Run, error) {
	if err := validateBatch(queries, provider, opts); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return nil, ErrRunInProgress
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Run{done: make(chan struct{}), cancel: cancel}

	observer := opts.OnProgress
	opts.OnProgress = func(p float64) {
		r.progress.Store(math.Float64bits(p))
		if observer != nil {
			observer(p)
		}
	}

	s.state = StateRunning
	s.current = r

	go func() {
		defer cancel()
		summary, err := s.matcher.MatchBatch(ctx, queries, provider, opts)
		s.finish(r, summary, err)
	}()

	return r, nil
}

// Run starts a batch and waits for it to finish.
func (s *Session) Run(
	ctx context.Context,
	queries QuerySource,
	provider catalog.Provider,
	opts BatchOptions,
) (*Summary, error) {
	r, err := s.Start(ctx, queries, provider, opts)
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx)
}

func (s *Session) finish(r *Run, summary *Summary, err error) {
	s.mu.Lock()
	r.summary, r.err = summary, err
	if err != nil {
		s.state = StateFailed
	} else {
		s.state = StateCompleted
	}
	s.mu.Unlock()
	close(r.done)
}

// Run is a handle to a batch started by Session.Start.
type Run struct {
	done     chan struct{}
	cancel   context.CancelFunc
	progress atomic.Uint64

	// summary and err are written once before done is closed.
	summary *Summary
	err     error
}

// Done is closed when the run finishes.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Progress returns the last reported percentage.
func (r *Run) Progress() float64 {
	return math.Float64frombits(r.progress.Load())
}

// Cancel asks the run to stop at the next chunk boundary.
func (r *Run) Cancel() {
	r.cancel()
}

// Wait blocks until the run finishes or ctx is done. Giving up on ctx does
// not cancel the run.
func (r *Run) Wait(ctx context.Context) (*Summary, error) {
	select {
	case <-r.done:
		return r.summary, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
