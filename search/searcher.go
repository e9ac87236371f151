package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jkaberg/mediastation/metrics"
)

const (
	DefaultTimeout = 15 * time.Second
	DefaultLimit   = 20
)

// Source is a torrent index. Implementations return ErrNetwork or ErrParse
// wrapped around the underlying cause, or the context error when ctx ends.
type Source interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Listener receives the outcome of a Submit call. Only the newest search
// ever reaches it.
type Listener interface {
	OnResults(query string, results []Result)
	OnError(query string, err error)
}

type Options struct {
	// Timeout bounds each search. Defaults to 15s.
	Timeout time.Duration
	// Limit caps the number of returned results. Zero means no cap.
	Limit int
	// RequestsPerMinute throttles outbound requests. Zero means unlimited.
	RequestsPerMinute int
}

// Searcher runs at most one search at a time. Starting a search cancels the
// one in flight, whose caller then gets ErrSuperseded.
type Searcher struct {
	src     Source
	timeout time.Duration
	limit   int
	limiter *rate.Limiter
	log     zerolog.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelCauseFunc
}

func New(src Source, opts Options) *Searcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), opts.RequestsPerMinute)
	}
	return &Searcher{
		src:     src,
		timeout: opts.Timeout,
		limit:   opts.Limit,
		limiter: limiter,
		log:     log.Logger.With().Str("component", "searcher").Str("source", src.Name()).Logger(),
	}
}

// Search resolves query into ranked, deduplicated results.
func (s *Searcher) Search(ctx context.Context, query string) ([]Result, error) {
	r, err := s.start(ctx, query)
	if err != nil {
		return nil, err
	}
	defer r.done()
	return s.run(ctx, r)
}

// Submit runs the search in the background and reports the outcome to l,
// unless a newer search started in the meantime. The search is registered
// before Submit returns, so of two back to back calls only the second one
// is ever reported.
func (s *Searcher) Submit(ctx context.Context, query string, l Listener) {
	r, err := s.start(ctx, query)
	go func() {
		if err != nil {
			l.OnError(query, err)
			return
		}
		defer r.done()

		res, err := s.run(ctx, r)
		if errors.Is(err, ErrSuperseded) || !s.current(r.gen) {
			return
		}
		if err != nil {
			l.OnError(query, err)
			return
		}
		l.OnResults(query, res)
	}()
}

// request is a registered search that has not run yet.
type request struct {
	q    string
	gen  uint64
	ctx  context.Context
	done func()
}

// start validates query and registers it as the newest search, cancelling
// the one in flight.
func (s *Searcher) start(ctx context.Context, query string) (*request, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		metrics.SearchRequestsTotal.WithLabelValues(s.src.Name(), "empty").Inc()
		return nil, ErrEmptyQuery
	}

	gen, rctx, done := s.begin(ctx)
	return &request{q: q, gen: gen, ctx: rctx, done: done}, nil
}

func (s *Searcher) run(parent context.Context, r *request) ([]Result, error) {
	start := time.Now()
	res, err := s.fetch(r.ctx, r.q)
	metrics.SearchDuration.WithLabelValues(s.src.Name()).Observe(time.Since(start).Seconds())

	if !s.current(r.gen) {
		metrics.SearchRequestsTotal.WithLabelValues(s.src.Name(), "superseded").Inc()
		s.log.Debug().Str("query", r.q).Msg("search superseded")
		return nil, ErrSuperseded
	}
	if err != nil {
		err = s.classify(parent, r.ctx, err)
		metrics.SearchRequestsTotal.WithLabelValues(s.src.Name(), outcome(err)).Inc()
		s.log.Warn().Err(err).Str("query", r.q).Msg("search failed")
		return nil, err
	}

	res = Rank(res)
	if s.limit > 0 && len(res) > s.limit {
		res = res[:s.limit]
	}
	metrics.SearchRequestsTotal.WithLabelValues(s.src.Name(), "ok").Inc()
	s.log.Debug().Str("query", r.q).Int("results", len(res)).Dur("took", time.Since(start)).Msg("search done")
	return res, nil
}

func (s *Searcher) fetch(ctx context.Context, q string) ([]Result, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// the wait alone would outlast the deadline
		return nil, fmt.Errorf("%w: request budget exhausted", ErrTimeout)
	}
	return s.src.Search(ctx, q, s.limit)
}

// begin registers a new generation, cancelling the previous one. The returned
// context carries the timeout; done releases it.
func (s *Searcher) begin(ctx context.Context) (uint64, context.Context, func()) {
	cctx, cancel := context.WithCancelCause(ctx)
	tctx, tcancel := context.WithTimeoutCause(cctx, s.timeout, ErrTimeout)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel(ErrSuperseded)
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	return gen, tctx, func() {
		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
		}
		s.mu.Unlock()
		tcancel()
		cancel(nil)
	}
}

func (s *Searcher) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Searcher) classify(parent, rctx context.Context, err error) error {
	switch {
	case errors.Is(context.Cause(rctx), ErrTimeout), errors.Is(err, ErrTimeout):
		return fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrParse):
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrNetwork):
		return "network"
	}
	return "canceled"
}
