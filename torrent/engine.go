package torrent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultPollInterval = time.Second
	closeTimeout        = 30 * time.Second
	// commandTimeout bounds a single transport request made by a command.
	commandTimeout = 30 * time.Second
)

type Config struct {
	// PollInterval is the period of the status poll loop. Defaults to 1s.
	PollInterval time.Duration
	// DownloadDir is used when Add is called without a target directory. When
	// set, every target directory must lie inside it.
	DownloadDir string
	// ExtraTrackers are merged into every magnet before it is opened.
	ExtraTrackers []string
}

// Engine owns every download session. Mutating commands run one at a time on
// a dedicated worker. Each poll tick reads every live session concurrently,
// and a session whose previous read has not returned is skipped.
type Engine struct {
	tr  Transport
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	byHash   map[string]string

	subsMu  sync.Mutex
	subs    map[int]*queue
	nextSub int

	cmds      chan func()
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	polls     sync.WaitGroup

	now func() time.Time
}

func NewEngine(tr Transport, cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		tr:       tr,
		cfg:      cfg,
		log:      log.Logger.With().Str("component", "engine").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		byHash:   make(map[string]string),
		subs:     make(map[int]*queue),
		cmds:     make(chan func()),
		stop:     make(chan struct{}),
		now:      time.Now,
	}

	e.wg.Add(1)
	go e.work()

	return e
}

// Start launches the poll loop. Calling it more than once has no effect.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.pollLoop()
		e.log.Info().Dur("interval", e.cfg.PollInterval).Msg("poll loop started")
	})
}

// Close stops the worker and the poll loop, releases every handle without
// deleting data, and stops all subscriptions.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.cancel()
		e.wg.Wait()
		e.waitPolls(closeTimeout)

		e.mu.Lock()
		sessions := make([]*Session, 0, len(e.sessions))
		for _, s := range e.sessions {
			sessions = append(sessions, s)
		}
		e.sessions = make(map[string]*Session)
		e.byHash = make(map[string]string)
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		for _, s := range sessions {
			s.mu.Lock()
			h := s.handle
			s.handle = nil
			s.mu.Unlock()
			if h == nil {
				continue
			}
			if err := h.Close(ctx, false); err != nil {
				e.log.Warn().Err(err).Str("session", s.id).Msg("error closing transfer")
			}
		}

		e.subsMu.Lock()
		for id, q := range e.subs {
			q.close()
			delete(e.subs, id)
		}
		e.subsMu.Unlock()

		e.log.Info().Msg("engine closed")
	})
	return nil
}

func (e *Engine) work() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-e.stop:
			return
		}
	}
}

// call runs fn on the command worker. ctx bounds the wait for the worker to
// pick the command up. Once handed over, the command either runs to
// completion and its result is returned, or it is skipped because ctx
// expired while queued; the caller never sees a failure for work that
// happened.
func call[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	res := make(chan result, 1)
	cmd := func() {
		if err := ctx.Err(); err != nil {
			res <- result{zero, err}
			return
		}
		v, err := fn()
		res <- result{v, err}
	}

	select {
	case e.cmds <- cmd:
	case <-e.stop:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	r := <-res
	return r.v, r.err
}

func (e *Engine) do(ctx context.Context, fn func() error) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Add registers a new session for source and returns its id. The source and
// the target directory are validated before anything else happens. Adding a
// magnet whose info hash is already tracked by a live session returns that
// session's id.
func (e *Engine) Add(ctx context.Context, source, targetDir string) (string, error) {
	src, err := ParseSource(source)
	if err != nil {
		return "", err
	}
	dir, err := e.resolveTarget(targetDir)
	if err != nil {
		return "", err
	}
	return call(ctx, e, func() (string, error) {
		return e.add(src, dir)
	})
}

// resolveTarget maps a requested directory onto the download folder. Relative
// paths are taken from the download folder and absolute ones must lie inside
// it.
func (e *Engine) resolveTarget(dir string) (string, error) {
	base := e.cfg.DownloadDir
	if dir == "" || base == "" {
		if dir == "" {
			return base, nil
		}
		return dir, nil
	}

	if !filepath.IsAbs(dir) {
		dir = filepath.Join(base, dir)
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	rel, err := filepath.Rel(absBase, absDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidTarget, dir, base)
	}
	return absDir, nil
}

func (e *Engine) add(src Source, targetDir string) (string, error) {
	e.mu.Lock()
	old, ok := e.sessions[e.byHash[src.InfoHash]]
	e.mu.Unlock()
	if ok {
		old.mu.Lock()
		failed := old.state == Failed
		old.mu.Unlock()
		if !failed {
			e.log.Debug().Str("hash", src.InfoHash).Str("session", old.id).Msg("source already tracked")
			return old.id, nil
		}
		// a failed session is replaced, re-adding is how a transfer is retried
		e.evict(old)
	}

	uri := src.URI
	if aug, ok := AugmentTrackers(uri, e.cfg.ExtraTrackers); ok {
		uri = aug
	}

	sctx, cancel := context.WithCancel(e.ctx)
	octx, ocancel := context.WithTimeout(sctx, commandTimeout)
	h, err := e.tr.Open(octx, uri, targetDir)
	ocancel()
	if err != nil {
		cancel()
		e.log.Warn().Err(err).Str("hash", src.InfoHash).Msg("transport refused source")
		return "", fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	now := e.now()
	s := newSession(uuid.NewString(), src, targetDir, h, sctx, cancel, now)
	s.title = src.DisplayName

	// Hold the session lock across registration so the poll loop never
	// observes Pending.
	s.mu.Lock()
	e.mu.Lock()
	e.sessions[s.id] = s
	e.byHash[src.InfoHash] = s.id
	e.mu.Unlock()

	pending := s.snapshot()
	_ = s.take(EdgeRequestMetadata, now)
	fetching := s.snapshot()
	e.publishSession(s, []Snapshot{pending, fetching}, nil, false)

	e.log.Info().Str("session", s.id).Str("hash", src.InfoHash).Str("dir", targetDir).Msg("session added")
	return s.id, nil
}

// Remove aborts the session, releases its transfer and evicts it. Files are
// deleted only when deleteFiles is set.
func (e *Engine) Remove(ctx context.Context, id string, deleteFiles bool) error {
	return e.do(ctx, func() error {
		return e.remove(id, deleteFiles)
	})
}

func (e *Engine) remove(id string, deleteFiles bool) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}

	s.cancel()

	e.mu.Lock()
	delete(e.sessions, id)
	if e.byHash[s.infoHash] == id {
		delete(e.byHash, s.infoHash)
	}
	e.mu.Unlock()

	var snaps []Snapshot
	var terms []TerminalEvent
	s.mu.Lock()
	if !s.state.Terminal() {
		_ = s.take(EdgeRemove, e.now())
		snaps = append(snaps, s.snapshot())
		terms = append(terms, s.terminal())
	}
	h := s.handle
	s.handle = nil
	e.publishSession(s, snaps, terms, true)

	if h == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := h.Close(ctx, deleteFiles); err != nil {
		e.log.Warn().Err(err).Str("session", id).Bool("delete-files", deleteFiles).Msg("error releasing transfer")
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	e.log.Info().Str("session", id).Bool("delete-files", deleteFiles).Msg("session removed")
	return nil
}

// evict drops a terminal session from the registry and releases its transfer,
// keeping the data on disk.
func (e *Engine) evict(s *Session) {
	s.cancel()

	e.mu.Lock()
	delete(e.sessions, s.id)
	if e.byHash[s.infoHash] == s.id {
		delete(e.byHash, s.infoHash)
	}
	e.mu.Unlock()

	s.mu.Lock()
	h := s.handle
	s.handle = nil
	e.publishSession(s, nil, nil, true)

	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := h.Close(ctx, false); err != nil {
		e.log.Warn().Err(err).Str("session", s.id).Msg("error releasing failed transfer")
	}
}

func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		return e.toggle(id, EdgePause, Handle.Pause)
	})
}

func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		return e.toggle(id, EdgeResume, Handle.Resume)
	})
}

// toggle performs a pause or resume. The transport request runs without the
// session lock so a slow handle cannot hold up polling, and the state only
// changes once the transport has accepted it.
func (e *Engine) toggle(id string, edge Edge, op func(Handle, context.Context) error) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := next(s.state, edge); !ok {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot %s a %s session", ErrInvalidTransition, edge, state)
	}
	h, sctx := s.handle, s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(sctx, commandTimeout)
	err = op(h, ctx)
	cancel()

	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		e.log.Warn().Err(err).Str("session", id).Str("op", string(edge)).Msg("transport rejected request")
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	// the poll loop may have completed or failed the session meanwhile
	if err := s.take(edge, e.now()); err != nil {
		s.mu.Unlock()
		return err
	}
	if edge == EdgePause {
		s.eta = nil
	}
	snap := s.snapshot()
	e.publishSession(s, []Snapshot{snap}, nil, false)

	e.log.Info().Str("session", id).Str("state", string(snap.State)).Msg("session toggled")
	return nil
}

// Get returns the current snapshot of a session.
func (e *Engine) Get(id string) (Snapshot, error) {
	s, err := e.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(), nil
}

// List returns snapshots of every tracked session, oldest first.
func (e *Engine) List() []Snapshot {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.view())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

// Subscribe registers sub and returns a function that unregisters it.
func (e *Engine) Subscribe(sub Subscriber) func() {
	q := newQueue(sub)

	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = q
	e.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, id)
			e.subsMu.Unlock()
			q.close()
		})
	}
}

func (e *Engine) lookup(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// publishSession is called with s.mu held and releases it. Publication for
// one session is serialized by s.pub, taken before s.mu is released, so
// subscribers see that session's snapshots in sequence order. With forget set
// the subscriber queues drop their bookkeeping for the session afterwards.
func (e *Engine) publishSession(s *Session, snaps []Snapshot, terms []TerminalEvent, forget bool) {
	s.pub.Lock()
	s.mu.Unlock()
	defer s.pub.Unlock()

	e.publish(snaps, terms)
	if forget {
		for _, q := range e.queues() {
			q.forget(s.id)
		}
	}
}

// publish hands snapshots and events to every subscriber queue.
func (e *Engine) publish(snaps []Snapshot, terms []TerminalEvent) {
	if len(snaps) == 0 && len(terms) == 0 {
		return
	}
	for _, q := range e.queues() {
		q.push(snaps, terms)
	}
}

func (e *Engine) queues() []*queue {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	qs := make([]*queue, 0, len(e.subs))
	for _, q := range e.subs {
		qs = append(qs, q)
	}
	return qs
}

func (e *Engine) pollLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.poll()
		case <-e.stop:
			return
		}
	}
}

// poll reads status for every live session, each on its own goroutine. It
// returns once every read has finished or one poll interval has passed; a
// read still running then keeps its session out of the following ticks until
// it returns.
func (e *Engine) poll() {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		if !s.polling.CompareAndSwap(false, true) {
			e.log.Debug().Str("session", s.id).Msg("previous poll still running")
			continue
		}
		wg.Add(1)
		e.polls.Add(1)
		go func(s *Session) {
			defer e.polls.Done()
			defer wg.Done()
			defer s.polling.Store(false)
			e.pollSession(s)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	t := time.NewTimer(e.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
	case <-e.stop:
	}
}

// pollSession reads one session from the transport without holding its lock,
// then applies the readout if the session has not moved on meanwhile.
func (e *Engine) pollSession(s *Session) {
	s.mu.Lock()
	h, state, ctx := s.handle, s.state, s.ctx
	s.mu.Unlock()

	if h == nil || state.Terminal() || state == Pending {
		return
	}

	var (
		md    Metadata
		ready bool
		c     Counters
		err   error
	)
	switch state {
	case FetchingMetadata:
		md, ready, err = h.Metadata(ctx)
	case Downloading, Paused:
		c, err = h.Progress(ctx)
	}
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.handle != h || s.state.Terminal() {
		s.mu.Unlock()
		return
	}

	now := e.now()
	switch {
	case err != nil:
		e.failSession(s, err, now)
	case state == FetchingMetadata:
		if ready && s.state == FetchingMetadata {
			s.applyMetadata(md)
			_ = s.take(EdgeMetadataReady, now)
			e.log.Info().Str("session", s.id).Str("title", s.title).Int64("size", s.total).Msg("metadata ready")
		}
	case s.state == Downloading || s.state == Paused:
		s.applyCounters(c, now)
		if s.state == Downloading && s.finished(c) {
			_ = s.complete(now)
			e.log.Info().Str("session", s.id).Str("title", s.title).Msg("download completed")
		}
	}

	snaps := []Snapshot{s.snapshot()}
	var terms []TerminalEvent
	if s.state.Terminal() {
		terms = append(terms, s.terminal())
	}
	e.publishSession(s, snaps, terms, false)
}

// waitPolls waits for in-flight session reads, giving up after d.
func (e *Engine) waitPolls(d time.Duration) {
	done := make(chan struct{})
	go func() {
		e.polls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		e.log.Warn().Msg("session reads still running at close")
	}
}

func (e *Engine) failSession(s *Session, err error, now time.Time) {
	if !errors.Is(err, ErrTransport) {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	s.fail(err, now)
	e.log.Error().Err(err).Str("session", s.id).Msg("session failed")
}
