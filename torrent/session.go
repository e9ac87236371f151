package torrent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// progressCeiling caps progress while a session has not completed, so that a
// transfer whose bytes are all present but still verifying never reads as 1.
const progressCeiling = 0.9999

// Snapshot is a point in time readout of a session.
type Snapshot struct {
	ID               string    `json:"id"`
	Seq              uint64    `json:"seq"`
	Source           string    `json:"source"`
	InfoHash         string    `json:"infoHash"`
	Title            string    `json:"title,omitempty"`
	TargetDir        string    `json:"targetDir"`
	State            State     `json:"state"`
	Progress         float64   `json:"progress"`
	SpeedBytesPerSec int64     `json:"speedBytesPerSec"`
	ETASeconds       *int64    `json:"etaSeconds"`
	Seeds            int       `json:"seeds"`
	Peers            int       `json:"peers"`
	TotalBytes       int64     `json:"totalBytes"`
	BytesDone        int64     `json:"bytesDone"`
	Files            []File    `json:"files,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
	AddedAt          time.Time `json:"addedAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// TerminalEvent is published once per session, right after the snapshot that
// carries its terminal state.
type TerminalEvent struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	State     State  `json:"state"`
	LastError string `json:"lastError,omitempty"`
}

// Session is one tracked transfer. Fields below mu are guarded by it. pub is
// taken while mu is held and kept across publication; polling is set while a
// transport read for the session is in flight.
type Session struct {
	pub     sync.Mutex
	polling atomic.Bool

	mu sync.Mutex

	id        string
	source    string
	infoHash  string
	targetDir string

	handle Handle
	ctx    context.Context
	cancel context.CancelFunc

	seq       uint64
	state     State
	title     string
	files     []File
	total     int64
	done      int64
	progress  float64
	speed     int64
	eta       *int64
	seeds     int
	peers     int
	lastErr   error
	addedAt   time.Time
	updatedAt time.Time
}

func newSession(id string, src Source, targetDir string, h Handle, ctx context.Context, cancel context.CancelFunc, now time.Time) *Session {
	return &Session{
		id:        id,
		source:    src.URI,
		infoHash:  src.InfoHash,
		targetDir: targetDir,
		handle:    h,
		ctx:       ctx,
		cancel:    cancel,
		state:     Pending,
		addedAt:   now,
		updatedAt: now,
	}
}

// take moves the session along e. A successful transition clears lastErr.
func (s *Session) take(e Edge, now time.Time) error {
	to, ok := next(s.state, e)
	if !ok {
		return fmt.Errorf("%w: cannot %s a %s session", ErrInvalidTransition, e, s.state)
	}
	s.state = to
	s.lastErr = nil
	s.updatedAt = now
	return nil
}

func (s *Session) fail(err error, now time.Time) {
	if s.take(EdgeFail, now) != nil {
		return
	}
	s.lastErr = err
	s.eta = nil
	s.speed = 0
}

func (s *Session) applyMetadata(md Metadata) {
	s.title = md.Title
	s.files = md.Files
	s.total = md.TotalBytes
}

// applyCounters folds a transport readout into the session. Progress is a
// high-water mark and stays frozen while paused.
func (s *Session) applyCounters(c Counters, now time.Time) {
	s.seeds = c.Seeds
	s.peers = c.Peers
	s.speed = c.Speed
	s.updatedAt = now

	if s.state == Paused {
		s.eta = nil
		return
	}

	if c.BytesDone > s.done {
		s.done = c.BytesDone
	}
	if s.total > 0 {
		p := float64(s.done) / float64(s.total)
		if p > progressCeiling {
			p = progressCeiling
		}
		if p > s.progress {
			s.progress = p
		}
	}
	s.eta = estimate(s.total-s.done, s.speed)
}

// finished reports whether the transport has no remaining work.
func (s *Session) finished(c Counters) bool {
	return s.total > 0 && c.BytesMissing == 0 && c.BytesDone >= s.total
}

func (s *Session) complete(now time.Time) error {
	if err := s.take(EdgeComplete, now); err != nil {
		return err
	}
	s.done = s.total
	s.progress = 1
	var zero int64
	s.eta = &zero
	return nil
}

// estimate returns the remaining seconds, or nil when the speed gives no
// basis for one.
func estimate(remaining, speed int64) *int64 {
	if speed <= 0 {
		return nil
	}
	if remaining < 0 {
		remaining = 0
	}
	eta := (remaining + speed - 1) / speed
	return &eta
}

func (s *Session) view() Snapshot {
	snap := Snapshot{
		ID:               s.id,
		Seq:              s.seq,
		Source:           s.source,
		InfoHash:         s.infoHash,
		Title:            s.title,
		TargetDir:        s.targetDir,
		State:            s.state,
		Progress:         s.progress,
		SpeedBytesPerSec: s.speed,
		Seeds:            s.seeds,
		Peers:            s.peers,
		TotalBytes:       s.total,
		BytesDone:        s.done,
		AddedAt:          s.addedAt,
		UpdatedAt:        s.updatedAt,
	}
	if s.eta != nil {
		eta := *s.eta
		snap.ETASeconds = &eta
	}
	if len(s.files) > 0 {
		snap.Files = append([]File(nil), s.files...)
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// snapshot returns a view for publication. Every published snapshot carries a
// larger sequence number than the previous one for the same session.
func (s *Session) snapshot() Snapshot {
	s.seq++
	return s.view()
}

func (s *Session) terminal() TerminalEvent {
	ev := TerminalEvent{ID: s.id, Title: s.title, State: s.state}
	if s.lastErr != nil {
		ev.LastError = s.lastErr.Error()
	}
	return ev
}
