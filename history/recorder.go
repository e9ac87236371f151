package history

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/mediastation/torrent"
)

var _ torrent.Subscriber = &Recorder{}

// Recorder writes an entry when a session appears, whenever its state
// changes, and when it terminates. Progress ticks are not stored.
type Recorder struct {
	db  *DB
	log zerolog.Logger

	mu   sync.Mutex
	seen map[string]torrent.State
}

func NewRecorder(db *DB) *Recorder {
	return &Recorder{
		db:   db,
		log:  log.Logger.With().Str("component", "history").Logger(),
		seen: make(map[string]torrent.State),
	}
}

func (r *Recorder) OnSnapshot(s torrent.Snapshot) {
	r.mu.Lock()
	prev, ok := r.seen[s.ID]
	if ok && prev == s.State {
		r.mu.Unlock()
		return
	}
	r.seen[s.ID] = s.State
	r.mu.Unlock()

	e, err := r.db.Get(s.ID)
	if err != nil {
		e = Entry{ID: s.ID, AddedAt: s.AddedAt}
	}
	e.InfoHash = s.InfoHash
	e.Source = s.Source
	e.TargetDir = s.TargetDir
	e.State = s.State
	e.TotalBytes = s.TotalBytes
	e.LastError = s.LastError
	e.UpdatedAt = s.UpdatedAt
	if s.Title != "" {
		e.Title = s.Title
	}

	if err := r.db.Put(e); err != nil {
		r.log.Warn().Err(err).Str("session", s.ID).Msg("error recording session")
	}
}

func (r *Recorder) OnTerminal(ev torrent.TerminalEvent) {
	r.mu.Lock()
	delete(r.seen, ev.ID)
	r.mu.Unlock()

	e, err := r.db.Get(ev.ID)
	if err != nil {
		e = Entry{ID: ev.ID, AddedAt: time.Now()}
	}
	now := time.Now()
	e.State = ev.State
	e.LastError = ev.LastError
	e.FinishedAt = &now
	e.UpdatedAt = now
	if ev.Title != "" {
		e.Title = ev.Title
	}

	if err := r.db.Put(e); err != nil {
		r.log.Warn().Err(err).Str("session", ev.ID).Msg("error recording outcome")
		return
	}
	r.log.Info().Str("session", ev.ID).Str("state", string(ev.State)).Msg("download finished")
}
