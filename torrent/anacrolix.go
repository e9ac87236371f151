package torrent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultMaxConns = 35

var errTorrentClosed = errors.New("torrent closed")

var _ Transport = &ClientTransport{}

// ClientTransport opens sessions on an anacrolix torrent client. Each session
// stores its data under its own target directory.
type ClientTransport struct {
	c   *torrent.Client
	log zerolog.Logger
}

func NewClientTransport(c *torrent.Client) *ClientTransport {
	return &ClientTransport{
		c:   c,
		log: log.Logger.With().Str("component", "transport").Logger(),
	}
}

func (tr *ClientTransport) Open(ctx context.Context, source, targetDir string) (Handle, error) {
	if tr.c == nil {
		return nil, errors.New("torrent client not running")
	}
	spec, err := torrent.TorrentSpecFromMagnetUri(source)
	if err != nil {
		return nil, err
	}

	st, err := sessionStorage(targetDir)
	if err != nil {
		return nil, err
	}
	if st != nil {
		spec.Storage = st
	}

	type added struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan added, 1)
	go func() {
		t, _, err := tr.c.AddTorrentSpec(spec)
		ch <- added{t, err}
	}()

	var res added
	select {
	case res = <-ch:
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.t != nil {
				r.t.Drop()
			}
			if st != nil {
				_ = st.Close()
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, res.err
	}

	tr.log.Debug().Str("hash", res.t.InfoHash().HexString()).Str("dir", targetDir).Msg("torrent opened")

	return &clientHandle{
		t:   res.t,
		st:  st,
		dir: targetDir,
		log: tr.log,
	}, nil
}

type clientHandle struct {
	t   *torrent.Torrent
	st  storage.ClientImplCloser
	dir string
	log zerolog.Logger

	mu       sync.Mutex
	started  bool
	paused   bool
	speedSmp speedSampler
}

func (h *clientHandle) alive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-h.t.Closed():
		return errTorrentClosed
	default:
		return nil
	}
}

func (h *clientHandle) Metadata(ctx context.Context) (Metadata, bool, error) {
	if err := h.alive(ctx); err != nil {
		return Metadata{}, false, err
	}
	select {
	case <-h.t.GotInfo():
	default:
		return Metadata{}, false, nil
	}

	h.mu.Lock()
	if !h.started && !h.paused {
		h.t.DownloadAll()
		h.started = true
	}
	h.mu.Unlock()

	files := make([]File, 0, len(h.t.Files()))
	for _, f := range h.t.Files() {
		files = append(files, File{Path: f.Path(), Length: f.Length()})
	}
	return Metadata{
		Title:      h.t.Name(),
		Files:      files,
		TotalBytes: h.t.Length(),
	}, true, nil
}

func (h *clientHandle) Progress(ctx context.Context) (Counters, error) {
	if err := h.alive(ctx); err != nil {
		return Counters{}, err
	}

	st := h.t.Stats()
	c := Counters{
		Seeds: st.ConnectedSeeders,
		Peers: st.ActivePeers,
		Speed: h.speedSmp.sample(time.Now(), st.BytesReadUsefulData.Int64()),
	}
	if h.t.Info() == nil {
		c.BytesMissing = -1
		return c, nil
	}
	c.BytesDone = h.t.BytesCompleted()
	c.BytesMissing = h.t.BytesMissing()
	return c, nil
}

func (h *clientHandle) Pause(ctx context.Context) error {
	if err := h.alive(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.t.DisallowDataDownload()
	h.t.SetMaxEstablishedConns(0)
	h.paused = true
	return nil
}

func (h *clientHandle) Resume(ctx context.Context) error {
	if err := h.alive(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.t.SetMaxEstablishedConns(defaultMaxConns)
	h.t.AllowDataDownload()
	if h.t.Info() != nil && !h.started {
		h.t.DownloadAll()
		h.started = true
	}
	h.paused = false
	h.speedSmp.reset()
	return nil
}

// Close drops the torrent and waits until the client confirms it is closed
// before touching the data on disk.
func (h *clientHandle) Close(ctx context.Context, deleteData bool) error {
	var name string
	if info := h.t.Info(); info != nil {
		name = info.BestName()
	}

	h.t.Drop()
	select {
	case <-h.t.Closed():
	case <-ctx.Done():
		return fmt.Errorf("waiting for torrent to close: %w", ctx.Err())
	}

	if h.st != nil {
		if err := h.st.Close(); err != nil {
			h.log.Warn().Err(err).Msg("error closing storage")
		}
	}

	if !deleteData {
		return nil
	}
	p, ok := dataPath(h.dir, name)
	if !ok {
		return nil
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("error deleting data: %w", err)
	}
	h.log.Info().Str("path", p).Msg("deleted downloaded data")
	return nil
}

// dataPath resolves the on-disk location of a torrent named name inside dir.
// Names that would escape dir are rejected.
func dataPath(dir, name string) (string, bool) {
	if dir == "" || name == "" {
		return "", false
	}
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return "", false
	}
	return filepath.Join(dir, base), true
}
