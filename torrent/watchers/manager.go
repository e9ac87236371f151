package watchers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/mediastation/torrent"
)

const (
	magnetExt = ".magnet"
	addedExt  = ".added"
	failedExt = ".failed"

	addTimeout = 30 * time.Second
)

// Adder captures the part of the engine the watcher needs.
type Adder interface {
	Add(ctx context.Context, source, targetDir string) (string, error)
}

// FolderWatcher adds every .magnet file dropped into a folder. Processed files
// are renamed with an .added or .failed suffix so they are not picked up
// again.
type FolderWatcher struct {
	folder    string
	targetDir string
	interval  time.Duration
	w         *fsnotify.Watcher
	a         Adder
	log       zerolog.Logger

	eventsCount uint64
	stop        chan struct{}
	closeOnce   sync.Once
	syncMu      sync.Mutex
}

// NewFolderWatcher watches folder. Sessions are stored under targetDir, or
// the engine default when empty.
func NewFolderWatcher(a Adder, folder, targetDir string, interval time.Duration) (*FolderWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &FolderWatcher{
		folder:    folder,
		targetDir: targetDir,
		interval:  interval,
		w:         w,
		a:         a,
		log:       log.Logger.With().Str("component", "watcher").Str("folder", folder).Logger(),
		stop:      make(chan struct{}),
	}, nil
}

func (fw *FolderWatcher) Start() error {
	if err := os.MkdirAll(fw.folder, 0744); err != nil {
		return err
	}
	if err := fw.w.Add(fw.folder); err != nil {
		return err
	}

	// pick up whatever is already there
	if _, err := fw.Sync(context.Background()); err != nil {
		fw.log.Error().Err(err).Msg("error syncing watch folder on start")
	}

	go func() {
		for {
			select {
			case event, ok := <-fw.w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					atomic.AddUint64(&fw.eventsCount, 1)
				}
			case err, ok := <-fw.w.Errors:
				if !ok {
					return
				}
				fw.log.Error().Err(err).Msg("watcher error")
			}
		}
	}()

	go func() {
		t := time.NewTicker(fw.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
			case <-fw.stop:
				return
			}
			ec := atomic.LoadUint64(&fw.eventsCount)
			if ec == 0 {
				continue
			}
			if _, err := fw.Sync(context.Background()); err != nil {
				fw.log.Error().Err(err).Msg("error syncing watch folder")
			}
			atomic.AddUint64(&fw.eventsCount, ^uint64(ec-1))
		}
	}()

	fw.log.Info().Dur("interval", fw.interval).Msg("folder watcher started")
	return nil
}

// Sync adds every pending .magnet file in the folder and returns how many
// sessions were added. Files the engine could not open right now are left in
// place for the next pass.
func (fw *FolderWatcher) Sync(ctx context.Context) (int, error) {
	fw.syncMu.Lock()
	defer fw.syncMu.Unlock()

	entries, err := os.ReadDir(fw.folder)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), magnetExt) {
			continue
		}
		p := filepath.Join(fw.folder, e.Name())

		b, err := os.ReadFile(p)
		if err != nil {
			fw.log.Warn().Err(err).Str("file", p).Msg("error reading magnet file")
			continue
		}

		actx, cancel := context.WithTimeout(ctx, addTimeout)
		id, err := fw.a.Add(actx, strings.TrimSpace(string(b)), fw.targetDir)
		cancel()

		switch {
		case err == nil:
			added++
			fw.log.Info().Str("file", p).Str("session", id).Msg("magnet file added")
			fw.mark(p, addedExt)
		case errors.Is(err, torrent.ErrUnsupportedSource):
			fw.log.Warn().Err(err).Str("file", p).Msg("magnet file rejected")
			fw.mark(p, failedExt)
		default:
			fw.log.Warn().Err(err).Str("file", p).Msg("error adding magnet file, will retry")
		}
	}

	return added, nil
}

func (fw *FolderWatcher) mark(p, ext string) {
	if err := os.Rename(p, p+ext); err != nil {
		fw.log.Warn().Err(err).Str("file", p).Msg("error renaming processed file")
	}
}

func (fw *FolderWatcher) Close() error {
	var err error
	fw.closeOnce.Do(func() {
		close(fw.stop)
		err = fw.w.Close()
	})
	return err
}
