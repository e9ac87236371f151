package watchers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jkaberg/mediastation/torrent"
)

type fakeAdder struct {
	mu      sync.Mutex
	sources []string
	dirs    []string
	err     error
}

func (f *fakeAdder) Add(ctx context.Context, source, targetDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if _, err := torrent.ParseSource(source); err != nil {
		return "", err
	}
	f.sources = append(f.sources, source)
	f.dirs = append(f.dirs, targetDir)
	return fmt.Sprintf("id-%d", len(f.sources)), nil
}

func (f *fakeAdder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

const magnet = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=movie"

func TestSync(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	require.NoError(os.WriteFile(filepath.Join(dir, "good.magnet"), []byte(magnet+"\n"), 0644))
	require.NoError(os.WriteFile(filepath.Join(dir, "bad.magnet"), []byte("http://nope"), 0644))
	require.NoError(os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(magnet), 0644))

	a := &fakeAdder{}
	fw, err := NewFolderWatcher(a, dir, "/downloads", time.Second)
	require.NoError(err)
	defer fw.Close()

	n, err := fw.Sync(context.Background())
	require.NoError(err)
	require.Equal(1, n)
	require.Equal([]string{magnet}, a.sources)
	require.Equal([]string{"/downloads"}, a.dirs)

	require.FileExists(filepath.Join(dir, "good.magnet.added"))
	require.FileExists(filepath.Join(dir, "bad.magnet.failed"))
	require.FileExists(filepath.Join(dir, "notes.txt"))
	require.NoFileExists(filepath.Join(dir, "good.magnet"))

	n, err = fw.Sync(context.Background())
	require.NoError(err)
	require.Zero(n)
}

func TestSyncKeepsFileOnTransientError(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	p := filepath.Join(dir, "movie.magnet")
	require.NoError(os.WriteFile(p, []byte(magnet), 0644))

	a := &fakeAdder{err: fmt.Errorf("%w: client not running", torrent.ErrEngineUnavailable)}
	fw, err := NewFolderWatcher(a, dir, "", time.Second)
	require.NoError(err)
	defer fw.Close()

	n, err := fw.Sync(context.Background())
	require.NoError(err)
	require.Zero(n)
	require.FileExists(p)

	a.mu.Lock()
	a.err = nil
	a.mu.Unlock()

	n, err = fw.Sync(context.Background())
	require.NoError(err)
	require.Equal(1, n)
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	require := require.New(t)

	dir := filepath.Join(t.TempDir(), "watch")
	a := &fakeAdder{}
	fw, err := NewFolderWatcher(a, dir, "", 50*time.Millisecond)
	require.NoError(err)
	require.NoError(fw.Start())
	defer fw.Close()

	require.NoError(os.WriteFile(filepath.Join(dir, "new.magnet"), []byte(magnet), 0644))

	require.Eventually(func() bool { return a.count() == 1 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(func() bool {
		_, err := os.Stat(filepath.Join(dir, "new.magnet.added"))
		return err == nil
	}, time.Second, 20*time.Millisecond)
}

func TestSyncMissingFolder(t *testing.T) {
	fw, err := NewFolderWatcher(&fakeAdder{}, filepath.Join(t.TempDir(), "missing"), "", time.Second)
	require.NoError(t, err)
	defer fw.Close()

	_, err = fw.Sync(context.Background())
	require.True(t, errors.Is(err, os.ErrNotExist))
}
