package log

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	alog "github.com/anacrolix/log"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/mediastation/config"
)

func TestLoadCreatesLogFile(t *testing.T) {
	require := require.New(t)

	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	dir := filepath.Join(t.TempDir(), "logs")
	Load(&config.Log{Path: dir, Debug: true, MaxSize: 1})
	require.Equal(zerolog.DebugLevel, zerolog.GlobalLevel())

	_, err := os.Stat(dir)
	require.NoError(err)
}

func TestTorrentHandler(t *testing.T) {
	require := require.New(t)

	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	h := &Torrent{L: zerolog.New(&buf).Level(zerolog.TraceLevel)}

	h.handle(alog.Error, "peer misbehaved")
	require.Contains(buf.String(), `"level":"warn"`)
	require.Contains(buf.String(), `"error-type":"error"`)

	buf.Reset()
	h.handle(alog.Error, "webrtc PeerConnection state changed to closed")
	require.Contains(buf.String(), `"level":"debug"`)

	buf.Reset()
	h.handle(alog.Critical, "fatal")
	require.Contains(buf.String(), `"level":"error"`)
}

func TestBadgerHandler(t *testing.T) {
	require := require.New(t)

	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	b := &Badger{L: zerolog.New(&buf).Level(zerolog.TraceLevel)}

	b.Infof("opened %d tables\n", 3)
	require.Contains(buf.String(), `"level":"debug"`)
	require.Contains(buf.String(), `opened 3 tables`)

	buf.Reset()
	b.Errorf("boom")
	require.Contains(buf.String(), `"level":"error"`)
}
