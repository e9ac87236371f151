package torrent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func downloadingSession() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := newSession("id", Source{URI: magnetA, InfoHash: hashA}, "/tmp", nil, ctx, cancel, time.Now())
	s.state = Downloading
	s.total = 1000
	return s
}

func TestApplyCountersCapsProgress(t *testing.T) {
	require := require.New(t)

	s := downloadingSession()
	c := Counters{BytesDone: 1000, BytesMissing: 16, Speed: 10}
	s.applyCounters(c, time.Now())

	require.Equal(progressCeiling, s.progress)
	require.False(s.finished(c))
	require.Equal(Downloading, s.state)

	done := Counters{BytesDone: 1000}
	require.True(s.finished(done))
	require.NoError(s.complete(time.Now()))
	require.Equal(1.0, s.progress)
	require.Equal(int64(0), *s.eta)
}

func TestApplyCountersHighWaterMark(t *testing.T) {
	require := require.New(t)

	s := downloadingSession()
	s.applyCounters(Counters{BytesDone: 600, BytesMissing: 400, Speed: 100}, time.Now())
	require.InDelta(0.6, s.progress, 1e-9)

	// a piece failed verification and the transport reports less
	s.applyCounters(Counters{BytesDone: 500, BytesMissing: 500, Speed: 100}, time.Now())
	require.InDelta(0.6, s.progress, 1e-9)
	require.Equal(int64(600), s.done)
}

func TestApplyCountersETA(t *testing.T) {
	require := require.New(t)

	s := downloadingSession()
	s.applyCounters(Counters{BytesDone: 100, BytesMissing: 900}, time.Now())
	require.Nil(s.eta)

	s.applyCounters(Counters{BytesDone: 100, BytesMissing: 900, Speed: 300}, time.Now())
	require.NotNil(s.eta)
	require.Equal(int64(3), *s.eta)
}

func TestTotalUnknown(t *testing.T) {
	s := downloadingSession()
	s.total = 0
	c := Counters{BytesDone: 0, BytesMissing: 0}
	s.applyCounters(c, time.Now())
	require.Zero(t, s.progress)
	require.False(t, s.finished(c))
}

func TestFailKeepsLastError(t *testing.T) {
	require := require.New(t)

	s := downloadingSession()
	s.fail(errors.New("disk full"), time.Now())
	require.Equal(Failed, s.state)
	require.Equal("disk full", s.view().LastError)

	s.fail(errors.New("again"), time.Now())
	require.Equal("disk full", s.view().LastError)
	require.ErrorIs(s.take(EdgeResume, time.Now()), ErrInvalidTransition)
}

func TestSnapshotIsACopy(t *testing.T) {
	require := require.New(t)

	s := downloadingSession()
	s.files = []File{{Path: "a", Length: 1}}
	eta := int64(4)
	s.eta = &eta

	snap := s.snapshot()
	snap.Files[0].Path = "changed"
	*snap.ETASeconds = 99

	require.Equal("a", s.files[0].Path)
	require.Equal(int64(4), *s.eta)
	require.Equal(uint64(1), snap.Seq)
	require.Equal(uint64(2), s.snapshot().Seq)
	require.Equal(uint64(2), s.view().Seq)
}

func TestSpeedSampler(t *testing.T) {
	require := require.New(t)

	var smp speedSampler
	t0 := time.Now()

	require.Zero(smp.sample(t0, 1000))
	require.Equal(int64(500), smp.sample(t0.Add(2*time.Second), 2000))
	// inside the gap the previous value is repeated
	require.Equal(int64(500), smp.sample(t0.Add(2*time.Second+10*time.Millisecond), 9000))
	require.Equal(int64(0), smp.sample(t0.Add(3*time.Second), 1500))

	smp.reset()
	require.Zero(smp.sample(t0.Add(4*time.Second), 5000))
}

func TestLimits(t *testing.T) {
	require := require.New(t)

	dl := rate.NewLimiter(rate.Inf, 0)
	l := NewLimits(dl, nil)

	d, u := l.Get()
	require.Zero(d)
	require.Zero(u)

	l.Set(8, 4)
	d, u = l.Get()
	require.InDelta(8, d, 1e-9)
	require.InDelta(4, u, 1e-9)
	require.Equal(rate.Limit(1_000_000), dl.Limit())

	l.Set(0, 0)
	d, u = l.Get()
	require.Zero(d)
	require.Zero(u)
	require.Equal(rate.Inf, dl.Limit())
}

func TestDataPath(t *testing.T) {
	require := require.New(t)

	p, ok := dataPath("/data", "Movie (2020)")
	require.True(ok)
	require.Equal(filepath.Join("/data", "Movie (2020)"), p)

	p, ok = dataPath("/data", "../../etc")
	require.True(ok)
	require.Equal(filepath.Join("/data", "etc"), p)

	for _, name := range []string{"", ".", "..", "/"} {
		_, ok := dataPath("/data", name)
		require.False(ok, name)
	}
	_, ok = dataPath("", "Movie")
	require.False(ok)
}

func TestGetOrCreatePeerID(t *testing.T) {
	require := require.New(t)

	p := filepath.Join(t.TempDir(), "meta", "ID")
	id, err := GetOrCreatePeerID(p)
	require.NoError(err)
	require.Equal("-MS0001-", string(id[:8]))

	again, err := GetOrCreatePeerID(p)
	require.NoError(err)
	require.Equal(id, again)
}

func TestFormat(t *testing.T) {
	require := require.New(t)

	require.Equal("0 B", FormatBytes(-5))
	require.Equal("512 B", FormatBytes(512))
	require.Equal("1.5 KB", FormatBytes(1536))
	require.Equal("1.0 GB", FormatBytes(1<<30))
	require.Equal("2.0 MB/s", FormatSpeed(2<<20))

	require.Equal("∞", FormatETA(nil))
	eta := int64(90)
	require.Equal("1m30s", FormatETA(&eta))
}
