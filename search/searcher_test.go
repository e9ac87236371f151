package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const ytsBody = `{
  "status": "ok",
  "status_message": "Query was successful",
  "data": {
    "movie_count": 2,
    "movies": [
      {
        "title": "Amélie",
        "title_long": "Amélie (2001)",
        "year": 2001,
        "rating": 8.3,
        "medium_cover_image": "https://img.example/amelie.jpg",
        "torrents": [
          {"url": "https://yts.example/t/1", "hash": "0123456789ABCDEF0123456789ABCDEF01234567", "quality": "720p", "seeds": 40, "peers": 4, "size": "800 MB", "size_bytes": 838860800},
          {"url": "https://yts.example/t/2", "hash": "1123456789ABCDEF0123456789ABCDEF01234567", "quality": "1080p", "seeds": 90, "peers": 9, "size": "1.6 GB", "size_bytes": 1717986918}
        ]
      },
      {
        "title": "Amelie",
        "title_long": "AMELIE  (2001)",
        "year": 2001,
        "torrents": [
          {"url": "https://yts.example/t/3", "hash": "2123456789ABCDEF0123456789ABCDEF01234567", "quality": "720p", "seeds": 55, "peers": 5, "size": "790 MB", "size_bytes": 828375040},
          {"url": "https://yts.example/t/4", "hash": "", "quality": "2160p", "seeds": 500}
        ]
      }
    ]
  }
}`

type ytsServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newYTSServer(t *testing.T, h http.HandlerFunc) *ytsServer {
	t.Helper()
	s := &ytsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func staticBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	require := require.New(t)

	srv := newYTSServer(t, staticBody(ytsBody))
	s := New(NewYTS(srv.URL, nil, srv.Client()), Options{})

	for _, q := range []string{"", "   ", "\t\n"} {
		_, err := s.Search(context.Background(), q)
		require.ErrorIs(err, ErrEmptyQuery)
	}
	require.Zero(srv.calls.Load())
}

func TestSearchRanksAndDedupes(t *testing.T) {
	require := require.New(t)

	var gotPath, gotQuery, gotSort string
	srv := newYTSServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("query_term")
		gotSort = r.URL.Query().Get("sort_by")
		staticBody(ytsBody)(w, r)
	})
	s := New(NewYTS(srv.URL+"/", []string{"udp://t.example:80"}, srv.Client()), Options{})

	res, err := s.Search(context.Background(), "  amelie ")
	require.NoError(err)
	require.Equal("/list_movies.json", gotPath)
	require.Equal("amelie", gotQuery)
	require.Equal("download_count", gotSort)
	require.EqualValues(1, srv.calls.Load())

	require.Len(res, 2)

	require.Equal("1080p", res[0].Quality)
	require.Equal(90, res[0].Seeds)

	// "Amélie (2001)" 720p and "AMELIE  (2001)" 720p are the same entry
	require.Equal("720p", res[1].Quality)
	require.Equal(55, res[1].Seeds)
	require.Equal("AMELIE  (2001)", res[1].Title)
	require.Nil(res[1].Rating)

	require.Equal("YTS", res[0].Source)
	require.Equal("1123456789abcdef0123456789abcdef01234567", res[0].InfoHash)
	require.Contains(res[0].Magnet, "xt=urn:btih:1123456789abcdef0123456789abcdef01234567")
	require.Contains(res[0].Magnet, "tr=udp%3A%2F%2Ft.example%3A80")
	require.Equal(2001, res[0].Year)
	require.Equal("https://img.example/amelie.jpg", res[0].ImageURL)
	require.Equal(int64(1717986918), res[0].SizeBytes)
}

func TestSearchLimit(t *testing.T) {
	require := require.New(t)

	var gotLimit string
	srv := newYTSServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		staticBody(ytsBody)(w, r)
	})
	s := New(NewYTS(srv.URL, nil, srv.Client()), Options{Limit: 1})

	res, err := s.Search(context.Background(), "amelie")
	require.NoError(err)
	require.Equal("1", gotLimit)
	require.Len(res, 1)
	require.Equal(90, res[0].Seeds)
}

func TestSearchNoResults(t *testing.T) {
	srv := newYTSServer(t, staticBody(`{"status":"ok","status_message":"Query was successful","data":{"movie_count":0}}`))
	s := New(NewYTS(srv.URL, nil, srv.Client()), Options{})

	res, err := s.Search(context.Background(), "nothing")
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestSearchParseErrors(t *testing.T) {
	for name, body := range map[string]string{
		"not json":     `<html>maintenance</html>`,
		"status error": `{"status":"error","status_message":"Bad query"}`,
		"missing data": `{"status":"ok"}`,
		"wrong types":  `{"status":"ok","data":{"movies":[{"torrents":[{"seeds":"many"}]}]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := newYTSServer(t, staticBody(body))
			s := New(NewYTS(srv.URL, nil, srv.Client()), Options{})

			res, err := s.Search(context.Background(), "amelie")
			require.ErrorIs(t, err, ErrParse)
			require.Nil(t, res)
		})
	}
}

func TestSearchNetworkErrors(t *testing.T) {
	require := require.New(t)

	srv := newYTSServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	s := New(NewYTS(srv.URL, nil, srv.Client()), Options{})
	_, err := s.Search(context.Background(), "amelie")
	require.ErrorIs(err, ErrNetwork)
	require.Contains(err.Error(), "502")

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()

	s = New(NewYTS(addr, nil, nil), Options{})
	_, err = s.Search(context.Background(), "amelie")
	require.ErrorIs(err, ErrNetwork)
}

func TestSearchTimeout(t *testing.T) {
	require := require.New(t)

	release := make(chan struct{})
	defer close(release)
	srv := newYTSServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	s := New(NewYTS(srv.URL, nil, srv.Client()), Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	res, err := s.Search(context.Background(), "slow")
	require.ErrorIs(err, ErrTimeout)
	require.Nil(res)
	require.Less(time.Since(start), 2*time.Second)
}

func TestSearchCallerCancel(t *testing.T) {
	require := require.New(t)

	srv := newYTSServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	s := New(NewYTS(srv.URL, nil, srv.Client()), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.Search(ctx, "amelie")
	require.ErrorIs(err, context.Canceled)
}

// gatedSource blocks each query until its gate is released.
type gatedSource struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	calls atomic.Int32
}

func (g *gatedSource) Name() string { return "gated" }

func (g *gatedSource) gate(q string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gates == nil {
		g.gates = make(map[string]chan struct{})
	}
	ch, ok := g.gates[q]
	if !ok {
		ch = make(chan struct{})
		g.gates[q] = ch
	}
	return ch
}

func (g *gatedSource) Search(ctx context.Context, q string, limit int) ([]Result, error) {
	g.calls.Add(1)
	select {
	case <-g.gate(q):
		return []Result{{Title: q, Quality: "720p", Seeds: 1}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSearchNewestWins(t *testing.T) {
	require := require.New(t)

	src := &gatedSource{}
	s := New(src, Options{})

	errA := make(chan error, 1)
	resA := make(chan []Result, 1)
	go func() {
		res, err := s.Search(context.Background(), "A")
		resA <- res
		errA <- err
	}()
	require.Eventually(func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	errB := make(chan error, 1)
	resB := make(chan []Result, 1)
	go func() {
		res, err := s.Search(context.Background(), "B")
		resB <- res
		errB <- err
	}()

	require.Nil(<-resA)
	require.ErrorIs(<-errA, ErrSuperseded)

	close(src.gate("B"))
	require.NoError(<-errB)
	res := <-resB
	require.Len(res, 1)
	require.Equal("B", res[0].Title)
}

type recordingListener struct {
	mu      sync.Mutex
	results map[string][]Result
	errs    map[string]error
}

func (l *recordingListener) OnResults(q string, res []Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.results == nil {
		l.results = make(map[string][]Result)
	}
	l.results[q] = res
}

func (l *recordingListener) OnError(q string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.errs == nil {
		l.errs = make(map[string]error)
	}
	l.errs[q] = err
}

func (l *recordingListener) delivered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results) + len(l.errs)
}

func TestSubmitDeliversOnlyNewest(t *testing.T) {
	require := require.New(t)

	src := &gatedSource{}
	s := New(src, Options{})
	l := &recordingListener{}

	s.Submit(context.Background(), "A", l)
	require.Eventually(func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	s.Submit(context.Background(), "B", l)
	require.Eventually(func() bool { return src.calls.Load() == 2 }, time.Second, time.Millisecond)

	// A's answer arrives after B started and must be dropped
	close(src.gate("A"))
	close(src.gate("B"))

	require.Eventually(func() bool { return l.delivered() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(l.results, 1)
	require.Contains(l.results, "B")
	require.Empty(l.errs)
}

// delaySource answers every query with itself after a fixed delay.
type delaySource struct {
	delay time.Duration
}

func (d delaySource) Name() string { return "delay" }

func (d delaySource) Search(ctx context.Context, q string, limit int) ([]Result, error) {
	select {
	case <-time.After(d.delay):
		return []Result{{Title: q, Quality: "720p", Seeds: 1}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSubmitBackToBackDeliversOnlySecond(t *testing.T) {
	require := require.New(t)

	for i := 0; i < 50; i++ {
		s := New(delaySource{delay: 5 * time.Millisecond}, Options{})
		l := &recordingListener{}

		s.Submit(context.Background(), "A", l)
		s.Submit(context.Background(), "B", l)

		require.Eventually(func() bool { return l.delivered() == 1 }, time.Second, time.Millisecond)
		time.Sleep(15 * time.Millisecond)

		l.mu.Lock()
		require.Len(l.results, 1, "round %d", i)
		require.Contains(l.results, "B", "round %d", i)
		require.Empty(l.errs, "round %d", i)
		l.mu.Unlock()
	}
}

func TestSubmitReportsErrors(t *testing.T) {
	s := New(&gatedSource{}, Options{})
	l := &recordingListener{}

	s.Submit(context.Background(), " ", l)
	require.Eventually(t, func() bool { return l.delivered() == 1 }, time.Second, time.Millisecond)
	require.True(t, errors.Is(l.errs[" "], ErrEmptyQuery))
}

func TestSearchRateLimited(t *testing.T) {
	require := require.New(t)

	srv := newYTSServer(t, staticBody(ytsBody))
	// one token per minute, so the second call cannot get one within the timeout
	s := New(NewYTS(srv.URL, nil, srv.Client()), Options{RequestsPerMinute: 1, Timeout: 100 * time.Millisecond})

	_, err := s.Search(context.Background(), "amelie")
	require.NoError(err)
	_, err = s.Search(context.Background(), "amelie")
	require.ErrorIs(err, ErrTimeout)
	require.EqualValues(1, srv.calls.Load())
}
