package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/mediastation/torrent"
)

const (
	DefaultYTSURL = "https://yts.mx/api/v2"

	maxResponseBytes = 8 << 20
)

var _ Source = &YTS{}

// YTS queries the YTS movie index.
type YTS struct {
	base     string
	client   *http.Client
	trackers []string
	log      zerolog.Logger
}

// NewYTS returns a YTS source. Trackers are added to every generated magnet.
// A nil client means http.DefaultClient.
func NewYTS(baseURL string, trackers []string, client *http.Client) *YTS {
	if baseURL == "" {
		baseURL = DefaultYTSURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &YTS{
		base:     strings.TrimRight(baseURL, "/"),
		client:   client,
		trackers: trackers,
		log:      log.Logger.With().Str("component", "yts").Logger(),
	}
}

func (y *YTS) Name() string { return "YTS" }

type ytsResponse struct {
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
	Data          *struct {
		MovieCount int        `json:"movie_count"`
		Movies     []ytsMovie `json:"movies"`
	} `json:"data"`
}

type ytsMovie struct {
	Title            string       `json:"title"`
	TitleLong        string       `json:"title_long"`
	Year             int          `json:"year"`
	Rating           *float64     `json:"rating"`
	MediumCoverImage string       `json:"medium_cover_image"`
	Torrents         []ytsTorrent `json:"torrents"`
}

type ytsTorrent struct {
	URL       string `json:"url"`
	Hash      string `json:"hash"`
	Quality   string `json:"quality"`
	Type      string `json:"type"`
	Seeds     int    `json:"seeds"`
	Peers     int    `json:"peers"`
	Size      string `json:"size"`
	SizeBytes int64  `json:"size_bytes"`
}

func (y *YTS) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	q := url.Values{}
	q.Set("query_term", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	q.Set("sort_by", "download_count")
	q.Set("order_by", "desc")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.base+"/list_movies.json?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := y.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading response: %w", ErrNetwork, err)
	}

	var payload ytsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if payload.Status != "ok" {
		return nil, fmt.Errorf("%w: status %q: %s", ErrParse, payload.Status, payload.StatusMessage)
	}
	if payload.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrParse)
	}

	var out []Result
	for _, m := range payload.Data.Movies {
		title := m.TitleLong
		if title == "" {
			title = m.Title
		}
		for _, t := range m.Torrents {
			if t.Hash == "" {
				y.log.Debug().Str("title", title).Str("quality", t.Quality).Msg("skipping torrent without hash")
				continue
			}
			out = append(out, Result{
				Title:      title,
				Magnet:     torrent.BuildMagnet(t.Hash, title+" ["+t.Quality+"]", y.trackers),
				Quality:    t.Quality,
				SizeBytes:  t.SizeBytes,
				Size:       t.Size,
				Seeds:      t.Seeds,
				Peers:      t.Peers,
				Rating:     m.Rating,
				Year:       m.Year,
				InfoHash:   strings.ToLower(t.Hash),
				Source:     y.Name(),
				TorrentURL: t.URL,
				ImageURL:   m.MediumCoverImage,
			})
		}
	}
	return out, nil
}
