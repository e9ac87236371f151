package torrent

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
)

// Source is a validated magnet link.
type Source struct {
	URI         string
	InfoHash    string
	DisplayName string
}

// ParseSource accepts magnet URIs carrying a BitTorrent v1 info hash. It
// never touches the network.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(strings.ToLower(raw), "magnet:?") {
		return Source{}, fmt.Errorf("%w: not a magnet link", ErrUnsupportedSource)
	}

	m, err := metainfo.ParseMagnetUri(raw)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %w", ErrUnsupportedSource, err)
	}

	return Source{
		URI:         raw,
		InfoHash:    m.InfoHash.HexString(),
		DisplayName: m.DisplayName,
	}, nil
}

// AugmentTrackers merges extra trackers into a magnet URI. It returns the
// magnet untouched when nothing was added.
func AugmentTrackers(m string, extra []string) (string, bool) {
	if len(extra) == 0 {
		return m, false
	}
	u, err := url.Parse(m)
	if err != nil {
		return m, false
	}
	q := u.Query()
	have := make(map[string]struct{})
	for _, tr := range q["tr"] {
		have[tr] = struct{}{}
	}
	changed := false
	for _, tr := range extra {
		if tr == "" {
			continue
		}
		if _, ok := have[tr]; ok {
			continue
		}
		have[tr] = struct{}{}
		q.Add("tr", tr)
		changed = true
	}
	if !changed {
		return m, false
	}
	u.RawQuery = q.Encode()
	return u.String(), true
}

// BuildMagnet assembles a magnet URI from an info hash and optional name and
// trackers.
func BuildMagnet(infoHash, name string, trackers []string) string {
	q := url.Values{}
	if name != "" {
		q.Set("dn", name)
	}
	for _, tr := range trackers {
		q.Add("tr", tr)
	}
	m := "magnet:?xt=urn:btih:" + strings.ToLower(infoHash)
	if enc := q.Encode(); enc != "" {
		m += "&" + enc
	}
	return m
}

// FetchTrackerList downloads a newline separated tracker list. Blank lines and
// lines starting with # are skipped.
func FetchTrackerList(ctx context.Context, listURL string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker list: unexpected status %d", resp.StatusCode)
	}

	var out []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}
