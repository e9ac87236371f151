package search

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Result is one candidate torrent returned by a search.
type Result struct {
	Title      string   `json:"title"`
	Magnet     string   `json:"magnet"`
	Quality    string   `json:"quality"`
	SizeBytes  int64    `json:"sizeBytes"`
	Size       string   `json:"size,omitempty"`
	Seeds      int      `json:"seeds"`
	Peers      int      `json:"peers"`
	Rating     *float64 `json:"rating"`
	Year       int      `json:"year,omitempty"`
	InfoHash   string   `json:"infoHash,omitempty"`
	Source     string   `json:"source,omitempty"`
	TorrentURL string   `json:"torrentUrl,omitempty"`
	ImageURL   string   `json:"imageUrl,omitempty"`
}

var folder = cases.Fold()

// normalize reduces a title for comparison: compatibility decomposition,
// combining marks dropped, case folded and whitespace collapsed.
func normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = folder.String(out)
	return strings.Join(strings.Fields(out), " ")
}

func dedupeKey(r Result) string {
	return normalize(r.Title) + "\x00" + normalize(r.Quality)
}

// Rank removes duplicates by normalized title and quality, keeping the entry
// with the most seeds, and orders the rest by seeds, rating and title.
func Rank(in []Result) []Result {
	index := make(map[string]int, len(in))
	out := make([]Result, 0, len(in))
	for _, r := range in {
		k := dedupeKey(r)
		if i, ok := index[k]; ok {
			if r.Seeds > out[i].Seeds {
				out[i] = r
			}
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Seeds != b.Seeds {
			return a.Seeds > b.Seeds
		}
		switch {
		case a.Rating != nil && b.Rating == nil:
			return true
		case a.Rating == nil && b.Rating != nil:
			return false
		case a.Rating != nil && b.Rating != nil && *a.Rating != *b.Rating:
			return *a.Rating > *b.Rating
		}
		return folder.String(a.Title) < folder.String(b.Title)
	})
	return out
}
