package search

import "errors"

var (
	// ErrEmptyQuery is returned before any request is made for a blank query.
	ErrEmptyQuery = errors.New("empty query")
	ErrNetwork    = errors.New("network error")
	ErrTimeout    = errors.New("search timed out")
	// ErrParse is returned when the index answered with something that cannot
	// be turned into results.
	ErrParse = errors.New("unreadable search response")
	// ErrSuperseded is returned to a caller whose search was replaced by a
	// newer one before it finished.
	ErrSuperseded = errors.New("search superseded")
)
