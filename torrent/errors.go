package torrent

import "errors"

var (
	// ErrUnsupportedSource is returned by Add when the identifier is not a
	// magnet URI carrying a BitTorrent info hash.
	ErrUnsupportedSource = errors.New("unsupported source")
	// ErrEngineUnavailable is returned by Add when the transport could not
	// open a handle for the source.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrInvalidTarget is returned by Add when the target directory lies
	// outside the download folder.
	ErrInvalidTarget     = errors.New("invalid target directory")
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrTransport wraps failures reported by the transport itself.
	ErrTransport = errors.New("transport error")
	ErrClosed    = errors.New("engine closed")
)
