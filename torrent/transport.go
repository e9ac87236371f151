package torrent

import "context"

// Transport opens peer-to-peer transfers. The engine only talks to the
// network through this interface.
type Transport interface {
	Open(ctx context.Context, source, targetDir string) (Handle, error)
}

// Handle is one open transfer on a Transport.
type Handle interface {
	// Metadata returns the resolved metadata, or false while it is still
	// being fetched from peers.
	Metadata(ctx context.Context) (Metadata, bool, error)
	Progress(ctx context.Context) (Counters, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// Close releases the transfer. Data is deleted only after the transfer
	// is confirmed closed and only when deleteData is set.
	Close(ctx context.Context, deleteData bool) error
}

type File struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

type Metadata struct {
	Title      string
	Files      []File
	TotalBytes int64
}

// Counters is a point in time readout of a transfer.
type Counters struct {
	BytesDone    int64
	BytesMissing int64
	Speed        int64 // bytes per second
	Seeds        int
	Peers        int
}
