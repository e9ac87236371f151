package torrent

// State is the lifecycle state of a Session.
type State string

const (
	Pending          State = "pending"
	FetchingMetadata State = "fetching_metadata"
	Downloading      State = "downloading"
	Paused           State = "paused"
	Completed        State = "completed"
	Failed           State = "failed"
	Removed          State = "removed"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Removed
}

// Rank orders states along the lifecycle. Downloading and Paused share a rank
// so the pause/resume cycle never counts as a regression.
func (s State) Rank() int {
	switch s {
	case Pending:
		return 0
	case FetchingMetadata:
		return 1
	case Downloading, Paused:
		return 2
	case Completed, Failed, Removed:
		return 3
	default:
		return -1
	}
}

// Edge names a transition of the session state machine.
type Edge string

const (
	EdgeRequestMetadata Edge = "request-metadata"
	EdgeMetadataReady   Edge = "metadata-ready"
	EdgePause           Edge = "pause"
	EdgeResume          Edge = "resume"
	EdgeComplete        Edge = "complete"
	EdgeFail            Edge = "fail"
	EdgeRemove          Edge = "remove"
)

type transition struct {
	from []State
	to   State
}

var edges = map[Edge]transition{
	EdgeRequestMetadata: {from: []State{Pending}, to: FetchingMetadata},
	EdgeMetadataReady:   {from: []State{FetchingMetadata}, to: Downloading},
	EdgePause:           {from: []State{Downloading}, to: Paused},
	EdgeResume:          {from: []State{Paused}, to: Downloading},
	EdgeComplete:        {from: []State{Downloading}, to: Completed},
	EdgeFail:            {from: []State{Pending, FetchingMetadata, Downloading, Paused}, to: Failed},
	EdgeRemove:          {from: []State{Pending, FetchingMetadata, Downloading, Paused}, to: Removed},
}

// next returns the state reached by taking e from s.
func next(s State, e Edge) (State, bool) {
	t, ok := edges[e]
	if !ok {
		return s, false
	}
	for _, f := range t.from {
		if f == s {
			return t.to, true
		}
	}
	return s, false
}
