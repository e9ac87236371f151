package log

import (
	"strings"

	"github.com/anacrolix/log"
	"github.com/rs/zerolog"
)

var _ log.Handler = &Torrent{}

// noisy are anacrolix messages emitted during normal operation; they are
// logged at debug regardless of their level.
var noisy = []string{
	"webrtc PeerConnection state changed",
	"unhandled announce response",
	"error announcing",
	"error adding peer",
}

// Torrent routes anacrolix/torrent logging into zerolog. The client reports
// per-peer trouble as errors, so warnings and errors become zerolog warnings.
type Torrent struct {
	L zerolog.Logger
}

func (l *Torrent) Handle(r log.Record) {
	l.handle(r.Level, r.Text())
}

func (l *Torrent) handle(level log.Level, text string) {
	for _, n := range noisy {
		if strings.Contains(text, n) {
			l.L.Debug().Str("source", "anacrolix").Msg(text)
			return
		}
	}

	var e *zerolog.Event
	switch level {
	case log.Debug:
		e = l.L.Debug()
	case log.Info:
		e = l.L.Debug().Str("error-type", "info")
	case log.Warning:
		e = l.L.Warn()
	case log.Error:
		e = l.L.Warn().Str("error-type", "error")
	case log.Critical:
		e = l.L.Error().Str("error-type", "critical")
	default:
		e = l.L.Info()
	}

	e.Msg(text)
}
