package torrent

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limits holds the client wide bandwidth limiters. The limiters are shared
// with the torrent client, so updates apply to running transfers.
type Limits struct {
	mu sync.Mutex
	dl *rate.Limiter
	ul *rate.Limiter
}

func NewLimits(dl, ul *rate.Limiter) *Limits {
	return &Limits{dl: dl, ul: ul}
}

// Get returns current limits as Mbit/s. Zero means unlimited.
func (l *Limits) Get() (float64, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	toMbit := func(l *rate.Limiter) float64 {
		if l == nil || l.Limit() == rate.Inf {
			return 0
		}
		// tokens are bytes
		return float64(l.Limit()) * 8 / 1_000_000
	}
	return toMbit(l.dl), toMbit(l.ul)
}

// Set updates limits from Mbit/s (0=unlimited).
func (l *Limits) Set(dlMbit, ulMbit float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := func(l **rate.Limiter, mbit float64) {
		if mbit <= 0 {
			if *l == nil {
				*l = rate.NewLimiter(rate.Inf, 0)
			} else {
				(*l).SetLimit(rate.Inf)
			}
			return
		}
		bps := rate.Limit(mbit * 125_000)
		if *l == nil {
			*l = rate.NewLimiter(bps, int(bps))
		} else {
			(*l).SetLimit(bps)
			(*l).SetBurst(int(bps))
		}
	}
	set(&l.dl, dlMbit)
	set(&l.ul, ulMbit)
}
