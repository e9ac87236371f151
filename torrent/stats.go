package torrent

import (
	"sync"
	"time"
)

// gap is the minimum interval between two samples; readings closer than this
// return the previous speed.
const gap time.Duration = 300 * time.Millisecond

type sample struct {
	bytes int64
	speed int64
	time  time.Time
}

// speedSampler derives a transfer rate from a monotonically growing byte
// counter.
type speedSampler struct {
	mut  sync.Mutex
	prev *sample
}

func (s *speedSampler) sample(now time.Time, total int64) int64 {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.prev == nil {
		s.prev = &sample{bytes: total, time: now}
		return 0
	}
	if now.Sub(s.prev.time) < gap {
		return s.prev.speed
	}

	delta := total - s.prev.bytes
	if delta < 0 {
		delta = 0
	}
	speed := int64(float64(delta) / now.Sub(s.prev.time).Seconds())
	s.prev = &sample{bytes: total, speed: speed, time: now}
	return speed
}

// reset drops the history so the first reading after a pause does not
// average over the paused interval.
func (s *speedSampler) reset() {
	s.mut.Lock()
	s.prev = nil
	s.mut.Unlock()
}
