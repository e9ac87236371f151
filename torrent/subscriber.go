package torrent

import (
	"math"
	"sync"
)

// Subscriber receives session snapshots and terminal events. Calls happen on
// a goroutine owned by the subscription, in publication order, and never while
// the engine holds a lock.
type Subscriber interface {
	OnSnapshot(Snapshot)
	OnTerminal(TerminalEvent)
}

// SubscriberFuncs adapts plain functions to Subscriber. Nil fields are
// ignored.
type SubscriberFuncs struct {
	Snapshot func(Snapshot)
	Terminal func(TerminalEvent)
}

func (f SubscriberFuncs) OnSnapshot(s Snapshot) {
	if f.Snapshot != nil {
		f.Snapshot(s)
	}
}

func (f SubscriberFuncs) OnTerminal(ev TerminalEvent) {
	if f.Terminal != nil {
		f.Terminal(ev)
	}
}

// closedSeq marks a session whose terminal event was already queued.
const closedSeq = math.MaxUint64

type event struct {
	snap *Snapshot
	term *TerminalEvent
}

// queue is an unbounded FIFO in front of one Subscriber. Pushing never blocks
// on the subscriber.
type queue struct {
	sub Subscriber

	mu      sync.Mutex
	items   []event
	lastSeq map[string]uint64
	closed  bool

	signal   chan struct{}
	done     chan struct{}
	finished chan struct{}
}

func newQueue(sub Subscriber) *queue {
	q := &queue{
		sub:      sub,
		lastSeq:  make(map[string]uint64),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go q.run()
	return q
}

// push enqueues snapshots followed by terminal events. Snapshots older than
// one already queued for the same session are dropped, as is anything for a
// session that has terminated.
func (q *queue) push(snaps []Snapshot, terms []TerminalEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	for i := range snaps {
		s := snaps[i]
		if s.Seq <= q.lastSeq[s.ID] {
			continue
		}
		q.lastSeq[s.ID] = s.Seq
		q.items = append(q.items, event{snap: &s})
	}
	for i := range terms {
		t := terms[i]
		if q.lastSeq[t.ID] == closedSeq {
			continue
		}
		q.lastSeq[t.ID] = closedSeq
		q.items = append(q.items, event{term: &t})
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return event{}, false
	}
	ev := q.items[0]
	q.items[0] = event{}
	q.items = q.items[1:]
	return ev, true
}

func (q *queue) run() {
	defer close(q.finished)
	for {
		select {
		case <-q.signal:
		case <-q.done:
			return
		}
		for {
			select {
			case <-q.done:
				return
			default:
			}
			ev, ok := q.pop()
			if !ok {
				break
			}
			if ev.snap != nil {
				q.sub.OnSnapshot(*ev.snap)
			} else {
				q.sub.OnTerminal(*ev.term)
			}
		}
	}
}

// forget drops the sequence bookkeeping for a session that left the engine.
// Events already queued for it are still delivered.
func (q *queue) forget(id string) {
	q.mu.Lock()
	delete(q.lastSeq, id)
	q.mu.Unlock()
}

// tracked returns the number of sessions the queue keeps sequence state for.
func (q *queue) tracked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lastSeq)
}

// len returns the number of undelivered events.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close stops delivery. Undelivered events are dropped. It does not wait for
// an in-flight callback to return.
func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	close(q.done)
}
