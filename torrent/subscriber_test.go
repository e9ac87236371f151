package torrent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueDropsStaleSnapshots(t *testing.T) {
	require := require.New(t)

	rec := &recorder{}
	q := newQueue(rec)
	defer q.close()

	q.push([]Snapshot{{ID: "a", Seq: 3, State: Downloading}}, nil)
	q.push([]Snapshot{{ID: "a", Seq: 1, State: Pending}, {ID: "a", Seq: 2, State: FetchingMetadata}}, nil)
	q.push([]Snapshot{{ID: "b", Seq: 1, State: Pending}}, nil)
	q.push([]Snapshot{{ID: "a", Seq: 4, State: Completed}}, []TerminalEvent{{ID: "a", State: Completed}})

	require.Eventually(func() bool {
		return len(rec.snapshots("a")) == 2 && len(rec.terminals("a")) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal([]State{Downloading, Completed}, states(rec.snapshots("a")))
	require.Len(rec.snapshots("b"), 1)
}

func TestQueueSingleTerminalEvent(t *testing.T) {
	require := require.New(t)

	rec := &recorder{}
	q := newQueue(rec)
	defer q.close()

	q.push([]Snapshot{{ID: "a", Seq: 1, State: Removed}}, []TerminalEvent{{ID: "a", State: Removed}})
	q.push([]Snapshot{{ID: "a", Seq: 2, State: Removed}}, []TerminalEvent{{ID: "a", State: Removed}})

	require.Eventually(func() bool {
		return len(rec.terminals("a")) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(rec.terminals("a"), 1)
	require.Len(rec.snapshots("a"), 1)
}

func TestQueuePreservesOrder(t *testing.T) {
	require := require.New(t)

	rec := &recorder{}
	q := newQueue(rec)
	defer q.close()

	for i := uint64(1); i <= 500; i++ {
		q.push([]Snapshot{{ID: "a", Seq: i}}, nil)
	}

	require.Eventually(func() bool {
		return len(rec.snapshots("a")) == 500
	}, 2*time.Second, 5*time.Millisecond)
	for i, s := range rec.snapshots("a") {
		require.Equal(uint64(i+1), s.Seq)
	}
	require.Zero(q.len())
}

func TestQueueForget(t *testing.T) {
	require := require.New(t)

	rec := &recorder{}
	q := newQueue(rec)
	defer q.close()

	q.push([]Snapshot{{ID: "a", Seq: 2, State: Removed}}, []TerminalEvent{{ID: "a", State: Removed}})
	q.push([]Snapshot{{ID: "b", Seq: 1, State: Pending}}, nil)
	require.Equal(2, q.tracked())

	q.forget("a")
	require.Equal(1, q.tracked())

	require.Eventually(func() bool {
		return len(rec.terminals("a")) == 1 && len(rec.snapshots("b")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestQueueClose(t *testing.T) {
	require := require.New(t)

	rec := &recorder{}
	q := newQueue(rec)
	q.close()
	q.close()

	q.push([]Snapshot{{ID: "a", Seq: 1}}, nil)
	<-q.finished
	require.Empty(rec.snapshots("a"))
}

func TestSubscriberFuncs(t *testing.T) {
	var got []string
	s := SubscriberFuncs{
		Terminal: func(ev TerminalEvent) { got = append(got, ev.ID) },
	}
	s.OnSnapshot(Snapshot{ID: "ignored"})
	s.OnTerminal(TerminalEvent{ID: "a"})
	require.Equal(t, []string{"a"}, got)
}
