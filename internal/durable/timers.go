package durable

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type timerEntry struct {
	at  time.Time
	seq uint64
	fn  func()
}

// timerHeap orders entries by due time, then by insertion
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timerQueue runs callbacks when their due time passes on the clock.
// Callbacks must be short; they only hand work to the pools.
type timerQueue struct {
	mu    sync.Mutex
	items timerHeap
	seq   uint64
	clock Clock
	wake  chan struct{}
	busy  *atomic.Int64
}

func newTimerQueue(clock Clock, busy *atomic.Int64) *timerQueue {
	return &timerQueue{
		clock: clock,
		wake:  make(chan struct{}, 1),
		busy:  busy,
	}
}

// Schedule queues fn to run at the given time
func (q *timerQueue) Schedule(at time.Time, fn func()) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &timerEntry{at: at, seq: q.seq, fn: fn})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next returns the due time of the earliest entry
func (q *timerQueue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].at, true
}

func (q *timerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// FireDue runs every entry that is due and returns how many ran
func (q *timerQueue) FireDue() int {
	now := q.clock.Now()

	var due []*timerEntry
	q.mu.Lock()
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		due = append(due, heap.Pop(&q.items).(*timerEntry))
		q.busy.Add(1)
	}
	q.mu.Unlock()

	for _, e := range due {
		e.fn()
		q.busy.Add(-1)
	}
	return len(due)
}

// Run fires entries until ctx is done
func (q *timerQueue) Run(ctx context.Context) {
	for {
		q.FireDue()

		var wait <-chan time.Time
		if next, ok := q.Next(); ok {
			wait = q.clock.After(next.Sub(q.clock.Now()))
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-wait:
		}
	}
}
