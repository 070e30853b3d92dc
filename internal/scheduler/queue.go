package scheduler

import (
	"container/heap"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

// entry is the scheduler's view of one target. It sits in at most one of the
// two heaps, and in neither while running or paused.
type entry struct {
	target     discovery.SearchTarget
	state      State
	failures   int
	eligibleAt time.Time
	lastKind   discovery.ErrorKind
	lastRun    time.Time
	// pauseRequested is set when a pause arrives mid-run; the run finishes and
	// the target then stays paused.
	pauseRequested bool
	pauseReason    string
	// persisting is set while an automatic pause is being written to the
	// registry; reloads must not read the old active row back in meanwhile.
	persisting bool

	heap  *entryHeap
	index int
}

// entryHeap is a container/heap of entries under an injected order.
type entryHeap struct {
	items []*entry
	less  func(a, b *entry) bool
}

func (h *entryHeap) Len() int           { return len(h.items) }
func (h *entryHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }

func (h *entryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.items)
	e.heap = h
	h.items = append(h.items, e)
}

func (h *entryHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	e.index = -1
	e.heap = nil
	return e
}

func (h *entryHeap) peek() *entry {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// byEligibility orders the waiting set: earliest eligible first.
func byEligibility(a, b *entry) bool {
	if !a.eligibleAt.Equal(b.eligibleAt) {
		return a.eligibleAt.Before(b.eligibleAt)
	}
	return a.target.ID < b.target.ID
}

// byPriority orders the ready set: priority desc, then earliest eligible, then
// id.
func byPriority(a, b *entry) bool {
	if a.target.Priority != b.target.Priority {
		return a.target.Priority > b.target.Priority
	}
	return byEligibility(a, b)
}

// runQueue holds idle targets. Targets wait in a heap ordered by eligibility
// and move into the priority-ordered ready heap once their time has come, so
// a high-priority target in backoff never blocks a runnable lower one.
type runQueue struct {
	waiting entryHeap
	ready   entryHeap
}

func newRunQueue() *runQueue {
	return &runQueue{
		waiting: entryHeap{less: byEligibility},
		ready:   entryHeap{less: byPriority},
	}
}

func (q *runQueue) Len() int { return q.waiting.Len() + q.ready.Len() }

func (q *runQueue) add(e *entry) {
	q.remove(e)
	heap.Push(&q.waiting, e)
}

func (q *runQueue) remove(e *entry) {
	if e.heap != nil {
		heap.Remove(e.heap, e.index)
	}
}

// fix restores heap order after e's sort keys changed.
func (q *runQueue) fix(e *entry) {
	if e.heap != nil {
		heap.Fix(e.heap, e.index)
	}
}

// promote moves every entry eligible at now into the ready heap.
func (q *runQueue) promote(now time.Time) {
	for {
		top := q.waiting.peek()
		if top == nil || top.eligibleAt.After(now) {
			return
		}
		heap.Pop(&q.waiting)
		heap.Push(&q.ready, top)
	}
}

// pop removes the best ready entry at now. When nothing is ready it reports
// how long until the next entry becomes eligible (0 when the queue is empty).
func (q *runQueue) pop(now time.Time) (*entry, time.Duration) {
	q.promote(now)
	if q.ready.Len() > 0 {
		return heap.Pop(&q.ready).(*entry), 0
	}
	if top := q.waiting.peek(); top != nil {
		return nil, top.eligibleAt.Sub(now)
	}
	return nil, 0
}
