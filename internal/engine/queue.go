package engine

import (
	"container/heap"
	"context"
	"sync"
	"time"

	logx "lapse/pkg/logx"
)

// Queue orders pending events by due time and wakes a single sleeper
// goroutine for the earliest one. Staleness is tolerated on wake rather
// than prevented on push: the sleeper re-checks the head under the lock
// and simply re-arms if the event it slept on was displaced.
type Queue struct {
	log      logx.Logger
	dispatch func(Event)

	mu     sync.Mutex
	items  eventHeap
	keys   map[queueKey]struct{}
	closed bool

	wake chan struct{} // capacity 1, coalesces bursts of pushes
	stop chan struct{}

	stopOnce sync.Once
}

// queueKey dedupes events: one event per (due instant, job).
type queueKey struct {
	due   int64
	jobID int64
}

func keyOf(ev Event) queueKey {
	return queueKey{due: ev.At.UnixNano(), jobID: ev.JobID}
}

// NewQueue builds a queue delivering due events to dispatch. Run must be
// started for anything to fire.
func NewQueue(log logx.Logger, dispatch func(Event)) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		log:      log,
		dispatch: dispatch,
		keys:     map[queueKey]struct{}{},
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Push inserts ev. Returns false if an event with the same due instant
// and job is already pending, or the queue is closed.
func (q *Queue) Push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	k := keyOf(ev)
	if _, dup := q.keys[k]; dup {
		q.mu.Unlock()
		return false
	}
	q.keys[k] = struct{}{}
	item := &queueItem{event: ev}
	heap.Push(&q.items, item)
	isHead := q.items[0] == item
	q.mu.Unlock()

	// Only a new head changes what the sleeper should be waiting on.
	if isHead {
		q.signal()
	}
	return true
}

// RemoveForJob purges every pending event for one job.
func (q *Queue) RemoveForJob(jobID int64) int {
	q.mu.Lock()
	var kept eventHeap
	removed := 0
	for _, it := range q.items {
		if it.event.JobID == jobID {
			delete(q.keys, keyOf(it.event))
			removed++
			continue
		}
		kept = append(kept, it)
	}
	if removed > 0 {
		q.items = kept
		heap.Init(&q.items)
	}
	q.mu.Unlock()

	if removed > 0 {
		q.signal()
	}
	return removed
}

// HasPending reports whether any event for the job is queued.
func (q *Queue) HasPending(jobID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.event.JobID == jobID {
			return true
		}
	}
	return false
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drops all pending events and stops the sleeper.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.keys = map[queueKey]struct{}{}
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run is the sleeper loop. It blocks until ctx is done or Close is
// called. The sleep itself happens outside the lock; at most one event
// is being awaited at a time.
func (q *Queue) Run(ctx context.Context) {
	for {
		q.mu.Lock()
		var head *queueItem
		if len(q.items) > 0 {
			head = q.items[0]
		}
		q.mu.Unlock()

		if head == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case <-q.wake:
				continue
			}
		}

		if delay := time.Until(head.event.At); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-q.stop:
				timer.Stop()
				return
			case <-q.wake:
				// Head may have changed while sleeping; re-evaluate.
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		q.mu.Lock()
		if q.closed || len(q.items) == 0 || q.items[0] != head {
			// Displaced while sleeping. Not an error.
			q.mu.Unlock()
			continue
		}
		item := heap.Pop(&q.items).(*queueItem)
		delete(q.keys, keyOf(item.event))
		q.mu.Unlock()

		ev := item.event
		go func() {
			defer func() {
				if r := recover(); r != nil {
					q.log.Error("event dispatch panicked",
						logx.Int64("job_id", ev.JobID),
						logx.Any("panic", r))
				}
			}()
			q.dispatch(ev)
		}()
	}
}

type queueItem struct {
	event Event
	index int
}

type eventHeap []*queueItem

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if !h[i].event.At.Equal(h[j].event.At) {
		return h[i].event.At.Before(h[j].event.At)
	}
	return h[i].event.JobID < h[j].event.JobID
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
