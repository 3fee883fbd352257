package codec

import (
	"container/heap"
	"sync"
	"time"
)

type timing struct {
	timestamp time.Duration
	duration  time.Duration
	key       bool
}

// timingHeap orders pending timings by presentation time.
type timingHeap []timing

func (h timingHeap) Len() int           { return len(h) }
func (h timingHeap) Less(i, j int) bool { return h[i].timestamp < h[j].timestamp }
func (h timingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timingHeap) Push(x any)        { *h = append(*h, x.(timing)) }
func (h *timingHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// presentationQueue hands out submitted packet timings in presentation
// order. A decoder emits pictures in that order, so the smallest pending
// timestamp belongs to the next decoded picture.
type presentationQueue struct {
	mu      sync.Mutex
	pending timingHeap
}

func (q *presentationQueue) push(t timing) {
	q.mu.Lock()
	heap.Push(&q.pending, t)
	q.mu.Unlock()
}

func (q *presentationQueue) pop() (timing, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return timing{}, false
	}
	return heap.Pop(&q.pending).(timing), true
}

func (q *presentationQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// submissionQueue hands out timings in submission order, matching an
// encoder that does not reorder its output.
type submissionQueue struct {
	mu      sync.Mutex
	pending []timing
}

func (q *submissionQueue) push(t timing) {
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.mu.Unlock()
}

func (q *submissionQueue) pop() (timing, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return timing{}, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t, true
}

func (q *submissionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
