package coaching

import (
	"container/heap"
	"slices"
)

// queueEntry wraps a [Prompt] with scheduling metadata. seq provides FIFO
// ordering among prompts with equal priority and timestamp.
type queueEntry struct {
	prompt Prompt
	seq    uint64
}

// promptHeap implements [container/heap.Interface] as a min-heap ordered by
// type priority, then session timestamp, then insertion order.
type promptHeap []queueEntry

func (h promptHeap) Len() int { return len(h) }

// Less reports whether element i should be dequeued before element j.
func (h promptHeap) Less(i, j int) bool {
	pi, pj := h[i].prompt.Type.Priority(), h[j].prompt.Type.Priority()
	if pi != pj {
		return pi < pj
	}
	if ti, tj := h[i].prompt.SessionTimestamp, h[j].prompt.SessionTimestamp; ti != tj {
		return ti < tj
	}
	return h[i].seq < h[j].seq
}

func (h promptHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *promptHeap) Push(x any) {
	*h = append(*h, x.(queueEntry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *promptHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// promptQueue is a priority queue of prompts. Not safe for concurrent use;
// owners guard it with their own mutex.
type promptQueue struct {
	h   promptHeap
	seq uint64
}

func (q *promptQueue) push(p Prompt) {
	q.seq++
	heap.Push(&q.h, queueEntry{prompt: p, seq: q.seq})
}

func (q *promptQueue) pop() (Prompt, bool) {
	if len(q.h) == 0 {
		return Prompt{}, false
	}
	return heap.Pop(&q.h).(queueEntry).prompt, true
}

func (q *promptQueue) len() int { return len(q.h) }

func (q *promptQueue) clear() int {
	n := len(q.h)
	q.h = nil
	return n
}

// snapshot returns the queued prompts in dequeue order.
func (q *promptQueue) snapshot() []Prompt {
	sorted := slices.Clone(q.h)
	slices.SortFunc(sorted, func(a, b queueEntry) int {
		h := promptHeap{a, b}
		switch {
		case h.Less(0, 1):
			return -1
		case h.Less(1, 0):
			return 1
		}
		return 0
	})
	out := make([]Prompt, len(sorted))
	for i, e := range sorted {
		out[i] = e.prompt
	}
	return out
}
