package lockqueue

import (
	"container/heap"
	"sort"
	"time"
)

// Priority orders queued jobs on the same resource. Higher runs first; equal priorities
// run in submission order.
type Priority int

const (
	PriorityLow     Priority = 0
	PriorityIngest  Priority = 10
	PriorityPlayout Priority = 20
	PriorityAdmin   Priority = 30
)

// job is one pending or running holder of a resource.
type job struct {
	name     string
	priority Priority
	seq      uint64
	queued   time.Time

	granted chan struct{}
	index   int
}

// jobHeap implements heap.Interface: highest priority first, then lowest sequence.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// queue serializes the jobs of one resource key. Guarded by Manager.mu.
type queue struct {
	key     string
	running *job
	pending jobHeap
}

func (q *queue) push(j *job) {
	heap.Push(&q.pending, j)
}

func (q *queue) remove(j *job) bool {
	if j.index < 0 || j.index >= len(q.pending) || q.pending[j.index] != j {
		return false
	}
	heap.Remove(&q.pending, j.index)
	return true
}

// dispatch starts the next pending job if the resource is free.
func (q *queue) dispatch() {
	if q.running != nil || len(q.pending) == 0 {
		return
	}
	next := heap.Pop(&q.pending).(*job)
	q.running = next
	close(next.granted)
}

// namesAhead lists the jobs j is waiting for, in service order.
func (q *queue) namesAhead(j *job) []string {
	var names []string
	if q.running != nil {
		names = append(names, q.running.name)
	}
	ahead := make([]*job, 0, len(q.pending))
	for _, other := range q.pending {
		if other != j && (other.priority > j.priority || (other.priority == j.priority && other.seq < j.seq)) {
			ahead = append(ahead, other)
		}
	}
	sort.Slice(ahead, func(a, b int) bool { return jobHeap(ahead).Less(a, b) })
	for _, other := range ahead {
		names = append(names, other.name)
	}
	return names
}

func (q *queue) idle() bool {
	return q.running == nil && len(q.pending) == 0
}
