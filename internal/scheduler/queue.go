package scheduler

import (
	"container/heap"

	"kosmos/internal/research"
)

// queuedTask is a heap entry. seq is a monotonically increasing enqueue
// counter so equal priorities dequeue in FIFO order.
type queuedTask struct {
	task  *research.Task
	batch *BatchHandle
	seq   uint64
	index int
}

// taskHeap is a max-heap on priority with FIFO tie-break.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	entry := x.(*queuedTask)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// push adds an entry maintaining heap order.
func (h *taskHeap) push(entry *queuedTask) {
	heap.Push(h, entry)
}

// pop removes and returns the highest-priority entry, or nil when empty.
func (h *taskHeap) pop() *queuedTask {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*queuedTask)
}

// remove deletes an entry from the middle of the heap.
func (h *taskHeap) remove(entry *queuedTask) {
	if entry.index >= 0 && entry.index < h.Len() {
		heap.Remove(h, entry.index)
	}
}
