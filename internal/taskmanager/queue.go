package taskmanager

import (
	"container/heap"

	"codeagent/internal/domain"
)

type queueItem struct {
	taskID   string
	priority domain.Priority
	seq      uint64
}

// taskQueue is a max-heap on priority; equal priorities pop in push order.
type taskQueue []queueItem

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(queueItem)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (q *taskQueue) push(item queueItem) { heap.Push(q, item) }

func (q *taskQueue) pop() (queueItem, bool) {
	if q.Len() == 0 {
		return queueItem{}, false
	}
	return heap.Pop(q).(queueItem), true
}
