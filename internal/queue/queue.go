// Package queue holds the per-agent task queues: a priority-ordered pending
// heap plus a concurrency-capped active set.
package queue

import (
	"container/heap"
	"slices"
	"time"

	"taskmesh/internal/domain"
)

type Entry struct {
	TaskID    string
	Priority  domain.Priority
	CreatedAt time.Time
}

// less orders by priority, then created_at, then id so equal inputs always
// produce the same order.
func (e Entry) less(o Entry) bool {
	if e.Priority != o.Priority {
		return e.Priority < o.Priority
	}
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return e.TaskID < o.TaskID
}

type pendingHeap []Entry

func (h pendingHeap) Len() int           { return len(h) }
func (h pendingHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)        { *h = append(*h, x.(Entry)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// AgentQueue is not safe for concurrent use; Manager serializes access per agent.
type AgentQueue struct {
	agentID       string
	maxConcurrent int
	pending       pendingHeap
	active        map[string]Entry
	history       []string
	historySize   int
}

func NewAgentQueue(agentID string, maxConcurrent, historySize int) *AgentQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if historySize <= 0 {
		historySize = 50
	}
	return &AgentQueue{
		agentID:       agentID,
		maxConcurrent: maxConcurrent,
		active:        make(map[string]Entry),
		historySize:   historySize,
	}
}

func (q *AgentQueue) AgentID() string    { return q.agentID }
func (q *AgentQueue) MaxConcurrent() int { return q.maxConcurrent }
func (q *AgentQueue) PendingLen() int    { return len(q.pending) }
func (q *AgentQueue) ActiveLen() int     { return len(q.active) }

// Load counts every slot the agent has committed to: pending plus active.
func (q *AgentQueue) Load() int { return len(q.pending) + len(q.active) }

// Enqueue always accepts into pending; only active execution is capped.
func (q *AgentQueue) Enqueue(e Entry) {
	heap.Push(&q.pending, e)
}

// DequeueNext moves the most urgent pending entry into active. It returns
// false when pending is empty or every active slot is taken.
func (q *AgentQueue) DequeueNext() (Entry, bool) {
	if len(q.pending) == 0 || len(q.active) >= q.maxConcurrent {
		return Entry{}, false
	}
	e := heap.Pop(&q.pending).(Entry)
	q.active[e.TaskID] = e
	return e, true
}

func (q *AgentQueue) Release(taskID string) bool {
	if _, ok := q.active[taskID]; ok {
		delete(q.active, taskID)
		return true
	}
	for i, e := range q.pending {
		if e.TaskID == taskID {
			heap.Remove(&q.pending, i)
			return true
		}
	}
	return false
}

func (q *AgentQueue) recordCompletion(taskID string) {
	q.history = append(q.history, taskID)
	if over := len(q.history) - q.historySize; over > 0 {
		q.history = slices.Delete(q.history, 0, over)
	}
}

func (q *AgentQueue) Pending() []Entry {
	out := slices.Clone([]Entry(q.pending))
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.less(b):
			return -1
		case b.less(a):
			return 1
		default:
			return 0
		}
	})
	return out
}

func (q *AgentQueue) Active() []Entry {
	out := make([]Entry, 0, len(q.active))
	for _, e := range q.active {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if a.TaskID < b.TaskID {
			return -1
		}
		if a.TaskID > b.TaskID {
			return 1
		}
		return 0
	})
	return out
}

func (q *AgentQueue) History() []string {
	return slices.Clone(q.history)
}

func (q *AgentQueue) hasActive(taskID string) bool {
	_, ok := q.active[taskID]
	return ok
}
