package queue

import (
	"fmt"
	"slices"
	"sync"

	"taskmesh/internal/domain"
)

// CapacityFunc resolves an agent's max_concurrent when its queue is first created.
type CapacityFunc func(agentID string) int

type lockedQueue struct {
	mu sync.Mutex
	q  *AgentQueue
}

// Manager owns one queue per agent, created lazily, with a lock per agent.
// It also enforces that a task sits in at most one agent's queue.
type Manager struct {
	mu          sync.RWMutex
	queues      map[string]*lockedQueue
	capacity    CapacityFunc
	historySize int

	ownerMu sync.Mutex
	owner   map[string]string
}

func NewManager(capacity CapacityFunc, historySize int) *Manager {
	if capacity == nil {
		capacity = func(string) int { return 1 }
	}
	return &Manager{
		queues:      make(map[string]*lockedQueue),
		capacity:    capacity,
		historySize: historySize,
		owner:       make(map[string]string),
	}
}

func (m *Manager) get(agentID string) *lockedQueue {
	m.mu.RLock()
	lq, ok := m.queues[agentID]
	m.mu.RUnlock()
	if ok {
		return lq
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if lq, ok := m.queues[agentID]; ok {
		return lq
	}
	lq = &lockedQueue{q: NewAgentQueue(agentID, m.capacity(agentID), m.historySize)}
	m.queues[agentID] = lq
	return lq
}

func (m *Manager) claim(agentID, taskID string) error {
	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()
	if current, ok := m.owner[taskID]; ok {
		return fmt.Errorf("task %s held by %s: %w", taskID, current, domain.ErrAlreadyQueued)
	}
	m.owner[taskID] = agentID
	return nil
}

func (m *Manager) unclaim(taskID string) {
	m.ownerMu.Lock()
	delete(m.owner, taskID)
	m.ownerMu.Unlock()
}

// Reserve enqueues only if the agent's committed load is below max_concurrent.
// The capacity check and the insert happen under the agent's lock.
func (m *Manager) Reserve(agentID string, e Entry) error {
	lq := m.get(agentID)
	lq.mu.Lock()
	defer lq.mu.Unlock()

	if lq.q.Load() >= lq.q.MaxConcurrent() {
		return fmt.Errorf("reserve %s on %s: %w", e.TaskID, agentID, domain.ErrAgentAtCapacity)
	}
	if err := m.claim(agentID, e.TaskID); err != nil {
		return err
	}
	lq.q.Enqueue(e)
	return nil
}

func (m *Manager) Enqueue(agentID string, e Entry) error {
	lq := m.get(agentID)
	lq.mu.Lock()
	defer lq.mu.Unlock()

	if err := m.claim(agentID, e.TaskID); err != nil {
		return err
	}
	lq.q.Enqueue(e)
	return nil
}

func (m *Manager) DequeueNext(agentID string) (Entry, bool) {
	lq := m.get(agentID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.q.DequeueNext()
}

// Release frees the task's slot. completed feeds the bounded history.
func (m *Manager) Release(agentID, taskID string, completed bool) bool {
	lq := m.get(agentID)
	lq.mu.Lock()
	defer lq.mu.Unlock()

	if !lq.q.Release(taskID) {
		return false
	}
	m.unclaim(taskID)
	if completed {
		lq.q.recordCompletion(taskID)
	}
	return true
}

func (m *Manager) Owner(taskID string) (string, bool) {
	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()
	agentID, ok := m.owner[taskID]
	return agentID, ok
}

func (m *Manager) IsActive(agentID, taskID string) bool {
	lq := m.get(agentID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.q.hasActive(taskID)
}

type Stats struct {
	AgentID       string
	Pending       int
	Active        int
	MaxConcurrent int
	History       []string
}

func (s Stats) Load() int { return s.Pending + s.Active }

func (s Stats) HasCapacity() bool { return s.Load() < s.MaxConcurrent }

func (m *Manager) Stats(agentID string) Stats {
	lq := m.get(agentID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return Stats{
		AgentID:       agentID,
		Pending:       lq.q.PendingLen(),
		Active:        lq.q.ActiveLen(),
		MaxConcurrent: lq.q.MaxConcurrent(),
		History:       lq.q.History(),
	}
}

func (m *Manager) PendingOrder(agentID string) []string {
	lq := m.get(agentID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	entries := lq.q.Pending()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.TaskID)
	}
	return ids
}

func (m *Manager) Agents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.queues))
	for id := range m.queues {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) Snapshot() []domain.QueueMembership {
	var out []domain.QueueMembership
	for _, agentID := range m.Agents() {
		lq := m.get(agentID)
		lq.mu.Lock()
		for i, e := range lq.q.Active() {
			out = append(out, domain.QueueMembership{AgentID: agentID, TaskID: e.TaskID, Slot: domain.QueueSlotActive, Position: i})
		}
		for i, e := range lq.q.Pending() {
			out = append(out, domain.QueueMembership{AgentID: agentID, TaskID: e.TaskID, Slot: domain.QueueSlotPending, Position: i})
		}
		lq.mu.Unlock()
	}
	return out
}

// Reset drops every queue. Used before restoring a snapshot.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.queues = make(map[string]*lockedQueue)
	m.mu.Unlock()
	m.ownerMu.Lock()
	m.owner = make(map[string]string)
	m.ownerMu.Unlock()
}

// RestoreActive places an entry straight into an agent's active set. A task
// already running stays active even when the agent's cap shrank; the agent
// takes no new work until it is back under the cap.
func (m *Manager) RestoreActive(agentID string, e Entry) error {
	lq := m.get(agentID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if err := m.claim(agentID, e.TaskID); err != nil {
		return err
	}
	lq.q.active[e.TaskID] = e
	return nil
}

// SetCapacity changes max_concurrent for an agent. The cap never drops below
// the number of tasks already active.
func (m *Manager) SetCapacity(agentID string, maxConcurrent int) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	lq := m.get(agentID)
	lq.mu.Lock()
	lq.q.maxConcurrent = max(maxConcurrent, lq.q.ActiveLen())
	lq.mu.Unlock()
}
