// Package agentgraph tracks agents, their connections and parent/child
// hierarchy, and answers the connection and capability questions the
// scheduler asks.
package agentgraph

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"taskmesh/internal/domain"
)

const (
	defaultMaxConcurrent  = 2
	defaultMaxChildAgents = 5
)

type Options struct {
	DefaultMaxConcurrent  int
	DefaultMaxChildAgents int
}

// Directory is the in-memory agent graph. Topology changes bump a generation
// counter so cached hop distances from older topologies are never read.
type Directory struct {
	mu         sync.RWMutex
	agents     map[string]*domain.Agent
	generation uint64

	hops *ristretto.Cache[string, int]

	defaultMaxConcurrent  int
	defaultMaxChildAgents int
}

func New(opts Options) (*Directory, error) {
	if opts.DefaultMaxConcurrent <= 0 {
		opts.DefaultMaxConcurrent = defaultMaxConcurrent
	}
	if opts.DefaultMaxChildAgents <= 0 {
		opts.DefaultMaxChildAgents = defaultMaxChildAgents
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, int]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create hop cache: %w", err)
	}
	return &Directory{
		agents:                make(map[string]*domain.Agent),
		hops:                  cache,
		defaultMaxConcurrent:  opts.DefaultMaxConcurrent,
		defaultMaxChildAgents: opts.DefaultMaxChildAgents,
	}, nil
}

func (d *Directory) Close() {
	d.hops.Close()
}

// Register adds an agent or replaces its profile. Existing children and
// connections are kept; connections named on the profile are added in both
// directions when the peer is known.
func (d *Directory) Register(a domain.Agent) (domain.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerLocked(a)
}

func (d *Directory) registerLocked(a domain.Agent) (domain.Agent, error) {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return domain.Agent{}, &domain.ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}
	if a.MaxConcurrent <= 0 {
		a.MaxConcurrent = d.defaultMaxConcurrent
	}
	if a.MaxChildAgents <= 0 {
		a.MaxChildAgents = d.defaultMaxChildAgents
	}
	if a.Name == "" {
		a.Name = a.ID
	}

	stored := cloneAgent(a)
	stored.Connections = nil
	stored.Children = nil
	if prev, ok := d.agents[a.ID]; ok {
		stored.Connections = slices.Clone(prev.Connections)
		stored.Children = slices.Clone(prev.Children)
		if stored.ParentID == "" {
			stored.ParentID = prev.ParentID
		}
	}
	d.agents[a.ID] = &stored
	for id, other := range d.agents {
		if other.ParentID == a.ID && !slices.Contains(stored.Children, id) {
			stored.Children = append(stored.Children, id)
		}
	}
	slices.Sort(stored.Children)

	for _, peer := range a.Connections {
		if peer == a.ID {
			continue
		}
		if _, ok := d.agents[peer]; ok {
			d.linkLocked(a.ID, peer)
		}
	}
	if stored.ParentID != "" {
		if parent, ok := d.agents[stored.ParentID]; ok && !slices.Contains(parent.Children, a.ID) {
			parent.Children = append(parent.Children, a.ID)
		}
	}
	d.generation++
	return cloneAgent(stored), nil
}

func (d *Directory) Connect(a, b string) error {
	if a == b {
		return &domain.ValidationError{Field: "connection", Reason: fmt.Sprintf("agent %s cannot connect to itself", a)}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireLocked(a, b); err != nil {
		return err
	}
	d.linkLocked(a, b)
	d.generation++
	return nil
}

func (d *Directory) Disconnect(a, b string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireLocked(a, b); err != nil {
		return err
	}
	d.agents[a].Connections = slices.DeleteFunc(d.agents[a].Connections, func(id string) bool { return id == b })
	d.agents[b].Connections = slices.DeleteFunc(d.agents[b].Connections, func(id string) bool { return id == a })
	d.generation++
	return nil
}

func (d *Directory) SpawnChild(parentID string, child domain.Agent) (domain.Agent, error) {
	if strings.TrimSpace(child.ID) == parentID {
		return domain.Agent{}, &domain.ValidationError{Field: "agent_id", Reason: "child must differ from parent"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	parent, ok := d.agents[parentID]
	if !ok {
		return domain.Agent{}, fmt.Errorf("spawn child of %s: %w", parentID, domain.ErrAgentNotFound)
	}
	if len(parent.Children) >= parent.MaxChildAgents {
		return domain.Agent{}, fmt.Errorf("spawn child of %s (%d/%d): %w",
			parentID, len(parent.Children), parent.MaxChildAgents, domain.ErrChildLimit)
	}
	child.ParentID = parentID
	child.Active = true
	return d.registerLocked(child)
}

func (d *Directory) SetActive(id string, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return fmt.Errorf("set active %s: %w", id, domain.ErrAgentNotFound)
	}
	a.Active = active
	return nil
}

func (d *Directory) SetMaxConcurrent(id string, n int) error {
	if n <= 0 {
		return &domain.ValidationError{Field: "max_concurrent", Reason: "must be positive"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return fmt.Errorf("set capacity %s: %w", id, domain.ErrAgentNotFound)
	}
	a.MaxConcurrent = n
	return nil
}

func (d *Directory) IsConnected(a, b string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agent, ok := d.agents[a]
	return ok && slices.Contains(agent.Connections, b)
}

func (d *Directory) IsChild(parentID, childID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	child, ok := d.agents[childID]
	return ok && child.ParentID == parentID
}

func (d *Directory) IsActive(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	return ok && a.Active
}

func (d *Directory) Known(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.agents[id]
	return ok
}

func (d *Directory) CapabilityOf(id string) (domain.Capability, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return domain.Capability{}, false
	}
	return domain.Capability{AgentID: a.ID, Skills: slices.Clone(a.Capabilities), MaxConcurrent: a.MaxConcurrent}, true
}

// MaxConcurrent returns the agent's cap, or the configured default for
// agents the directory has not seen.
func (d *Directory) MaxConcurrent(id string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if a, ok := d.agents[id]; ok {
		return a.MaxConcurrent
	}
	return d.defaultMaxConcurrent
}

func (d *Directory) Agent(id string) (domain.Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return domain.Agent{}, false
	}
	return cloneAgent(*a), true
}

func (d *Directory) Agents() []domain.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, cloneAgent(*a))
	}
	slices.SortFunc(out, func(a, b domain.Agent) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// HopDistance is the shortest path length between two agents over
// connections and parent/child links. Zero means the same agent.
func (d *Directory) HopDistance(from, to string) (int, bool) {
	if from == to {
		return 0, true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.agents[from]; !ok {
		return 0, false
	}
	if _, ok := d.agents[to]; !ok {
		return 0, false
	}

	key := fmt.Sprintf("%d|%s|%s", d.generation, from, to)
	if hops, ok := d.hops.Get(key); ok {
		return hops, hops >= 0
	}
	hops := d.bfsLocked(from, to)
	d.hops.Set(key, hops, 1)
	return hops, hops >= 0
}

func (d *Directory) bfsLocked(from, to string) int {
	dist := map[string]int{from: 0}
	frontier := []string{from}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, next := range d.neighborsLocked(cur) {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[cur] + 1
			if next == to {
				return dist[next]
			}
			frontier = append(frontier, next)
		}
	}
	return -1
}

func (d *Directory) neighborsLocked(id string) []string {
	a, ok := d.agents[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(a.Connections)+len(a.Children)+1)
	out = append(out, a.Connections...)
	out = append(out, a.Children...)
	if a.ParentID != "" {
		out = append(out, a.ParentID)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (d *Directory) requireLocked(ids ...string) error {
	for _, id := range ids {
		if _, ok := d.agents[id]; !ok {
			return fmt.Errorf("agent %s: %w", id, domain.ErrAgentNotFound)
		}
	}
	return nil
}

func (d *Directory) linkLocked(a, b string) {
	if !slices.Contains(d.agents[a].Connections, b) {
		d.agents[a].Connections = append(d.agents[a].Connections, b)
	}
	if !slices.Contains(d.agents[b].Connections, a) {
		d.agents[b].Connections = append(d.agents[b].Connections, a)
	}
}

func cloneAgent(a domain.Agent) domain.Agent {
	a.Children = slices.Clone(a.Children)
	a.Connections = slices.Clone(a.Connections)
	a.Capabilities = slices.Clone(a.Capabilities)
	return a
}
