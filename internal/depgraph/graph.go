// Package depgraph tracks depends-on edges between tasks and keeps them acyclic.
package depgraph

import (
	"fmt"
	"slices"
	"sync"

	"taskmesh/internal/domain"
)

type set map[string]struct{}

// Graph keeps forward (task -> dependencies) and reverse (task -> dependents)
// adjacency. It is safe for concurrent use.
type Graph struct {
	mu      sync.RWMutex
	forward map[string]set
	reverse map[string]set
}

func New() *Graph {
	return &Graph{
		forward: make(map[string]set),
		reverse: make(map[string]set),
	}
}

// AddTask registers a node and its dependency edges. Either every edge is
// inserted or none is.
func (g *Graph) AddTask(taskID string, deps []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, dep := range deps {
		if _, ok := g.forward[dep]; !ok {
			return &domain.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("unknown dependency %s", dep)}
		}
		if err := g.checkEdgeLocked(taskID, dep); err != nil {
			return err
		}
	}
	g.ensureLocked(taskID)
	for _, dep := range deps {
		g.forward[taskID][dep] = struct{}{}
		g.reverse[dep][taskID] = struct{}{}
	}
	return nil
}

func (g *Graph) AddEdge(taskID, depID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.forward[taskID]; !ok {
		return fmt.Errorf("add edge: %w", domain.ErrTaskNotFound)
	}
	if _, ok := g.forward[depID]; !ok {
		return &domain.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("unknown dependency %s", depID)}
	}
	if err := g.checkEdgeLocked(taskID, depID); err != nil {
		return err
	}
	g.forward[taskID][depID] = struct{}{}
	g.reverse[depID][taskID] = struct{}{}
	return nil
}

func (g *Graph) checkEdgeLocked(taskID, depID string) error {
	if taskID == depID {
		return &domain.CycleError{TaskID: taskID, DependencyID: depID, Path: []string{taskID, taskID}}
	}
	visited := map[string]bool{}
	var path []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		path = append(path, id)
		if id == taskID {
			return true
		}
		for _, next := range sortedKeys(g.forward[id]) {
			if dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if dfs(depID) {
		return &domain.CycleError{
			TaskID:       taskID,
			DependencyID: depID,
			Path:         append([]string{taskID}, path...),
		}
	}
	return nil
}

// RemoveTask drops a node from both adjacencies and returns its former dependents.
func (g *Graph) RemoveTask(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	dependents := sortedKeys(g.reverse[taskID])
	for dep := range g.forward[taskID] {
		delete(g.reverse[dep], taskID)
	}
	for _, d := range dependents {
		delete(g.forward[d], taskID)
	}
	delete(g.forward, taskID)
	delete(g.reverse, taskID)
	return dependents
}

func (g *Graph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.forward[taskID])
}

func (g *Graph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.reverse[taskID])
}

// Readiness reports whether every dependency of taskID is COMPLETED according
// to status. A FAILED or CANCELLED dependency is returned as the blocker with
// its status; it will never complete. Ids status does not know are skipped.
func (g *Graph) Readiness(taskID string, status func(id string) (domain.TaskStatus, bool)) (ready bool, blocker string, blockerStatus domain.TaskStatus) {
	ready = true
	for _, dep := range g.Dependencies(taskID) {
		st, ok := status(dep)
		if !ok {
			continue
		}
		switch st {
		case domain.TaskStatusCompleted:
		case domain.TaskStatusFailed, domain.TaskStatusCancelled:
			return false, dep, st
		default:
			ready = false
		}
	}
	return ready, "", ""
}

// Rebuild replaces the graph from persisted dependency lists. Edges pointing at
// ids absent from deps are dropped.
func (g *Graph) Rebuild(deps map[string][]string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.forward = make(map[string]set, len(deps))
	g.reverse = make(map[string]set, len(deps))
	for id := range deps {
		g.ensureLocked(id)
	}
	for id, list := range deps {
		for _, dep := range list {
			if _, ok := deps[dep]; !ok {
				continue
			}
			g.forward[id][dep] = struct{}{}
			g.reverse[dep][id] = struct{}{}
		}
	}
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.forward)
}

func (g *Graph) ensureLocked(id string) {
	if _, ok := g.forward[id]; !ok {
		g.forward[id] = make(set)
	}
	if _, ok := g.reverse[id]; !ok {
		g.reverse[id] = make(set)
	}
}

func sortedKeys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
