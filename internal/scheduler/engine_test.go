package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"taskmesh/internal/agentgraph"
	"taskmesh/internal/depgraph"
	"taskmesh/internal/domain"
	"taskmesh/internal/policy"
	"taskmesh/internal/queue"
	"taskmesh/internal/registry"
)

type recordingExecutor struct {
	mu        sync.Mutex
	delivered []domain.Assignment
	cancelled []string
	fail      error
}

func (r *recordingExecutor) Deliver(_ context.Context, a domain.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.delivered = append(r.delivered, a)
	return nil
}

func (r *recordingExecutor) Cancel(_ context.Context, agentID, taskID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, agentID+"/"+taskID)
	return nil
}

func (r *recordingExecutor) deliveredTo(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.delivered {
		if a.AgentID == agentID {
			out = append(out, a.TaskID)
		}
	}
	return out
}

type harness struct {
	graph    *agentgraph.Directory
	queues   *queue.Manager
	reg      *registry.Registry
	exec     *recordingExecutor
	engine   *Engine
	unplaced atomic.Int64
}

func (h *harness) RecordUnassignable(_ context.Context, n int) { h.unplaced.Add(int64(n)) }

func newHarness(t *testing.T, agents ...domain.Agent) *harness {
	t.Helper()
	graph, err := agentgraph.New(agentgraph.Options{})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	t.Cleanup(graph.Close)
	for _, a := range agents {
		if _, err := graph.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}
	h := &harness{graph: graph, exec: &recordingExecutor{}}
	h.queues = queue.NewManager(graph.MaxConcurrent, 10)
	h.reg = registry.New(depgraph.New(), h.queues, nil, registry.Options{})
	h.engine = New(h.reg, h.queues, graph, policy.New(graph, 3), h.exec, Options{Recorder: h})
	return h
}

func (h *harness) create(t *testing.T, in registry.CreateInput) domain.Task {
	t.Helper()
	if in.CreatedBy == "" {
		in.CreatedBy = "api"
	}
	task, err := h.reg.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create %q: %v", in.Title, err)
	}
	return task
}

func (h *harness) pass(t *testing.T) PassResult {
	t.Helper()
	res, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	return res
}

func agent(id string, maxConcurrent int, skills ...string) domain.Agent {
	return domain.Agent{ID: id, MaxConcurrent: maxConcurrent, Capabilities: skills, Active: true}
}

func TestHighPriorityTaskGoesToBestAgentAndCompletes(t *testing.T) {
	h := newHarness(t, agent("generalist", 2), agent("searcher", 2, "search"))
	task := h.create(t, registry.CreateInput{Title: "find papers", Priority: domain.PriorityHigh, Tags: []string{"search"}})

	res := h.pass(t)
	if len(res.Assigned) != 1 || res.Assigned[0].AgentID != "searcher" {
		t.Fatalf("expected searcher to win, got %+v", res.Assigned)
	}
	if got := h.exec.deliveredTo("searcher"); !slices.Equal(got, []string{task.ID}) {
		t.Fatalf("expected delivery to searcher, got %v", got)
	}

	ctx := context.Background()
	if _, err := h.reg.Transition(ctx, task.ID, registry.TransitionInput{Event: domain.EventStart, AgentID: "searcher"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := h.reg.Transition(ctx, task.ID, registry.TransitionInput{Event: domain.EventComplete, AgentID: "searcher", Result: []byte(`"ok"`)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if _, ok := done.ActualDuration(); !ok {
		t.Fatalf("expected actual duration to be set")
	}
	if st := h.queues.Stats("searcher"); st.Load() != 0 || !slices.Equal(st.History, []string{task.ID}) {
		t.Fatalf("expected freed slot and history, got %+v", st)
	}
}

func TestFullAgentIsSkippedDespiteBestCapability(t *testing.T) {
	h := newHarness(t, agent("generalist", 2), agent("searcher", 1, "search"))
	first := h.create(t, registry.CreateInput{Title: "first", Tags: []string{"search"}})
	if _, err := h.engine.Delegate(context.Background(), first.ID, "", "searcher"); err != nil {
		t.Fatalf("delegate first: %v", err)
	}

	second := h.create(t, registry.CreateInput{Title: "second", Tags: []string{"search"}})
	res := h.pass(t)
	if len(res.Assigned) != 1 || res.Assigned[0].TaskID != second.ID || res.Assigned[0].AgentID != "generalist" {
		t.Fatalf("expected second on generalist, got %+v", res.Assigned)
	}
	if st := h.queues.Stats("searcher"); st.Active > st.MaxConcurrent {
		t.Fatalf("searcher oversubscribed: %+v", st)
	}
}

func TestNoEligibleAgentLeavesTaskQueued(t *testing.T) {
	h := newHarness(t, agent("searcher", 1, "search"))
	first := h.create(t, registry.CreateInput{Title: "first"})
	second := h.create(t, registry.CreateInput{Title: "second"})

	res := h.pass(t)
	if len(res.Assigned) != 1 || res.Assigned[0].TaskID != first.ID {
		t.Fatalf("expected only first placed, got %+v", res.Assigned)
	}
	if !slices.Equal(res.Unassignable, []string{second.ID}) {
		t.Fatalf("expected second unassignable, got %v", res.Unassignable)
	}
	got, _ := h.reg.Get(second.ID)
	if got.Status != domain.TaskStatusQueued {
		t.Fatalf("expected second to stay queued, got %s", got.Status)
	}
	if got := h.unplaced.Load(); got != 1 {
		t.Fatalf("expected recorder to see 1 unplaced task, got %d", got)
	}
}

func TestTiesBreakOnAgentID(t *testing.T) {
	h := newHarness(t, agent("beta", 2), agent("alpha", 2))
	h.create(t, registry.CreateInput{Title: "anything"})
	res := h.pass(t)
	if len(res.Assigned) != 1 || res.Assigned[0].AgentID != "alpha" {
		t.Fatalf("expected alpha on an even score, got %+v", res.Assigned)
	}
}

func TestTiesBreakOnFewestActiveTasks(t *testing.T) {
	cands := []Candidate{
		{AgentID: "alpha", Score: 0.5, Active: 2},
		{AgentID: "beta", Score: 0.5, Active: 1},
		{AgentID: "gamma", Score: 0.6, Active: 3},
	}
	rank(cands)
	var got []string
	for _, c := range cands {
		got = append(got, c.AgentID)
	}
	if !slices.Equal(got, []string{"gamma", "beta", "alpha"}) {
		t.Fatalf("unexpected rank order %v", got)
	}
}

func TestPassRespectsPriorityOrder(t *testing.T) {
	h := newHarness(t, agent("solo", 1))
	h.create(t, registry.CreateInput{Title: "later", Priority: domain.PriorityLow})
	urgent := h.create(t, registry.CreateInput{Title: "urgent", Priority: domain.PriorityCritical})

	res := h.pass(t)
	if len(res.Assigned) != 1 || res.Assigned[0].TaskID != urgent.ID {
		t.Fatalf("expected the critical task first, got %+v", res.Assigned)
	}
}

func TestBlockedTaskIsNeverAssigned(t *testing.T) {
	h := newHarness(t, agent("a1", 4))
	dep := h.create(t, registry.CreateInput{Title: "dep"})
	blocked := h.create(t, registry.CreateInput{Title: "blocked", Dependencies: []string{dep.ID}})

	h.pass(t)
	got, _ := h.reg.Get(blocked.ID)
	if got.Status != domain.TaskStatusBlocked || got.AssignedTo != "" {
		t.Fatalf("blocked task was touched: %+v", got)
	}
}

func TestDeliveryFailureRequeuesWithoutRetry(t *testing.T) {
	h := newHarness(t, agent("a1", 1))
	h.exec.fail = errors.New("agent offline")
	task := h.create(t, registry.CreateInput{Title: "ping"})

	h.pass(t)
	got, _ := h.reg.Get(task.ID)
	if got.Status != domain.TaskStatusQueued || got.DelegatedFrom != "a1" || got.RetryCount != 0 {
		t.Fatalf("unexpected task after failed delivery: %+v", got)
	}
	if st := h.queues.Stats("a1"); st.Load() != 0 {
		t.Fatalf("failed delivery must free the slot, got %+v", st)
	}
}

func TestDelegateRules(t *testing.T) {
	h := newHarness(t, agent("lead", 2), agent("peer", 1), agent("stranger", 2))
	if err := h.graph.Connect("lead", "peer"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx := context.Background()
	t1 := h.create(t, registry.CreateInput{Title: "one", CreatedBy: "lead"})
	t2 := h.create(t, registry.CreateInput{Title: "two", CreatedBy: "lead"})

	if _, err := h.engine.Delegate(ctx, t1.ID, "lead", "stranger"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	got, err := h.engine.Delegate(ctx, t1.ID, "lead", "peer")
	if err != nil {
		t.Fatalf("delegate to peer: %v", err)
	}
	if got.Status != domain.TaskStatusAssigned || got.AssignedTo != "peer" {
		t.Fatalf("unexpected delegated task %+v", got)
	}
	if _, err := h.engine.Delegate(ctx, t2.ID, "lead", "peer"); !errors.Is(err, domain.ErrAgentAtCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if t2now, _ := h.reg.Get(t2.ID); t2now.Status != domain.TaskStatusQueued {
		t.Fatalf("rejected delegation must leave the task queued, got %s", t2now.Status)
	}
}

func TestRedelegateMovesAssignedTask(t *testing.T) {
	h := newHarness(t, agent("lead", 2), agent("a", 1), agent("b", 1))
	_ = h.graph.Connect("lead", "a")
	_ = h.graph.Connect("lead", "b")
	ctx := context.Background()
	task := h.create(t, registry.CreateInput{Title: "move me", CreatedBy: "lead"})
	if _, err := h.engine.Delegate(ctx, task.ID, "lead", "a"); err != nil {
		t.Fatalf("delegate to a: %v", err)
	}

	got, err := h.engine.Delegate(ctx, task.ID, "lead", "b")
	if err != nil {
		t.Fatalf("re-delegate to b: %v", err)
	}
	if got.AssignedTo != "b" || got.DelegatedFrom != "a" {
		t.Fatalf("unexpected task after re-delegation %+v", got)
	}
	if owner, _ := h.queues.Owner(task.ID); owner != "b" {
		t.Fatalf("queue owner should be b, got %q", owner)
	}
	if !slices.Contains(h.exec.cancelled, "a/"+task.ID) {
		t.Fatalf("previous agent should get a cancel notice, got %v", h.exec.cancelled)
	}
}

func TestConcurrentPassesNeverDoubleAssign(t *testing.T) {
	h := newHarness(t, agent("a", 2), agent("b", 2), agent("c", 2))
	for i := 0; i < 20; i++ {
		h.create(t, registry.CreateInput{Title: fmt.Sprintf("task %02d", i)})
	}

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := h.engine.RunPass(context.Background())
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent passes: %v", err)
	}

	assigned := h.reg.List(domain.TaskFilter{Statuses: []domain.TaskStatus{domain.TaskStatusAssigned}})
	if len(assigned) != 6 {
		t.Fatalf("expected exactly 6 assignments across 3x2 slots, got %d", len(assigned))
	}
	seen := map[string]bool{}
	h.exec.mu.Lock()
	for _, a := range h.exec.delivered {
		if seen[a.TaskID] {
			t.Fatalf("task %s delivered twice", a.TaskID)
		}
		seen[a.TaskID] = true
	}
	h.exec.mu.Unlock()
	for _, id := range []string{"a", "b", "c"} {
		if st := h.queues.Stats(id); st.Load() > st.MaxConcurrent || st.Active > st.MaxConcurrent {
			t.Fatalf("agent %s oversubscribed: %+v", id, st)
		}
	}
}

func TestScoreComponents(t *testing.T) {
	if got := WorkloadScore(queue.Stats{Active: 1, Pending: 1, MaxConcurrent: 4}); math.Abs(got-0.825) > 1e-9 {
		t.Fatalf("workload score counts active tasks only: got %v", got)
	}
	if got := WorkloadScore(queue.Stats{Active: 3, MaxConcurrent: 2}); math.Abs(got-0.3) > 1e-9 {
		t.Fatalf("workload score above cap: got %v", got)
	}
	if got := PriorityScore(domain.PriorityCritical); got != 1 {
		t.Fatalf("priority score for critical: got %v", got)
	}
	if got := ConnectionScore(2); got != 0.5 {
		t.Fatalf("connection score two hops: got %v", got)
	}
	w := DefaultWeights()
	if got := w.Combine(Components{Capability: 1, Workload: 1, Priority: 1, Connection: 1}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("default weights should sum to 1, got %v", got)
	}
}
