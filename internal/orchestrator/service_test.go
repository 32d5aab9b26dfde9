package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"taskmesh/internal/agent"
	"taskmesh/internal/agentgraph"
	"taskmesh/internal/domain"
	"taskmesh/internal/messaging/inproc"
	sqlitestore "taskmesh/internal/store/sqlite"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingExecutor struct {
	mu        sync.Mutex
	delivered []domain.Assignment
	cancelled []string
}

func (r *recordingExecutor) Deliver(_ context.Context, a domain.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
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

func (r *recordingExecutor) cancels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.cancelled)
}

type fixture struct {
	svc    *Service
	exec   *recordingExecutor
	clock  *testClock
	agents *agentgraph.Directory
	store  *sqlitestore.Store
}

func newTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "taskmesh.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newFixture(t *testing.T, store *sqlitestore.Store, agents ...domain.Agent) fixture {
	t.Helper()
	if store == nil {
		store = newTestStore(t)
	}
	dir, err := agentgraph.New(agentgraph.Options{})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	t.Cleanup(dir.Close)
	for _, a := range agents {
		if _, err := dir.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	exec := &recordingExecutor{}
	svc, err := New(store, dir, exec, nil, Config{Now: clock.Now}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return fixture{svc: svc, exec: exec, clock: clock, agents: dir, store: store}
}

func writerAndReviewer(maxConcurrent int) []domain.Agent {
	return []domain.Agent{
		{ID: "writer", Capabilities: []string{"write"}, MaxConcurrent: maxConcurrent, Active: true},
		{ID: "reviewer", Capabilities: []string{"review"}, MaxConcurrent: maxConcurrent, Active: true},
	}
}

func mustCreate(t *testing.T, svc *Service, in CreateTaskInput) domain.Task {
	t.Helper()
	if in.CreatedBy == "" {
		in.CreatedBy = "api"
	}
	task, err := svc.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("create task %q: %v", in.Title, err)
	}
	return task
}

func mustPass(t *testing.T, svc *Service) {
	t.Helper()
	if _, err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}
}

func mustGet(t *testing.T, svc *Service, id string) domain.Task {
	t.Helper()
	task, err := svc.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func eventActions(t *testing.T, svc *Service, id string) []string {
	t.Helper()
	events, err := svc.ListTaskEvents(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("list events of %s: %v", id, err)
	}
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func TestCreateAssignComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, writerAndReviewer(2)...)

	task := mustCreate(t, f.svc, CreateTaskInput{Title: "draft release notes", Priority: domain.PriorityHigh, Tags: []string{"write"}})
	if task.Status != domain.TaskStatusQueued {
		t.Fatalf("expected queued, got %s", task.Status)
	}

	res, err := f.svc.RunPass(ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if len(res.Assigned) != 1 || res.Assigned[0].AgentID != "writer" {
		t.Fatalf("expected assignment to writer, got %+v", res.Assigned)
	}
	if got := f.exec.deliveredTo("writer"); !slices.Equal(got, []string{task.ID}) {
		t.Fatalf("expected delivery to writer, got %v", got)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.svc.ReportStarted(ctx, task.ID, "writer"); err != nil {
		t.Fatalf("report started: %v", err)
	}
	f.clock.Advance(3 * time.Minute)
	done, err := f.svc.ReportCompleted(ctx, task.ID, "writer", json.RawMessage(`{"sections":4}`))
	if err != nil {
		t.Fatalf("report completed: %v", err)
	}
	if done.Status != domain.TaskStatusCompleted || done.AssignedTo != "" {
		t.Fatalf("unexpected completed task %+v", done)
	}
	if d, ok := done.ActualDuration(); !ok || d != 3*time.Minute {
		t.Fatalf("expected 3m actual duration, got %v (%v)", d, ok)
	}

	want := []string{"created", "queued", "assigned", "started", "completed"}
	if got := eventActions(t, f.svc, task.ID); !slices.Equal(got, want) {
		t.Fatalf("unexpected audit trail %v", got)
	}

	load, err := f.svc.AgentWorkload("writer")
	if err != nil {
		t.Fatalf("agent workload: %v", err)
	}
	if load.Active != 0 || load.Pending != 0 || load.Completed != 1 || load.Capacity != 2 {
		t.Fatalf("unexpected workload %+v", load)
	}
	m := f.svc.SystemMetrics()
	if m.TotalTasks != 1 || m.ByStatus[domain.TaskStatusCompleted] != 1 || m.AverageCompletionTime != 3*time.Minute {
		t.Fatalf("unexpected system metrics %+v", m)
	}
}

func TestAgentWorkloadUnknownAgent(t *testing.T) {
	f := newFixture(t, nil, writerAndReviewer(1)...)
	if _, err := f.svc.AgentWorkload("ghost"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}
}

func TestDependentQueuedAfterDependencyCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, writerAndReviewer(2)...)

	first := mustCreate(t, f.svc, CreateTaskInput{Title: "collect data"})
	second := mustCreate(t, f.svc, CreateTaskInput{Title: "analyze data", Dependencies: []string{first.ID}})
	if second.Status != domain.TaskStatusBlocked {
		t.Fatalf("expected blocked dependent, got %s", second.Status)
	}

	mustPass(t, f.svc)
	if got := mustGet(t, f.svc, second.ID); got.Status != domain.TaskStatusBlocked {
		t.Fatalf("blocked task must not be assigned, got %s", got.Status)
	}
	holder := mustGet(t, f.svc, first.ID).AssignedTo
	if _, err := f.svc.ReportStarted(ctx, first.ID, holder); err != nil {
		t.Fatalf("report started: %v", err)
	}
	if _, err := f.svc.ReportCompleted(ctx, first.ID, holder, nil); err != nil {
		t.Fatalf("report completed: %v", err)
	}
	if got := mustGet(t, f.svc, second.ID); got.Status != domain.TaskStatusQueued {
		t.Fatalf("expected dependent queued, got %s", got.Status)
	}
}

func TestAddDependencyCycleLeavesTasksUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, writerAndReviewer(1)...)

	first := mustCreate(t, f.svc, CreateTaskInput{Title: "first"})
	second := mustCreate(t, f.svc, CreateTaskInput{Title: "second", Dependencies: []string{first.ID}})

	_, err := f.svc.AddDependency(ctx, first.ID, second.ID, "api")
	if !domain.IsCycle(err) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if deps := mustGet(t, f.svc, first.ID).Dependencies; len(deps) != 0 {
		t.Fatalf("first task dependencies changed: %v", deps)
	}
	if deps := mustGet(t, f.svc, second.ID).Dependencies; !slices.Equal(deps, []string{first.ID}) {
		t.Fatalf("second task dependencies changed: %v", deps)
	}
}

func TestFullAgentSkippedForNextBest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, writerAndReviewer(1)...)

	first := mustCreate(t, f.svc, CreateTaskInput{Title: "first draft", Tags: []string{"write"}})
	mustPass(t, f.svc)
	if got := mustGet(t, f.svc, first.ID).AssignedTo; got != "writer" {
		t.Fatalf("expected writer, got %q", got)
	}

	second := mustCreate(t, f.svc, CreateTaskInput{Title: "second draft", Tags: []string{"write"}})
	mustPass(t, f.svc)
	if got := mustGet(t, f.svc, second.ID).AssignedTo; got != "reviewer" {
		t.Fatalf("expected fallback to reviewer, got %q", got)
	}

	third := mustCreate(t, f.svc, CreateTaskInput{Title: "third draft", Tags: []string{"write"}})
	res, err := f.svc.RunPass(ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if !slices.Contains(res.Unassignable, third.ID) {
		t.Fatalf("expected third task unassignable, got %+v", res)
	}
	if got := mustGet(t, f.svc, third.ID).Status; got != domain.TaskStatusQueued {
		t.Fatalf("expected third task to stay queued, got %s", got)
	}
	if f.svc.SystemMetrics().UnassignablePasses == 0 {
		t.Fatalf("expected unassignable observations in metrics")
	}
}

func TestFailuresExhaustRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, writerAndReviewer(1)...)

	task := mustCreate(t, f.svc, CreateTaskInput{Title: "flaky job", MaxRetries: 2})
	for attempt := 1; attempt <= 2; attempt++ {
		mustPass(t, f.svc)
		holder := mustGet(t, f.svc, task.ID).AssignedTo
		if holder == "" {
			t.Fatalf("attempt %d: task not assigned", attempt)
		}
		if _, err := f.svc.ReportStarted(ctx, task.ID, holder); err != nil {
			t.Fatalf("attempt %d: report started: %v", attempt, err)
		}
		if _, err := f.svc.ReportFailed(ctx, task.ID, holder, "upstream timeout"); err != nil {
			t.Fatalf("attempt %d: report failed: %v", attempt, err)
		}
	}

	got := mustGet(t, f.svc, task.ID)
	if got.Status != domain.TaskStatusFailed || got.RetryCount != 2 || got.ErrorMessage != "upstream timeout" {
		t.Fatalf("unexpected exhausted task %+v", got)
	}
	mustPass(t, f.svc)
	if again := mustGet(t, f.svc, task.ID); again.Status != domain.TaskStatusFailed {
		t.Fatalf("failed task re-entered scheduling: %s", again.Status)
	}
	actions := eventActions(t, f.svc, task.ID)
	if !slices.Contains(actions, "retried") || actions[len(actions)-1] != "failed" {
		t.Fatalf("unexpected audit trail %v", actions)
	}
	if m := f.svc.SystemMetrics(); m.ByStatus[domain.TaskStatusFailed] != 1 || m.Retries != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestRejectRequeuesWithDelegatedFrom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, writerAndReviewer(1)...)

	task := mustCreate(t, f.svc, CreateTaskInput{Title: "translate", Tags: []string{"write"}})
	mustPass(t, f.svc)
	got, err := f.svc.ReportRejected(ctx, task.ID, "writer", "no french support")
	if err != nil {
		t.Fatalf("report rejected: %v", err)
	}
	if got.Status != domain.TaskStatusQueued || got.DelegatedFrom != "writer" || got.RetryCount != 1 {
		t.Fatalf("unexpected rejected task %+v", got)
	}
	if _, err := f.svc.ReportStarted(ctx, task.ID, "writer"); err == nil {
		t.Fatalf("expected start report on a queued task to fail")
	}
}

func TestReportFromWrongAgentRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, writerAndReviewer(1)...)

	task := mustCreate(t, f.svc, CreateTaskInput{Title: "draft", Tags: []string{"write"}})
	mustPass(t, f.svc)
	if _, err := f.svc.ReportStarted(ctx, task.ID, "reviewer"); err == nil {
		t.Fatalf("expected report from non-holder to fail")
	}
	if got := mustGet(t, f.svc, task.ID); got.Status != domain.TaskStatusAssigned {
		t.Fatalf("task changed after bad report: %s", got.Status)
	}
	err := f.svc.Report(ctx, domain.ExecutionReport{Kind: "paused", TaskID: task.ID, AgentID: "writer"})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error for unknown report kind, got %v", err)
	}
}

func TestCancelNotifiesHolderAndFreesCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, writerAndReviewer(1)...)

	parent := mustCreate(t, f.svc, CreateTaskInput{Title: "report", Tags: []string{"write"}})
	child := mustCreate(t, f.svc, CreateTaskInput{Title: "appendix", ParentTaskID: parent.ID, Tags: []string{"review"}})
	mustPass(t, f.svc)
	if _, err := f.svc.ReportStarted(ctx, parent.ID, "writer"); err != nil {
		t.Fatalf("report started: %v", err)
	}

	cancelled, err := f.svc.CancelTask(ctx, parent.ID, "lead", "")
	if err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if len(cancelled) != 2 || cancelled[0].ID != parent.ID || cancelled[1].ID != child.ID {
		t.Fatalf("unexpected cancel set %+v", cancelled)
	}
	cancels := f.exec.cancels()
	if !slices.Contains(cancels, "writer/"+parent.ID) || !slices.Contains(cancels, "reviewer/"+child.ID) {
		t.Fatalf("expected cancel notices for both holders, got %v", cancels)
	}
	for _, id := range []string{"writer", "reviewer"} {
		load, err := f.svc.AgentWorkload(id)
		if err != nil {
			t.Fatalf("workload %s: %v", id, err)
		}
		if load.Active+load.Pending != 0 {
			t.Fatalf("expected %s freed, got %+v", id, load)
		}
	}
	if err := f.svc.DeleteTask(ctx, child.ID, "lead"); err != nil {
		t.Fatalf("delete cancelled task: %v", err)
	}
	if _, err := f.svc.GetTask(ctx, child.ID); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected deleted task gone, got %v", err)
	}
}

func TestWatchdogTimesOutOverdueAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, writerAndReviewer(1)...)

	task := mustCreate(t, f.svc, CreateTaskInput{Title: "render", Tags: []string{"write"}, EstimatedDuration: time.Minute})
	untimed := mustCreate(t, f.svc, CreateTaskInput{Title: "open ended", Tags: []string{"review"}})
	mustPass(t, f.svc)
	if _, err := f.svc.ReportStarted(ctx, task.ID, "writer"); err != nil {
		t.Fatalf("report started: %v", err)
	}
	if _, err := f.svc.ReportStarted(ctx, untimed.ID, "reviewer"); err != nil {
		t.Fatalf("report started: %v", err)
	}

	f.clock.Advance(30 * time.Second)
	if n := f.svc.watchdogOnce(ctx); n != 0 {
		t.Fatalf("expected no timeouts yet, got %d", n)
	}
	f.clock.Advance(2 * time.Minute)
	if n := f.svc.watchdogOnce(ctx); n != 1 {
		t.Fatalf("expected one timeout, got %d", n)
	}

	got := mustGet(t, f.svc, task.ID)
	if got.Status != domain.TaskStatusQueued || got.RetryCount != 1 || got.ErrorMessage == "" {
		t.Fatalf("unexpected timed out task %+v", got)
	}
	if got.StartedAt == nil || got.AttemptStartedAt != nil {
		t.Fatalf("expected first start kept and attempt start cleared, got %+v", got)
	}
	if !slices.Contains(f.exec.cancels(), "writer/"+task.ID) {
		t.Fatalf("expected cancel notice to writer, got %v", f.exec.cancels())
	}
	if still := mustGet(t, f.svc, untimed.ID); still.Status != domain.TaskStatusInProgress {
		t.Fatalf("task without estimate must not time out, got %s", still.Status)
	}
}

func TestSnapshotRestoreRebuildsQueues(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	agents := []domain.Agent{{ID: "writer", Capabilities: []string{"*"}, MaxConcurrent: 2, Active: true}}
	f := newFixture(t, store, agents...)

	running := mustCreate(t, f.svc, CreateTaskInput{Title: "running", Priority: domain.PriorityCritical})
	mustPass(t, f.svc)
	if _, err := f.svc.ReportStarted(ctx, running.ID, "writer"); err != nil {
		t.Fatalf("report started: %v", err)
	}
	delivered := mustCreate(t, f.svc, CreateTaskInput{Title: "delivered"})
	mustPass(t, f.svc)
	waiting := mustCreate(t, f.svc, CreateTaskInput{Title: "waiting"})
	mustPass(t, f.svc)
	if err := f.svc.Snapshot(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	g := newFixture(t, store, agents...)
	n, err := g.svc.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 restored tasks, got %d", n)
	}
	if got := mustGet(t, g.svc, running.ID); got.Status != domain.TaskStatusInProgress || got.AssignedTo != "writer" {
		t.Fatalf("unexpected running task %+v", got)
	}
	if got := mustGet(t, g.svc, waiting.ID); got.Status != domain.TaskStatusQueued {
		t.Fatalf("unexpected waiting task %+v", got)
	}
	load, err := g.svc.AgentWorkload("writer")
	if err != nil {
		t.Fatalf("workload: %v", err)
	}
	if load.Active != 1 || load.Pending != 1 {
		t.Fatalf("expected one active and one pending entry, got %+v", load)
	}

	res, err := g.svc.RunPass(ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if got := g.exec.deliveredTo("writer"); !slices.Equal(got, []string{delivered.ID}) {
		t.Fatalf("expected redelivery of %s, got %v", delivered.ID, got)
	}
	if !slices.Contains(res.Unassignable, waiting.ID) {
		t.Fatalf("writer is full, waiting task should be unassignable: %+v", res)
	}
	if _, err := g.svc.ReportCompleted(ctx, running.ID, "writer", nil); err != nil {
		t.Fatalf("complete restored task: %v", err)
	}
	if actions := eventActions(t, g.svc, running.ID); !slices.Contains(actions, "restored") {
		t.Fatalf("expected restored event, got %v", actions)
	}
}

func TestRestoreRequeuesOrphanedAssignment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orphan := domain.Task{
		ID:         "orphan",
		Title:      "lost entry",
		Status:     domain.TaskStatusAssigned,
		Priority:   domain.PriorityMedium,
		CreatedBy:  "api",
		AssignedTo: "writer",
		AssignedAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: 3,
	}
	if err := store.SaveSnapshot(ctx, domain.Snapshot{Tasks: []domain.Task{orphan}, TakenAt: now}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	f := newFixture(t, store, writerAndReviewer(1)...)
	if _, err := f.svc.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := mustGet(t, f.svc, "orphan")
	if got.Status != domain.TaskStatusQueued || got.AssignedTo != "" || got.RetryCount != 0 {
		t.Fatalf("expected orphan back in queue without a retry, got %+v", got)
	}
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	f := newFixture(t, nil, writerAndReviewer(1)...)
	n, err := f.svc.Restore(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected empty restore, got n=%d err=%v", n, err)
	}
}

func TestSpawnChildTaskDelegatesToChild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, domain.Agent{ID: "lead", Active: true})
	if _, err := f.agents.SpawnChild("lead", domain.Agent{ID: "kid", MaxConcurrent: 1}); err != nil {
		t.Fatalf("spawn child agent: %v", err)
	}

	task, err := f.svc.SpawnChildTask(ctx, "lead", "kid", CreateTaskInput{Title: "summarize"})
	if err != nil {
		t.Fatalf("spawn child task: %v", err)
	}
	if task.Status != domain.TaskStatusAssigned || task.AssignedTo != "kid" || task.CreatedBy != "lead" {
		t.Fatalf("unexpected child task %+v", task)
	}
	if got := f.exec.deliveredTo("kid"); !slices.Equal(got, []string{task.ID}) {
		t.Fatalf("expected delivery to kid, got %v", got)
	}

	second, err := f.svc.SpawnChildTask(ctx, "lead", "kid", CreateTaskInput{Title: "summarize again"})
	if err != nil {
		t.Fatalf("spawn second child task: %v", err)
	}
	if second.Status != domain.TaskStatusQueued {
		t.Fatalf("child at capacity should leave task queued, got %s", second.Status)
	}

	if _, err := f.svc.SpawnChildTask(ctx, "kid", "lead", CreateTaskInput{Title: "upward"}); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
}

func TestDelegateRequiresConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, writerAndReviewer(1)...)
	task := mustCreate(t, f.svc, CreateTaskInput{Title: "review copy", CreatedBy: "writer"})

	if _, err := f.svc.DelegateTask(ctx, task.ID, "writer", "reviewer"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err := f.agents.Connect("writer", "reviewer"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	got, err := f.svc.DelegateTask(ctx, task.ID, "writer", "reviewer")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if got.AssignedTo != "reviewer" {
		t.Fatalf("expected reviewer, got %+v", got)
	}
	if actions := eventActions(t, f.svc, task.ID); !slices.Contains(actions, "delegated") {
		t.Fatalf("expected delegated event, got %v", actions)
	}
}

func TestServiceRunsTasksThroughWorkers(t *testing.T) {
	store := newTestStore(t)
	dir, err := agentgraph.New(agentgraph.Options{})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	t.Cleanup(dir.Close)
	if _, err := dir.Register(domain.Agent{ID: "writer", Capabilities: []string{"write"}, MaxConcurrent: 2, Active: true}); err != nil {
		t.Fatalf("register writer: %v", err)
	}

	bus := inproc.New(16)
	svc, err := New(store, dir, bus, nil, Config{DispatchInterval: 20 * time.Millisecond, WatchdogInterval: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	worker := agent.NewWorker("writer", bus, svc, agent.HandlerFunc(func(_ context.Context, a domain.Assignment) (json.RawMessage, error) {
		return json.RawMessage(`{"title":"` + a.Title + `"}`), nil
	}), agent.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	svc.Start(ctx)

	ids := make([]string, 0, 3)
	for _, title := range []string{"one", "two", "three"} {
		ids = append(ids, mustCreate(t, svc, CreateTaskInput{Title: title, Tags: []string{"write"}}).ID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, id := range ids {
		for {
			if mustGet(t, svc, id).Status == domain.TaskStatusCompleted {
				break
			}
			if time.Now().After(deadline) {
				cancel()
				t.Fatalf("task %s not completed in time: %+v", id, mustGet(t, svc, id))
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	if err := svc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	worker.Wait()

	snap, ok, err := store.LoadSnapshot(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected shutdown snapshot, ok=%v err=%v", ok, err)
	}
	if len(snap.Tasks) != 3 {
		t.Fatalf("expected 3 tasks in snapshot, got %d", len(snap.Tasks))
	}
}

func TestSnapshotToleratesTaskAssignedBetweenReads(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	agents := writerAndReviewer(2)
	f := newFixture(t, store, agents...)

	early := mustCreate(t, f.svc, CreateTaskInput{Title: "early", Tags: []string{"write"}})
	tasks := f.svc.registry.All()
	late := mustCreate(t, f.svc, CreateTaskInput{Title: "late", Tags: []string{"write"}})
	mustPass(t, f.svc)
	members := f.svc.queues.Snapshot()
	if len(members) != 2 {
		t.Fatalf("expected both tasks in the writer queue, got %+v", members)
	}

	snap := domain.Snapshot{Tasks: tasks, Queues: heldMemberships(tasks, members), TakenAt: f.clock.Now()}
	if len(snap.Queues) != 0 {
		t.Fatalf("entries for tasks read before assignment should be dropped, got %+v", snap.Queues)
	}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	g := newFixture(t, store, agents...)
	if n, err := g.svc.Restore(ctx); err != nil || n != 1 {
		t.Fatalf("restore: n=%d err=%v", n, err)
	}
	if got := mustGet(t, g.svc, early.ID); got.Status != domain.TaskStatusQueued {
		t.Fatalf("expected early task queued after restore, got %s", got.Status)
	}
	if _, err := g.svc.GetTask(ctx, late.ID); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("late task was not in the snapshot, got %v", err)
	}

	if err := f.svc.Snapshot(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
}

func TestRestoreWithSmallerCapKeepsRunningTasksHeld(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	f := newFixture(t, store, domain.Agent{ID: "writer", Capabilities: []string{"write"}, MaxConcurrent: 2, Active: true})

	first := mustCreate(t, f.svc, CreateTaskInput{Title: "first", Tags: []string{"write"}, Priority: domain.PriorityHigh})
	second := mustCreate(t, f.svc, CreateTaskInput{Title: "second", Tags: []string{"write"}})
	mustPass(t, f.svc)
	for _, id := range []string{first.ID, second.ID} {
		if _, err := f.svc.ReportStarted(ctx, id, "writer"); err != nil {
			t.Fatalf("report started %s: %v", id, err)
		}
	}
	if err := f.svc.Snapshot(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	g := newFixture(t, store, domain.Agent{ID: "writer", Capabilities: []string{"write"}, MaxConcurrent: 1, Active: true})
	if _, err := g.svc.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	load, err := g.svc.AgentWorkload("writer")
	if err != nil {
		t.Fatalf("workload: %v", err)
	}
	if load.Active != 2 || load.Pending != 0 {
		t.Fatalf("expected both running tasks active, got %+v", load)
	}

	if _, err := g.svc.ReportCompleted(ctx, first.ID, "writer", nil); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	waiting := mustCreate(t, g.svc, CreateTaskInput{Title: "waiting", Tags: []string{"write"}})
	mustPass(t, g.svc)

	if got := mustGet(t, g.svc, second.ID); got.Status != domain.TaskStatusInProgress || got.AssignedTo != "writer" {
		t.Fatalf("unexpected second task %+v", got)
	}
	if owner, ok := g.svc.queues.Owner(second.ID); !ok || owner != "writer" {
		t.Fatalf("second task lost its queue entry: owner=%q ok=%t", owner, ok)
	}
	if got := mustGet(t, g.svc, waiting.ID); got.Status != domain.TaskStatusQueued {
		t.Fatalf("writer is at its cap, waiting task should stay queued, got %s", got.Status)
	}
	if _, err := g.svc.ReportCompleted(ctx, second.ID, "writer", nil); err != nil {
		t.Fatalf("complete second: %v", err)
	}
}
