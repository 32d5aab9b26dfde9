// Package registry owns every task record and is the only code that changes
// a task's status.
//
// Locking: each task has its own mutex. A goroutine holding one task's lock
// may briefly take the lock of one of that task's dependencies to read its
// status, never the lock of a dependent or an unrelated task. The dependency
// graph is acyclic, so this order cannot deadlock. Cross-entity commits take
// the task lock first and the agent queue lock second.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskmesh/internal/depgraph"
	"taskmesh/internal/domain"
)

const actorRegistry = "registry"

type Releaser interface {
	Release(agentID, taskID string, completed bool) bool
}

type AuditSink interface {
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Change describes one applied transition. Listeners run after the task lock
// has been released.
type Change struct {
	Task      domain.Task
	From      domain.TaskStatus
	Event     domain.Event
	PrevAgent string
}

type Listener func(ctx context.Context, c Change)

type Options struct {
	DefaultMaxRetries int
	Now               func() time.Time
	Logger            *slog.Logger
}

type record struct {
	mu   sync.Mutex
	task domain.Task
}

type Registry struct {
	mu      sync.RWMutex
	records map[string]*record

	graph    *depgraph.Graph
	releaser Releaser
	audit    AuditSink
	now      func() time.Time
	logger   *slog.Logger

	defaultMaxRetries int

	listenMu  sync.RWMutex
	listeners []Listener
}

func New(graph *depgraph.Graph, releaser Releaser, audit AuditSink, opts Options) *Registry {
	if graph == nil {
		graph = depgraph.New()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	return &Registry{
		records:           make(map[string]*record),
		graph:             graph,
		releaser:          releaser,
		audit:             audit,
		now:               opts.Now,
		logger:            opts.Logger,
		defaultMaxRetries: opts.DefaultMaxRetries,
	}
}

func (r *Registry) Subscribe(l Listener) {
	r.listenMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenMu.Unlock()
}

func (r *Registry) Graph() *depgraph.Graph { return r.graph }

type CreateInput struct {
	ID                string
	Title             string
	Description       string
	Tags              []string
	Metadata          map[string]string
	Priority          domain.Priority
	CreatedBy         string
	ParentTaskID      string
	Dependencies      []string
	EstimatedDuration time.Duration
	MaxRetries        int
}

// effects collects audit entries and changes produced under a task lock so
// they can be published once the lock is released.
type effects struct {
	audits  []domain.AuditEntry
	changes []Change
}

func (e *effects) record(taskID, actor, action, reason string, payload any) {
	e.audits = append(e.audits, domain.AuditEntry{
		TaskID:  taskID,
		Actor:   actor,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	})
}

func (r *Registry) flush(ctx context.Context, eff *effects) {
	now := r.now()
	for _, entry := range eff.audits {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if r.audit == nil {
			continue
		}
		if err := r.audit.AppendAudit(ctx, entry); err != nil {
			r.logger.Warn("audit append failed", "task_id", entry.TaskID, "action", entry.Action, "error", err)
		}
	}
	if len(eff.changes) == 0 {
		return
	}
	r.listenMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenMu.RUnlock()
	for _, c := range eff.changes {
		for _, l := range listeners {
			l(ctx, c)
		}
	}
}

// Create validates input and stores a new task, leaving it QUEUED when every
// dependency is already COMPLETED and BLOCKED otherwise.
func (r *Registry) Create(ctx context.Context, in CreateInput) (domain.Task, error) {
	task, err := r.buildTask(in)
	if err != nil {
		return domain.Task{}, err
	}
	for _, dep := range task.Dependencies {
		st, ok := r.statusOf(dep)
		if !ok {
			return domain.Task{}, &domain.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("unknown dependency %s", dep)}
		}
		if st == domain.TaskStatusFailed || st == domain.TaskStatusCancelled {
			return domain.Task{}, &domain.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("dependency %s is %s", dep, st)}
		}
	}

	rec := &record{task: task}
	rec.mu.Lock()

	r.mu.Lock()
	if _, exists := r.records[task.ID]; exists {
		r.mu.Unlock()
		rec.mu.Unlock()
		return domain.Task{}, &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("task %s already exists", task.ID)}
	}
	if task.ParentTaskID != "" {
		if _, ok := r.records[task.ParentTaskID]; !ok {
			r.mu.Unlock()
			rec.mu.Unlock()
			return domain.Task{}, &domain.ValidationError{Field: "parent_task_id", Reason: fmt.Sprintf("unknown parent task %s", task.ParentTaskID)}
		}
	}
	if err := r.graph.AddTask(task.ID, task.Dependencies); err != nil {
		r.mu.Unlock()
		rec.mu.Unlock()
		return domain.Task{}, err
	}
	r.records[task.ID] = rec
	r.mu.Unlock()

	eff := &effects{}
	eff.record(task.ID, task.CreatedBy, "created", "task created", rec.task)
	r.settleLocked(rec, domain.EventEnqueue, eff)
	created := rec.task.Clone()
	rec.mu.Unlock()

	if task.ParentTaskID != "" {
		r.attachSubtask(task.ParentTaskID, task.ID)
	}
	r.flush(ctx, eff)
	if created.Status == domain.TaskStatusCancelled {
		r.cascade(ctx, r.cascadeTargets(created), fmt.Sprintf("dependency %s cancelled", created.ID))
	}
	return created, nil
}

func (r *Registry) buildTask(in CreateInput) (domain.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Task{}, &domain.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if in.Priority == 0 {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return domain.Task{}, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("%d is outside 1..5", in.Priority)}
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return domain.Task{}, &domain.ValidationError{Field: "created_by", Reason: "must not be empty"}
	}
	if in.EstimatedDuration < 0 {
		return domain.Task{}, &domain.ValidationError{Field: "estimated_duration", Reason: "must not be negative"}
	}
	if in.MaxRetries < 0 {
		return domain.Task{}, &domain.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	if in.MaxRetries == 0 {
		in.MaxRetries = r.defaultMaxRetries
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	deps := make([]string, 0, len(in.Dependencies))
	for _, dep := range in.Dependencies {
		dep = strings.TrimSpace(dep)
		if dep == "" || slices.Contains(deps, dep) {
			continue
		}
		if dep == in.ID {
			return domain.Task{}, &domain.CycleError{TaskID: in.ID, DependencyID: dep, Path: []string{in.ID, in.ID}}
		}
		deps = append(deps, dep)
	}

	now := r.now()
	task := domain.Task{
		ID:                in.ID,
		Title:             title,
		Description:       in.Description,
		Tags:              slices.Clone(in.Tags),
		Status:            domain.TaskStatusCreated,
		Priority:          in.Priority,
		CreatedBy:         in.CreatedBy,
		ParentTaskID:      in.ParentTaskID,
		Dependencies:      deps,
		CreatedAt:         now,
		UpdatedAt:         now,
		EstimatedDuration: in.EstimatedDuration,
		MaxRetries:        in.MaxRetries,
	}
	if len(in.Metadata) > 0 {
		task.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			task.Metadata[k] = v
		}
	}
	return task, nil
}

func (r *Registry) attachSubtask(parentID, childID string) {
	rec, ok := r.lookup(parentID)
	if !ok {
		return
	}
	rec.mu.Lock()
	if !slices.Contains(rec.task.Subtasks, childID) {
		rec.task.Subtasks = append(rec.task.Subtasks, childID)
		rec.task.UpdatedAt = r.now()
	}
	rec.mu.Unlock()
}

// settleLocked moves a CREATED, QUEUED or BLOCKED task to the state its
// dependencies call for.
func (r *Registry) settleLocked(rec *record, event domain.Event, eff *effects) {
	t := &rec.task
	ready, doomedBy, doomedStatus := r.dependencyState(t.ID)
	from := t.Status
	switch {
	case doomedBy != "":
		reason := fmt.Sprintf("dependency %s %s", doomedBy, doomedStatus)
		r.applyCancelLocked(rec, actorRegistry, reason, eff)
		return
	case ready && from != domain.TaskStatusQueued:
		t.Status = domain.TaskStatusQueued
		t.UpdatedAt = r.now()
		action := "queued"
		if from == domain.TaskStatusBlocked {
			action = "unblocked"
			event = domain.EventUnblock
		}
		eff.record(t.ID, actorRegistry, action, "dependencies satisfied", nil)
		eff.changes = append(eff.changes, Change{Task: t.Clone(), From: from, Event: event})
	case !ready && from != domain.TaskStatusBlocked:
		t.Status = domain.TaskStatusBlocked
		t.UpdatedAt = r.now()
		eff.record(t.ID, actorRegistry, "blocked", "waiting on dependencies", map[string]any{
			"dependencies": t.Dependencies,
		})
		eff.changes = append(eff.changes, Change{Task: t.Clone(), From: from, Event: domain.EventBlock})
	}
}

func (r *Registry) dependencyState(taskID string) (bool, string, domain.TaskStatus) {
	return r.graph.Readiness(taskID, r.statusOf)
}

func (r *Registry) lookup(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *Registry) statusOf(id string) (domain.TaskStatus, bool) {
	rec, ok := r.lookup(id)
	if !ok {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task.Status, true
}

func (r *Registry) Get(id string) (domain.Task, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, domain.ErrTaskNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task.Clone(), nil
}

func (r *Registry) snapshotRecords() []*record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

func (r *Registry) List(filter domain.TaskFilter) []domain.Task {
	var out []domain.Task
	for _, rec := range r.snapshotRecords() {
		rec.mu.Lock()
		if filter.Matches(rec.task) {
			out = append(out, rec.task.Clone())
		}
		rec.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b domain.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Queued returns QUEUED tasks in scheduling order: priority, created_at, id.
func (r *Registry) Queued() []domain.Task {
	out := r.List(domain.TaskFilter{Statuses: []domain.TaskStatus{domain.TaskStatusQueued}})
	slices.SortStableFunc(out, func(a, b domain.Task) int {
		return int(a.Priority) - int(b.Priority)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
