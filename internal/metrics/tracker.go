// Package metrics aggregates per-agent utilization and per-task timing, and
// mirrors them into OpenTelemetry instruments.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"taskmesh/internal/domain"
	"taskmesh/internal/queue"
	"taskmesh/internal/registry"
)

const meterName = "taskmesh"

type agentCounts struct {
	completed int64
	failed    int64
}

// Tracker is fed by registry change notifications and scheduler passes.
type Tracker struct {
	mu     sync.Mutex
	agents map[string]*agentCounts

	unassignable atomic.Int64
	retries      atomic.Int64

	assigned     metric.Int64Counter
	completed    metric.Int64Counter
	failed       metric.Int64Counter
	retried      metric.Int64Counter
	cancelled    metric.Int64Counter
	noEligible   metric.Int64Counter
	taskDuration metric.Float64Histogram
}

// NewTracker registers instruments on meter, or on the global provider when
// meter is nil.
func NewTracker(meter metric.Meter) (*Tracker, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	t := &Tracker{agents: make(map[string]*agentCounts)}
	var err error

	t.assigned, err = meter.Int64Counter("taskmesh.tasks.assigned",
		metric.WithDescription("Tasks committed to an agent queue"))
	if err != nil {
		return nil, err
	}
	t.completed, err = meter.Int64Counter("taskmesh.tasks.completed",
		metric.WithDescription("Tasks reported completed"))
	if err != nil {
		return nil, err
	}
	t.failed, err = meter.Int64Counter("taskmesh.tasks.failed",
		metric.WithDescription("Tasks that exhausted their retries"))
	if err != nil {
		return nil, err
	}
	t.retried, err = meter.Int64Counter("taskmesh.tasks.retried",
		metric.WithDescription("Failed attempts returned to the queue"))
	if err != nil {
		return nil, err
	}
	t.cancelled, err = meter.Int64Counter("taskmesh.tasks.cancelled",
		metric.WithDescription("Tasks cancelled directly or by cascade"))
	if err != nil {
		return nil, err
	}
	t.noEligible, err = meter.Int64Counter("taskmesh.scheduler.unassignable",
		metric.WithDescription("Queued tasks left without an eligible agent after a pass"))
	if err != nil {
		return nil, err
	}
	t.taskDuration, err = meter.Float64Histogram("taskmesh.task.duration_seconds",
		metric.WithDescription("Time from first start to completion"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) counts(agentID string) *agentCounts {
	c, ok := t.agents[agentID]
	if !ok {
		c = &agentCounts{}
		t.agents[agentID] = c
	}
	return c
}

// Observe is a registry.Listener.
func (t *Tracker) Observe(ctx context.Context, c registry.Change) {
	switch c.Event {
	case domain.EventAssign:
		t.assigned.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", c.Task.AssignedTo)))
	case domain.EventComplete:
		attrs := metric.WithAttributes(attribute.String("agent_id", c.PrevAgent))
		t.completed.Add(ctx, 1, attrs)
		if d, ok := c.Task.ActualDuration(); ok {
			t.taskDuration.Record(ctx, d.Seconds(), attrs)
		}
		t.mu.Lock()
		t.counts(c.PrevAgent).completed++
		t.mu.Unlock()
	case domain.EventFail, domain.EventTimeout, domain.EventReject:
		attrs := metric.WithAttributes(
			attribute.String("agent_id", c.PrevAgent),
			attribute.String("event", string(c.Event)),
		)
		t.mu.Lock()
		t.counts(c.PrevAgent).failed++
		t.mu.Unlock()
		if c.Task.Status == domain.TaskStatusFailed {
			t.failed.Add(ctx, 1, attrs)
			return
		}
		t.retries.Add(1)
		t.retried.Add(ctx, 1, attrs)
	case domain.EventCancel:
		t.cancelled.Add(ctx, 1)
	}
}

// RecordUnassignable counts queued tasks a pass could not place.
func (t *Tracker) RecordUnassignable(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	t.unassignable.Add(int64(n))
	t.noEligible.Add(ctx, int64(n))
}

func (t *Tracker) AgentWorkload(stats queue.Stats) domain.AgentWorkload {
	w := domain.AgentWorkload{
		AgentID:  stats.AgentID,
		Pending:  stats.Pending,
		Active:   stats.Active,
		Capacity: stats.MaxConcurrent,
	}
	if stats.MaxConcurrent > 0 {
		w.CapacityUtilization = float64(stats.Active) / float64(stats.MaxConcurrent)
	}
	t.mu.Lock()
	if c, ok := t.agents[stats.AgentID]; ok {
		w.Completed = c.completed
		w.Failed = c.failed
	}
	t.mu.Unlock()
	return w
}

// SystemMetrics summarizes tasks. Average completion time covers COMPLETED
// tasks with both start and completion timestamps.
func (t *Tracker) SystemMetrics(tasks []domain.Task) domain.SystemMetrics {
	m := domain.SystemMetrics{
		TotalTasks:         len(tasks),
		ByStatus:           make(map[domain.TaskStatus]int, len(domain.AllStatuses)),
		UnassignablePasses: t.unassignable.Load(),
		Retries:            t.retries.Load(),
	}
	for _, s := range domain.AllStatuses {
		m.ByStatus[s] = 0
	}
	var total time.Duration
	var n int
	for _, task := range tasks {
		m.ByStatus[task.Status]++
		if task.Status != domain.TaskStatusCompleted {
			continue
		}
		if d, ok := task.ActualDuration(); ok {
			total += d
			n++
		}
	}
	if n > 0 {
		m.AverageCompletionTime = total / time.Duration(n)
	}
	m.Running = m.ByStatus[domain.TaskStatusInProgress]
	m.QueuedDepth = m.ByStatus[domain.TaskStatusQueued]
	return m
}
