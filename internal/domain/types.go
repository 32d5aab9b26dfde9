package domain

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "created"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// AllStatuses lists every lifecycle state in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskStatusCreated,
	TaskStatusQueued,
	TaskStatusBlocked,
	TaskStatusAssigned,
	TaskStatusInProgress,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// HoldsAgent reports whether a task in this state must carry an assignee.
func (s TaskStatus) HoldsAgent() bool {
	return s == TaskStatusAssigned || s == TaskStatusInProgress
}

// Priority is an urgency ordinal; lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
	PriorityBacklog  Priority = 5
)

func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBacklog
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBacklog:
		return "backlog"
	default:
		return "invalid"
	}
}

func ParsePriority(raw string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "1":
		return PriorityCritical, true
	case "high", "2":
		return PriorityHigh, true
	case "medium", "3", "":
		return PriorityMedium, true
	case "low", "4":
		return PriorityLow, true
	case "backlog", "5":
		return PriorityBacklog, true
	default:
		return 0, false
	}
}

// Event drives a lifecycle transition in the task registry.
type Event string

const (
	EventEnqueue  Event = "enqueue"
	EventBlock    Event = "block"
	EventUnblock  Event = "unblock"
	EventAssign   Event = "assign"
	EventUnassign Event = "unassign"
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventReject   Event = "reject"
	EventTimeout  Event = "timeout"
	EventCancel   Event = "cancel"
)

type Task struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        TaskStatus        `json:"status"`
	Priority      Priority          `json:"priority"`
	CreatedBy     string            `json:"created_by"`
	AssignedTo    string            `json:"assigned_to,omitempty"`
	DelegatedFrom string            `json:"delegated_from,omitempty"`
	ParentTaskID  string            `json:"parent_task_id,omitempty"`
	Subtasks      []string          `json:"subtasks,omitempty"`
	Dependencies  []string          `json:"dependencies,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	AttemptStartedAt *time.Time `json:"attempt_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	EstimatedDuration time.Duration   `json:"estimated_duration,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	Result            json.RawMessage `json:"result,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}

// Clone returns a deep copy so callers never share slices or maps with the registry.
func (t Task) Clone() Task {
	c := t
	c.Tags = slices.Clone(t.Tags)
	c.Subtasks = slices.Clone(t.Subtasks)
	c.Dependencies = slices.Clone(t.Dependencies)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Result != nil {
		c.Result = slices.Clone(t.Result)
	}
	c.AssignedAt = cloneTime(t.AssignedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.AttemptStartedAt = cloneTime(t.AttemptStartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return c
}

// ActualDuration is completed_at minus started_at, available once both are set.
func (t Task) ActualDuration() (time.Duration, bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt), true
}

func (t Task) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// TaskFilter narrows ListTasks results; zero-value fields match everything.
type TaskFilter struct {
	Statuses     []TaskStatus
	AssignedTo   string
	CreatedBy    string
	ParentTaskID string
	Tag          string
	Limit        int
}

func (f TaskFilter) Matches(t Task) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	if f.CreatedBy != "" && t.CreatedBy != f.CreatedBy {
		return false
	}
	if f.ParentTaskID != "" && t.ParentTaskID != f.ParentTaskID {
		return false
	}
	if f.Tag != "" && !t.HasTag(f.Tag) {
		return false
	}
	return true
}

type Agent struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	ParentID       string   `json:"parent_id,omitempty"`
	Children       []string `json:"children,omitempty"`
	Connections    []string `json:"connections,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	MaxConcurrent  int      `json:"max_concurrent"`
	MaxChildAgents int      `json:"max_child_agents"`
	Active         bool     `json:"active"`
}

// Capability is the descriptor an agent graph hands to the capability matcher.
type Capability struct {
	AgentID       string   `json:"agent_id"`
	Skills        []string `json:"skills"`
	MaxConcurrent int      `json:"max_concurrent"`
}

type EnvelopeKind string

const (
	EnvelopeAssign EnvelopeKind = "assign"
	EnvelopeCancel EnvelopeKind = "cancel"
)

// Assignment is the payload handed to the execution layer once a task leaves
// an agent's pending queue.
type Assignment struct {
	TaskID            string            `json:"task_id"`
	AgentID           string            `json:"agent_id"`
	Title             string            `json:"title"`
	Description       string            `json:"description,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Priority          Priority          `json:"priority"`
	Attempt           int               `json:"attempt"`
	EstimatedDuration time.Duration     `json:"estimated_duration,omitempty"`
	AssignedAt        time.Time         `json:"assigned_at"`
}

type Envelope struct {
	Kind       EnvelopeKind `json:"kind"`
	AgentID    string       `json:"agent_id"`
	TaskID     string       `json:"task_id"`
	Assignment *Assignment  `json:"assignment,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

type ReportKind string

const (
	ReportStarted   ReportKind = "started"
	ReportCompleted ReportKind = "completed"
	ReportFailed    ReportKind = "failed"
	ReportRejected  ReportKind = "rejected"
)

// ExecutionReport is what an agent sends back about an assignment.
type ExecutionReport struct {
	Kind    ReportKind      `json:"kind"`
	TaskID  string          `json:"task_id"`
	AgentID string          `json:"agent_id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type AuditEntry struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type QueueSlot string

const (
	QueueSlotPending QueueSlot = "pending"
	QueueSlotActive  QueueSlot = "active"
)

type QueueMembership struct {
	AgentID  string    `json:"agent_id"`
	TaskID   string    `json:"task_id"`
	Slot     QueueSlot `json:"slot"`
	Position int       `json:"position"`
}

// Snapshot is the durable state needed to resume scheduling after a restart.
type Snapshot struct {
	Tasks   []Task            `json:"tasks"`
	Queues  []QueueMembership `json:"queues"`
	TakenAt time.Time         `json:"taken_at"`
}

type AgentWorkload struct {
	AgentID             string  `json:"agent_id"`
	Pending             int     `json:"pending"`
	Active              int     `json:"active"`
	Capacity            int     `json:"capacity"`
	CapacityUtilization float64 `json:"capacity_utilization"`
	Completed           int64   `json:"completed"`
	Failed              int64   `json:"failed"`
}

type SystemMetrics struct {
	TotalTasks            int                `json:"total_tasks"`
	ByStatus              map[TaskStatus]int `json:"by_status_counts"`
	AverageCompletionTime time.Duration      `json:"average_completion_time"`
	Running               int                `json:"running"`
	QueuedDepth           int                `json:"queued_depth"`
	UnassignablePasses    int64              `json:"unassignable_passes"`
	Retries               int64              `json:"retries"`
}
