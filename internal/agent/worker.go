package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"taskmesh/internal/domain"
)

// ErrRejected is returned by an Acceptor or Handler that declines an
// assignment. The task goes back to the engine for another agent.
var ErrRejected = errors.New("assignment rejected")

type Inbox interface {
	Register(agentID string) <-chan domain.Envelope
	Unregister(agentID string)
}

type Reporter interface {
	Report(ctx context.Context, r domain.ExecutionReport) error
}

type Handler interface {
	Handle(ctx context.Context, a domain.Assignment) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, a domain.Assignment) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, a domain.Assignment) (json.RawMessage, error) {
	return f(ctx, a)
}

type Options struct {
	// Accept runs before the started report. A non-nil error rejects.
	Accept func(domain.Assignment) error
	// Heartbeat logs progress of long running tasks. Zero disables it.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Worker runs assignments for one agent. Each assignment gets its own
// goroutine; the engine already caps how many are active at once.
type Worker struct {
	id       string
	inbox    Inbox
	reporter Reporter
	handler  Handler
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewWorker(agentID string, inbox Inbox, reporter Reporter, handler Handler, opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:       agentID,
		inbox:    inbox,
		reporter: reporter,
		handler:  handler,
		opts:     opts,
		logger:   logger.With("agent_id", agentID),
		running:  make(map[string]context.CancelFunc),
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Start(ctx context.Context) {
	ch := w.inbox.Register(w.id)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.inbox.Unregister(w.id)
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-ch:
				if !ok {
					return
				}
				w.handleEnvelope(ctx, env)
			}
		}
	}()
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) Running() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.running))
	for id := range w.running {
		out = append(out, id)
	}
	return out
}

func (w *Worker) handleEnvelope(ctx context.Context, env domain.Envelope) {
	switch env.Kind {
	case domain.EnvelopeAssign:
		if env.Assignment == nil {
			w.logger.Warn("assign envelope without assignment", "task_id", env.TaskID)
			return
		}
		w.launch(ctx, *env.Assignment)
	case domain.EnvelopeCancel:
		w.mu.Lock()
		cancel, ok := w.running[env.TaskID]
		w.mu.Unlock()
		if ok {
			w.logger.Info("stopping task", "task_id", env.TaskID, "reason", env.Reason)
			cancel()
		}
	default:
		w.logger.Warn("ignored envelope", "kind", env.Kind, "task_id", env.TaskID)
	}
}

func (w *Worker) launch(ctx context.Context, a domain.Assignment) {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if _, dup := w.running[a.TaskID]; dup {
		w.mu.Unlock()
		cancel()
		w.logger.Warn("duplicate assignment ignored", "task_id", a.TaskID)
		return
	}
	w.running[a.TaskID] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.running, a.TaskID)
			w.mu.Unlock()
			cancel()
		}()
		w.run(runCtx, ctx, a)
	}()
}

// run executes one assignment. Reports use the worker context so a stopped
// task never reports after its own cancellation.
func (w *Worker) run(runCtx, ctx context.Context, a domain.Assignment) {
	if w.opts.Accept != nil {
		if err := w.opts.Accept(a); err != nil {
			w.report(ctx, domain.ExecutionReport{Kind: domain.ReportRejected, TaskID: a.TaskID, Error: err.Error()})
			return
		}
	}
	if !w.report(ctx, domain.ExecutionReport{Kind: domain.ReportStarted, TaskID: a.TaskID}) {
		return
	}

	stop := startProgressHeartbeat(runCtx, w.opts.Heartbeat, func(elapsed time.Duration) {
		w.logger.Debug("task still running", "task_id", a.TaskID, "attempt", a.Attempt, "elapsed", elapsed.Round(time.Second))
	})
	result, err := w.handler.Handle(runCtx, a)
	stop()

	if runCtx.Err() != nil && ctx.Err() == nil {
		// Cancelled by the engine; it already moved the task on.
		w.logger.Info("task stopped", "task_id", a.TaskID)
		return
	}
	switch {
	case err == nil:
		w.report(ctx, domain.ExecutionReport{Kind: domain.ReportCompleted, TaskID: a.TaskID, Result: result})
	case errors.Is(err, ErrRejected):
		w.report(ctx, domain.ExecutionReport{Kind: domain.ReportRejected, TaskID: a.TaskID, Error: trim(err.Error(), 500)})
	default:
		w.report(ctx, domain.ExecutionReport{Kind: domain.ReportFailed, TaskID: a.TaskID, Error: trim(err.Error(), 500)})
	}
}

func (w *Worker) report(ctx context.Context, r domain.ExecutionReport) bool {
	r.AgentID = w.id
	if err := w.reporter.Report(ctx, r); err != nil {
		w.logger.Warn("report failed", "task_id", r.TaskID, "kind", r.Kind, "error", err)
		return false
	}
	return true
}

// ExecHandler runs an external command per assignment. The assignment is
// written to stdin as JSON; stdout becomes the result.
type ExecHandler struct {
	Binary  string
	Args    []string
	Workdir string
	Timeout time.Duration
}

func (h ExecHandler) Handle(ctx context.Context, a domain.Assignment) (json.RawMessage, error) {
	if strings.TrimSpace(h.Binary) == "" {
		return nil, fmt.Errorf("exec handler: no binary configured")
	}
	timeout := h.Timeout
	if timeout <= 0 && a.EstimatedDuration > 0 {
		timeout = 2 * a.EstimatedDuration
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	input, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode assignment: %w", err)
	}
	cmd := exec.CommandContext(ctx, h.Binary, h.Args...)
	if h.Workdir != "" {
		cmd.Dir = h.Workdir
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w; stderr: %s", h.Binary, err, trim(strings.TrimSpace(stderr.String()), 300))
	}
	return parseOutput(stdout.Bytes()), nil
}

// parseOutput keeps JSON output as is and wraps anything else as
// {"output": "..."}.
func parseOutput(raw []byte) json.RawMessage {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	return mustJSON(map[string]string{"output": text})
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return payload
}

func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
	}
}

// trim caps s at n runes, marking the cut with an ellipsis when there is room.
func trim(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
