package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"taskmesh/internal/domain"
)

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Prio", "Agent", "Retry", "Updated", "Title"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(t.Priority.String()))
		table.SetCell(row, 3, tview.NewTableCell(t.AssignedTo))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries)))
		table.SetCell(row, 5, tview.NewTableCell(t.UpdatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 6, tview.NewTableCell(trimLine(t.Title, 64)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.TaskStatus) tcell.Color {
	switch s {
	case domain.TaskStatusInProgress, domain.TaskStatusAssigned:
		return tcell.ColorYellow
	case domain.TaskStatusCompleted:
		return tcell.ColorGreen
	case domain.TaskStatusFailed:
		return tcell.ColorRed
	case domain.TaskStatusBlocked, domain.TaskStatusCancelled:
		return tcell.ColorGray
	default:
		return tcell.ColorWhite
	}
}

func renderEvents(taskID string, tasks []domain.Task, events []domain.AuditEntry) string {
	var b strings.Builder
	for _, t := range tasks {
		if t.ID != taskID {
			continue
		}
		fmt.Fprintf(&b, "Task: %s  %s  status=%s  retries=%d/%d\n", shortID(t.ID), trimLine(t.Title, 48), t.Status, t.RetryCount, t.MaxRetries)
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(&b, "  depends on: %s\n", strings.Join(shortIDs(t.Dependencies), ", "))
		}
		if t.ErrorMessage != "" {
			b.WriteString("  error: " + trimLine(t.ErrorMessage, 120) + "\n")
		}
		break
	}
	if len(events) == 0 {
		b.WriteString("No events")
		return b.String()
	}
	for _, e := range events {
		fmt.Fprintf(&b, "[%s] %s %s\n", e.CreatedAt.Local().Format("15:04:05"), e.Actor, e.Action)
		if e.Reason != "" {
			b.WriteString("  reason: " + trimLine(e.Reason, 100) + "\n")
		}
		if detail := payloadSummary(e.Payload); detail != "" && e.Action != "created" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

type agentLine struct {
	Agent   string
	Pending int
	Active  int
	Held    int
}

// agentLines counts queue slots and held tasks per agent. Held counts tasks
// in ASSIGNED or IN_PROGRESS naming the agent, which should match
// pending+active in a consistent snapshot.
func agentLines(snap domain.Snapshot) []agentLine {
	byAgent := map[string]*agentLine{}
	line := func(id string) *agentLine {
		l, ok := byAgent[id]
		if !ok {
			l = &agentLine{Agent: id}
			byAgent[id] = l
		}
		return l
	}
	for _, m := range snap.Queues {
		switch m.Slot {
		case domain.QueueSlotActive:
			line(m.AgentID).Active++
		default:
			line(m.AgentID).Pending++
		}
	}
	for _, t := range snap.Tasks {
		if t.Status.HoldsAgent() && t.AssignedTo != "" {
			line(t.AssignedTo).Held++
		}
	}
	out := make([]agentLine, 0, len(byAgent))
	for _, l := range byAgent {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func renderAgents(snap domain.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Snapshot %s  tasks=%d\n", snap.TakenAt.Local().Format("15:04:05"), len(snap.Tasks))
	lines := agentLines(snap)
	if len(lines) == 0 {
		b.WriteString("No agent holds work")
		return b.String()
	}
	for _, l := range lines {
		fmt.Fprintf(&b, "%-16s active=%d pending=%d held=%d\n", trimLine(l.Agent, 16), l.Active, l.Pending, l.Held)
	}
	return b.String()
}

func renderActivity(items []domain.AuditEntry) string {
	if len(items) == 0 {
		return "No activity"
	}
	var b strings.Builder
	for _, e := range items {
		fmt.Fprintf(&b, "[%s] %s %s %s\n", e.CreatedAt.Local().Format("15:04:05"), shortID(e.TaskID), e.Action, e.Actor)
	}
	return b.String()
}

// parseFilter reads space separated key:value terms. Repeated status terms
// are OR-ed together.
func parseFilter(raw string) (domain.TaskFilter, error) {
	var f domain.TaskFilter
	for _, term := range strings.Fields(raw) {
		key, value, ok := strings.Cut(term, ":")
		if !ok || value == "" {
			return domain.TaskFilter{}, fmt.Errorf("term %q is not key:value", term)
		}
		switch strings.ToLower(key) {
		case "status":
			status := domain.TaskStatus(strings.ToLower(value))
			known := false
			for _, s := range domain.AllStatuses {
				if s == status {
					known = true
					break
				}
			}
			if !known {
				return domain.TaskFilter{}, fmt.Errorf("unknown status %q", value)
			}
			f.Statuses = append(f.Statuses, status)
		case "agent":
			f.AssignedTo = value
		case "by":
			f.CreatedBy = value
		case "tag":
			f.Tag = value
		case "parent":
			f.ParentTaskID = value
		default:
			return domain.TaskFilter{}, fmt.Errorf("unknown key %q", key)
		}
	}
	return f, nil
}

func payloadSummary(payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}
	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func shortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = shortID(id)
	}
	return out
}
