package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskmesh/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	priority INTEGER NOT NULL,
	created_by TEXT NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	delegated_from TEXT NOT NULL DEFAULT '',
	parent_task_id TEXT NOT NULL DEFAULT '',
	subtasks TEXT NOT NULL DEFAULT '[]',
	dependencies TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	assigned_at INTEGER NULL,
	started_at INTEGER NULL,
	attempt_started_at INTEGER NULL,
	completed_at INTEGER NULL,
	estimated_duration_ms INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	result TEXT NULL,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority, created_at);

CREATE TABLE IF NOT EXISTS queue_membership (
	task_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	slot TEXT NOT NULL,
	position INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_queue_membership_agent ON queue_membership(agent_id, slot, position);

CREATE TABLE IF NOT EXISTS snapshot_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	taken_at INTEGER NOT NULL,
	task_count INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_task ON audit_log(task_id, id);
`

const taskColumns = `id, title, description, tags, metadata, status, priority, created_by,
	assigned_to, delegated_from, parent_task_id, subtasks, dependencies,
	created_at, updated_at, assigned_at, started_at, attempt_started_at, completed_at,
	estimated_duration_ms, retry_count, max_retries, result, error_message`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_membership`); err != nil {
		return fmt.Errorf("clear queue membership: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}

	insertTask, err := tx.PrepareContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare task insert: %w", err)
	}
	defer insertTask.Close()
	for _, t := range snap.Tasks {
		args, err := taskArgs(t)
		if err != nil {
			return err
		}
		if _, err := insertTask.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	insertMember, err := tx.PrepareContext(ctx,
		`INSERT INTO queue_membership(task_id, agent_id, slot, position) VALUES(?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare queue insert: %w", err)
	}
	defer insertMember.Close()
	for _, m := range snap.Queues {
		if _, err := insertMember.ExecContext(ctx, m.TaskID, m.AgentID, string(m.Slot), m.Position); err != nil {
			return fmt.Errorf("insert queue membership %s: %w", m.TaskID, err)
		}
	}

	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta(id, taken_at, task_count) VALUES(1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET taken_at = excluded.taken_at, task_count = excluded.task_count`,
		toMillis(takenAt), len(snap.Tasks),
	); err != nil {
		return fmt.Errorf("write snapshot meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context) (domain.Snapshot, bool, error) {
	var snap domain.Snapshot
	var takenAt int64
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT taken_at, task_count FROM snapshot_meta WHERE id = 1`).Scan(&takenAt, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("read snapshot meta: %w", err)
	}
	snap.TakenAt = fromMillis(takenAt)

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	snap.Tasks = tasks

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, agent_id, slot, position FROM queue_membership ORDER BY agent_id, slot, position`)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("list queue membership: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m domain.QueueMembership
		var slot string
		if err := rows.Scan(&m.TaskID, &m.AgentID, &slot, &m.Position); err != nil {
			return domain.Snapshot{}, false, fmt.Errorf("scan queue membership: %w", err)
		}
		m.Slot = domain.QueueSlot(slot)
		snap.Queues = append(snap.Queues, m)
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("iterate queue membership: %w", err)
	}
	return snap, true, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("get task %s: %w", taskID, domain.ErrTaskNotFound)
	}
	return t, err
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO audit_log(task_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Actor, entry.Action, entry.Reason, payload, toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) ListTaskAudit(ctx context.Context, taskID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, actor, action, reason, payload, created_at
		FROM audit_log
		WHERE task_id = ?
		ORDER BY id ASC
		LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task audit: %w", err)
	}
	return scanAudit(rows, limit)
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, actor, action, reason, payload, created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return scanAudit(rows, limit)
}

func scanAudit(rows *sql.Rows, limit int) ([]domain.AuditEntry, error) {
	defer rows.Close()
	result := make([]domain.AuditEntry, 0, min(limit, 64))
	for rows.Next() {
		var item domain.AuditEntry
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.CreatedAt = fromMillis(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var tags, metadata, subtasks, deps, status string
	var created, updated, estimatedMS int64
	var assignedAt, startedAt, attemptAt, completedAt sql.NullInt64
	var result sql.NullString
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &tags, &metadata, &status, &t.Priority, &t.CreatedBy,
		&t.AssignedTo, &t.DelegatedFrom, &t.ParentTaskID, &subtasks, &deps,
		&created, &updated, &assignedAt, &startedAt, &attemptAt, &completedAt,
		&estimatedMS, &t.RetryCount, &t.MaxRetries, &result, &t.ErrorMessage,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, err
		}
		return domain.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	if err := decodeJSON(tags, &t.Tags); err != nil {
		return domain.Task{}, fmt.Errorf("decode tags of %s: %w", t.ID, err)
	}
	if err := decodeJSON(metadata, &t.Metadata); err != nil {
		return domain.Task{}, fmt.Errorf("decode metadata of %s: %w", t.ID, err)
	}
	if err := decodeJSON(subtasks, &t.Subtasks); err != nil {
		return domain.Task{}, fmt.Errorf("decode subtasks of %s: %w", t.ID, err)
	}
	if err := decodeJSON(deps, &t.Dependencies); err != nil {
		return domain.Task{}, fmt.Errorf("decode dependencies of %s: %w", t.ID, err)
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	t.AssignedAt = nullableTime(assignedAt)
	t.StartedAt = nullableTime(startedAt)
	t.AttemptStartedAt = nullableTime(attemptAt)
	t.CompletedAt = nullableTime(completedAt)
	t.EstimatedDuration = time.Duration(estimatedMS) * time.Millisecond
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	return t, nil
}

func taskArgs(t domain.Task) ([]any, error) {
	tags, err := encodeJSON(t.Tags, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode tags of %s: %w", t.ID, err)
	}
	metadata, err := encodeJSON(t.Metadata, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode metadata of %s: %w", t.ID, err)
	}
	subtasks, err := encodeJSON(t.Subtasks, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode subtasks of %s: %w", t.ID, err)
	}
	deps, err := encodeJSON(t.Dependencies, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode dependencies of %s: %w", t.ID, err)
	}
	var result any
	if len(t.Result) > 0 {
		result = string(t.Result)
	}
	return []any{
		t.ID, t.Title, t.Description, tags, metadata, string(t.Status), int(t.Priority), t.CreatedBy,
		t.AssignedTo, t.DelegatedFrom, t.ParentTaskID, subtasks, deps,
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
		nullableMillis(t.AssignedAt), nullableMillis(t.StartedAt), nullableMillis(t.AttemptStartedAt), nullableMillis(t.CompletedAt),
		t.EstimatedDuration.Milliseconds(), t.RetryCount, t.MaxRetries, result, t.ErrorMessage,
	}, nil
}

func encodeJSON[T any](v T, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func decodeJSON[T any](raw string, out *T) error {
	if raw == "" || raw == "[]" || raw == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
