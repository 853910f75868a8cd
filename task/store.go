package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS task_plans (
	conversation_id TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	task_id         TEXT NOT NULL,
	description     TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 1,
	assigned_to     TEXT NOT NULL DEFAULT '',
	dependencies    TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL,
	notes           TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	started_at      DATETIME,
	completed_at    DATETIME,
	UNIQUE (conversation_id, task_id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks (conversation_id);
`

const taskColumns = `conversation_id, task_id, description, priority, assigned_to,
	dependencies, status, notes, created_at, updated_at, started_at, completed_at`

// SQLiteStore persists plans and tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the task tables exist. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY; also serializes transactions
	s, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB uses an already opened database, e.g. one shared with
// the tool-result cache.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create task schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// CreatePlan stores the plan, replacing any previous plan of the conversation.
func (s *SQLiteStore) CreatePlan(ctx context.Context, p *Plan) error {
	if p.ConversationID == "" {
		return &ValidationError{Reason: "conversation id is required"}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_plans (conversation_id, title, description, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			title = excluded.title, description = excluded.description, created_at = excluded.created_at`,
		p.ConversationID, p.Title, p.Description, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// GetPlan returns the plan for a conversation.
func (s *SQLiteStore) GetPlan(ctx context.Context, conversationID string) (*Plan, error) {
	var p Plan
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, title, description, created_at FROM task_plans WHERE conversation_id = ?`,
		conversationID,
	).Scan(&p.ConversationID, &p.Title, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan for %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &p, nil
}

// CreateTasks validates the batch against the stored graph and inserts it in
// a single transaction.
func (s *SQLiteStore) CreateTasks(ctx context.Context, conversationID string, batch []NewTask) ([]*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create tasks tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := queryTasks(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}
	existing := make(map[string][]string, len(stored))
	for _, t := range stored {
		existing[t.TaskID] = t.Dependencies
	}
	if err := validateBatch(conversationID, existing, batch); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created := make([]*Task, 0, len(batch))
	for _, nt := range batch {
		t := fromNew(conversationID, nt, now)
		deps, _ := json.Marshal(t.Dependencies)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ConversationID, t.TaskID, t.Description, int(t.Priority), t.AssignedTo,
			string(deps), string(t.Status), t.Notes, t.CreatedAt, t.UpdatedAt, nil, nil,
		)
		if err != nil {
			return nil, fmt.Errorf("insert task %s: %w", t.TaskID, err)
		}
		created = append(created, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create tasks tx: %w", err)
	}
	return created, nil
}

// GetTasks returns the conversation's tasks in scheduling order.
func (s *SQLiteStore) GetTasks(ctx context.Context, conversationID string) ([]*Task, error) {
	return queryTasks(ctx, s.db, conversationID)
}

// GetTask retrieves a task by conversation and task id.
func (s *SQLiteStore) GetTask(ctx context.Context, conversationID, taskID string) (*Task, error) {
	return getTask(ctx, s.db, conversationID, taskID)
}

// UpdateStatus reads, validates and writes the task inside one transaction.
// With a single connection the transaction serializes concurrent callers, so
// the dependency check and the write cannot interleave with another update.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, conversationID, taskID string, status Status, notes *string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update status tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTask(ctx, tx, conversationID, taskID)
	if err != nil {
		return nil, err
	}
	depStatus := make(map[string]Status, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		var st string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM tasks WHERE conversation_id = ? AND task_id = ?`,
			conversationID, dep,
		).Scan(&st)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read dependency %s: %w", dep, err)
		}
		depStatus[dep] = Status(st)
	}

	noop, err := checkTransition(t, status, depStatus)
	if err != nil {
		return nil, err
	}
	applyTransition(t, status, notes, noop, time.Now().UTC())

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, notes = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE conversation_id = ? AND task_id = ?`,
		string(t.Status), t.Notes, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
		conversationID, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update status tx: %w", err)
	}
	return t, nil
}

// DeleteConversation removes the plan and all tasks of a conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_plans WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	return tx.Commit()
}

// querier abstracts *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryTasks(ctx context.Context, q querier, conversationID string) ([]*Task, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE conversation_id = ? ORDER BY priority DESC, seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func getTask(ctx context.Context, q querier, conversationID, taskID string) (*Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE conversation_id = ? AND task_id = ?`,
		conversationID, taskID,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s in %s: %w", taskID, conversationID, ErrNotFound)
	}
	return t, err
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, depsJSON string
	var priority int
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ConversationID, &t.TaskID, &t.Description, &priority, &t.AssignedTo,
		&depsJSON, &status, &t.Notes, &t.CreatedAt, &t.UpdatedAt,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Priority = Priority(priority)
	_ = json.Unmarshal([]byte(depsJSON), &t.Dependencies)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// fromNew builds a stored task from its creation input.
func fromNew(conversationID string, nt NewTask, now time.Time) *Task {
	status := nt.Status
	if status == "" {
		status = StatusPending
	}
	deps := nt.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return &Task{
		ConversationID: conversationID,
		TaskID:         nt.TaskID,
		Description:    nt.Description,
		Priority:       nt.Priority,
		AssignedTo:     nt.AssignedTo,
		Dependencies:   deps,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// applyTransition mutates t after checkTransition accepted the move.
func applyTransition(t *Task, status Status, notes *string, noop bool, now time.Time) {
	if notes != nil {
		t.Notes = *notes
	}
	t.UpdatedAt = now
	if noop {
		return
	}
	t.Status = status
	switch {
	case status == StatusInProgress && t.StartedAt == nil:
		t.StartedAt = &now
	case status.Terminal():
		t.CompletedAt = &now
	}
}
