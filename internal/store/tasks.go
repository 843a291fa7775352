package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ScheduleType says how a task's ScheduleValue is interpreted.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// Task is a prompt run on a schedule in its owning group's sandbox.
type Task struct {
	ID            string       `json:"id"`
	GroupFolder   string       `json:"group_folder"`
	ChatJID       string       `json:"chat_jid"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   string       `json:"context_mode"`
	NextRun       time.Time    `json:"next_run,omitempty"`
	Status        TaskStatus   `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
}

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, status, created_at`

// CreateTask stores t. Status defaults to active.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	if t.ID == "" || t.GroupFolder == "" {
		return fmt.Errorf("task id and group folder are required")
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = "isolated"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO scheduled_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.GroupFolder, t.ChatJID, t.Prompt, string(t.ScheduleType), t.ScheduleValue,
			t.ContextMode, formatTime(t.NextRun), string(t.Status), formatTime(t.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting task: %w", err)
		}
		return nil
	})
}

// Task returns the task with the given id.
func (s *Store) Task(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// Tasks lists tasks owned by folder, or every task if folder is empty.
func (s *Store) Tasks(ctx context.Context, folder string) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks`
	var args []any
	if folder != "" {
		query += ` WHERE group_folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetTaskStatus changes a task's status.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE scheduled_tasks SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return fmt.Errorf("updating task: %w", err)
		}
		return requireRow(res, id)
	})
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting task: %w", err)
		}
		return requireRow(res, id)
	})
}

// DueTasks returns active tasks whose next run is at or before now.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run
	`, string(TaskActive), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanTask(sc scanner) (Task, error) {
	var t Task
	var typ, status string
	var next, created sql.NullString
	if err := sc.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &typ, &t.ScheduleValue,
		&t.ContextMode, &next, &status, &created); err != nil {
		return Task{}, err
	}
	t.ScheduleType = ScheduleType(typ)
	t.Status = TaskStatus(status)
	var err error
	if t.NextRun, err = parseTime(next); err != nil {
		return Task{}, fmt.Errorf("parsing next_run for %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return Task{}, fmt.Errorf("parsing created_at for %s: %w", t.ID, err)
	}
	return t, nil
}
