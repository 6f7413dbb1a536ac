/*
Copyright 2026 The Swiped Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loccen/swiped/pkg/model"
)

// ErrNotFound is returned when a row lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by a CAS update when the row's status no
// longer matches the expected "from" state: another actor moved it
// first, so this tick's mutation must be abandoned (spec.md §5).
var ErrConflict = errors.New("store: status changed concurrently")

// TaskStore is a typed repository over the tasks table.
type TaskStore struct {
	q querier
}

// Create inserts a new PENDING task and populates t.ID and t.CreatedAt.
func (s *TaskStore) Create(ctx context.Context, t *model.Task) error {
	previews, err := json.Marshal(t.PreviewImages)
	if err != nil {
		return fmt.Errorf("store: marshal preview_images: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
INSERT INTO tasks (chat_id, msg_id, source_url, title, description, preview_images,
                    file_size_hint, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ChatID, t.MsgID, t.SourceURL, t.Title, t.Description, string(previews),
		t.FileSizeHint, model.TaskPending, now)
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	t.ID = id
	t.Status = model.TaskPending
	t.CreatedAt = now
	return nil
}

// Get returns the task with the given id, or ErrNotFound.
func (s *TaskStore) Get(ctx context.Context, id int64) (*model.Task, error) {
	row := s.q.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListByStatus returns every task currently in status, ordered by id
// so ticks process tasks in creation order.
func (s *TaskStore) ListByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error) {
	rows, err := s.q.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateCAS writes every mutable field of t back to its row, but only
// if the row's current status still equals fromStatus. It returns
// ErrConflict (not a row-count of zero) when the status moved out
// from under the caller, so ticks can treat it uniformly with other
// transient failures.
//
// Callers mutate the in-memory Task (new Status, DriveFileID,
// DownloadHandles, ErrorMessage, ...) after reading it with Get or
// ListByStatus, then call UpdateCAS with the status that was true at
// read time. This is the Go-idiomatic equivalent of the
// UPDATE ... WHERE id = ? AND status = ? discipline spec.md §5
// describes for the source's SQLAlchemy layer.
func (s *TaskStore) UpdateCAS(ctx context.Context, t *model.Task, fromStatus model.TaskStatus) error {
	handles, err := json.Marshal(t.DownloadHandles)
	if err != nil {
		return fmt.Errorf("store: marshal download_handles: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `
UPDATE tasks SET status = ?, drive_file_id = ?, drive_file_name = ?,
                 download_handles = ?, error_message = ?,
                 confirmed_at = ?, completed_at = ?
WHERE id = ? AND status = ?`,
		t.Status, t.DriveFileID, t.DriveFileName, string(handles), t.ErrorMessage,
		t.ConfirmedAt, t.CompletedAt, t.ID, fromStatus)
	if err != nil {
		return fmt.Errorf("store: update task %d: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update task %d: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("store: update task %d from %s: %w", t.ID, fromStatus, ErrConflict)
	}
	return nil
}

// ExistsBySource reports whether a task already records the given
// originating chat message, backing the create endpoint's 409 on the
// (chat_id, msg_id) uniqueness constraint.
func (s *TaskStore) ExistsBySource(ctx context.Context, chatID, msgID int64) (bool, error) {
	row := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE chat_id = ? AND msg_id = ?`, chatID, msgID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("store: exists by source: %w", err)
	}
	return n > 0, nil
}

// CountActive returns how many tasks are in CONFIRMED, TRANSFERRING
// or DOWNLOADING — the set the idle reaper treats as "work in flight"
// (spec.md §4.5).
func (s *TaskStore) CountActive(ctx context.Context) (int, error) {
	row := s.q.QueryRowContext(ctx, `
SELECT COUNT(*) FROM tasks WHERE status IN (?, ?, ?)`,
		model.TaskConfirmed, model.TaskTransferring, model.TaskDownloading)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count active tasks: %w", err)
	}
	return n, nil
}

// LatestCompletedAt returns the most recent Task.CompletedAt among
// COMPLETE tasks, or nil if none has completed yet.
func (s *TaskStore) LatestCompletedAt(ctx context.Context) (*time.Time, error) {
	row := s.q.QueryRowContext(ctx, `
SELECT completed_at FROM tasks WHERE status = ? AND completed_at IS NOT NULL
ORDER BY completed_at DESC LIMIT 1`,
		model.TaskComplete)
	var completedAt sql.NullTime
	if err := row.Scan(&completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: latest completed_at: %w", err)
	}
	if !completedAt.Valid {
		return nil, nil
	}
	t := completedAt.Time
	return &t, nil
}

// CountByStatus returns a status -> count map across every task
// status, for the dashboard surface (spec.md §6).
func (s *TaskStore) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status model.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: count tasks by status: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const taskSelectColumns = `SELECT id, chat_id, msg_id, source_url, title, description,
       preview_images, file_size_hint, status, drive_file_id, drive_file_name,
       download_handles, error_message, created_at, confirmed_at, completed_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row *sql.Row) (*model.Task, error) {
	t, err := scanTaskFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTaskRows(rows *sql.Rows) (*model.Task, error) {
	return scanTaskFields(rows)
}

func scanTaskFields(row rowScanner) (*model.Task, error) {
	var t model.Task
	var previews, handles string
	var confirmedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.ChatID, &t.MsgID, &t.SourceURL, &t.Title, &t.Description,
		&previews, &t.FileSizeHint, &t.Status, &t.DriveFileID, &t.DriveFileName,
		&handles, &t.ErrorMessage, &t.CreatedAt, &confirmedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(previews), &t.PreviewImages); err != nil {
		return nil, fmt.Errorf("store: unmarshal preview_images for task %d: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(handles), &t.DownloadHandles); err != nil {
		return nil, fmt.Errorf("store: unmarshal download_handles for task %d: %w", t.ID, err)
	}
	if confirmedAt.Valid {
		t.ConfirmedAt = &confirmedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}
