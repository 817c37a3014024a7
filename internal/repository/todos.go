package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"todo-pipeline/internal/database"
	"todo-pipeline/internal/errs"
	"todo-pipeline/internal/models"
	"todo-pipeline/pkg/logger"

	"github.com/jmoiron/sqlx"
)

const todoColumns = `id, title, description, completed, priority, due_date, created_at, updated_at`

// TodoRepository is the authoritative store for todos, their notification
// log and the applied-operation ledger.
type TodoRepository struct {
	db      *sqlx.DB
	timeout time.Duration
	now     func() time.Time
}

// New returns a repository whose calls are each bounded by timeout.
func New(db *sqlx.DB, timeout time.Duration) *TodoRepository {
	return &TodoRepository{db: db, timeout: timeout, now: time.Now}
}

// Result describes what Apply did.
type Result struct {
	// TodoID is the todo the operation targeted (assigned by the store for creates).
	TodoID int64
	// Changed is false for duplicates and for updates/deletes of missing todos.
	Changed bool
	// Duplicate is true when the operation had already been applied.
	Duplicate bool
	// Notifications lists the notification types written.
	Notifications []string
}

func (r *TodoRepository) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Ping verifies the store is reachable.
func (r *TodoRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	return r.db.PingContext(ctx)
}

// Get returns a todo by id, or errs.ErrNotFound.
func (r *TodoRepository) Get(ctx context.Context, id int64) (*models.Todo, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	var t models.Todo
	err := r.db.GetContext(ctx, &t, r.db.Rebind(`SELECT `+todoColumns+` FROM todos WHERE id = ?`), id)
	if err != nil {
		return nil, mapReadError(err)
	}
	return &t, nil
}

// List returns a page of todos ordered by id.
func (r *TodoRepository) List(ctx context.Context, limit, offset int) ([]models.Todo, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	todos := []models.Todo{}
	err := r.db.SelectContext(ctx, &todos,
		r.db.Rebind(`SELECT `+todoColumns+` FROM todos ORDER BY id LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		logger.Error(ctx, "Repository List failed", "error", err)
		return nil, mapReadError(err)
	}
	return todos, nil
}

// Notifications returns the notification log of a todo, oldest first.
func (r *TodoRepository) Notifications(ctx context.Context, todoID int64) ([]models.Notification, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	out := []models.Notification{}
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(
		`SELECT id, todo_id, todo_title, todo_description, todo_status, todo_priority, todo_due_date,
		        notification_type, created_at
		 FROM todo_notifications WHERE todo_id = ? ORDER BY id`), todoID)
	if err != nil {
		return nil, mapReadError(err)
	}
	return out, nil
}

// Operation returns the ledger entry of an applied operation, or errs.ErrNotFound.
func (r *TodoRepository) Operation(ctx context.Context, operationID string) (*models.AppliedOperation, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	var op models.AppliedOperation
	err := r.db.GetContext(ctx, &op, r.db.Rebind(
		`SELECT operation_id, operation, todo_id, applied_at FROM applied_operations WHERE operation_id = ?`), operationID)
	if err != nil {
		return nil, mapReadError(err)
	}
	return &op, nil
}

// Apply applies a write operation in a single transaction: it records the
// operation in the ledger, writes the todo and any notification rows.
// Applying the same operation again changes nothing.
func (r *TodoRepository) Apply(ctx context.Context, op *models.WriteOperation) (*Result, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	now := r.now().UTC().Truncate(time.Microsecond)
	res := &Result{}
	err := RunInTransaction(ctx, r.db, func(ctx context.Context, tx *sqlx.Tx) error {
		fresh, err := claimOperation(ctx, tx, op, now)
		if err != nil {
			return err
		}
		if !fresh {
			res.Duplicate = true
			return lookupLedgerTodo(ctx, tx, op.OperationID, res)
		}

		switch op.Operation {
		case models.OperationCreate:
			err = r.create(ctx, tx, op, now, res)
		case models.OperationUpdate:
			err = r.update(ctx, tx, op, now, res)
		case models.OperationDelete:
			err = r.delete(ctx, tx, op, res)
		default:
			err = fmt.Errorf("%w: unknown operation %q", errs.ErrPoison, op.Operation)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE applied_operations SET todo_id = ? WHERE operation_id = ?`),
			res.TodoID, op.OperationID)
		return err
	})
	if err != nil {
		return nil, mapWriteError(err)
	}
	return res, nil
}

// claimOperation inserts the ledger row; false means it was already present.
func claimOperation(ctx context.Context, tx *sqlx.Tx, op *models.WriteOperation, now time.Time) (bool, error) {
	out, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO applied_operations (operation_id, operation, todo_id, applied_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT (operation_id) DO NOTHING`),
		op.OperationID, string(op.Operation), op.TodoID, now)
	if err != nil {
		return false, err
	}
	n, err := out.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func lookupLedgerTodo(ctx context.Context, tx *sqlx.Tx, operationID string, res *Result) error {
	var todoID *int64
	err := tx.GetContext(ctx, &todoID, tx.Rebind(`SELECT todo_id FROM applied_operations WHERE operation_id = ?`), operationID)
	if err != nil {
		return err
	}
	if todoID != nil {
		res.TodoID = *todoID
	}
	return nil
}

func (r *TodoRepository) create(ctx context.Context, tx *sqlx.Tx, op *models.WriteOperation, now time.Time, res *Result) error {
	f := op.Fields
	if f.Title == nil || strings.TrimSpace(*f.Title) == "" {
		return fmt.Errorf("%w: create without title", errs.ErrPoison)
	}
	t := &models.Todo{
		Title:     *f.Title,
		Priority:  models.PriorityMedium,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyFields(t, f)

	err := tx.QueryRowxContext(ctx, tx.Rebind(
		`INSERT INTO todos (title, description, completed, priority, due_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		t.Title, t.Description, t.Completed, t.Priority, t.DueDate, t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
	if err != nil {
		return err
	}
	res.TodoID = t.ID
	res.Changed = true
	return insertNotifications(ctx, tx, res, models.SnapshotNotification(t, models.NotificationCreated, now))
}

func (r *TodoRepository) update(ctx context.Context, tx *sqlx.Tx, op *models.WriteOperation, now time.Time, res *Result) error {
	if op.TodoID == nil {
		return fmt.Errorf("%w: update without todo_id", errs.ErrPoison)
	}
	f := op.Fields
	if f.Title != nil && strings.TrimSpace(*f.Title) == "" {
		return fmt.Errorf("%w: update with empty title", errs.ErrPoison)
	}
	res.TodoID = *op.TodoID

	query := `SELECT ` + todoColumns + ` FROM todos WHERE id = ?`
	if r.db.DriverName() == database.DriverPostgres {
		query += ` FOR UPDATE`
	}
	var cur models.Todo
	if err := tx.GetContext(ctx, &cur, tx.Rebind(query), *op.TodoID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			logger.Warn(ctx, "Update target missing, nothing to apply", "todo_id", *op.TodoID)
			return nil
		}
		return err
	}

	prev := cur
	applyFields(&cur, f)
	cur.UpdatedAt = now
	if cur.UpdatedAt.Before(cur.CreatedAt) {
		cur.UpdatedAt = cur.CreatedAt
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE todos SET title = ?, description = ?, completed = ?, priority = ?, due_date = ?, updated_at = ?
		 WHERE id = ?`),
		cur.Title, cur.Description, cur.Completed, cur.Priority, cur.DueDate, cur.UpdatedAt, cur.ID)
	if err != nil {
		return err
	}
	res.Changed = true

	var notes []models.Notification
	if prev.Completed != cur.Completed {
		notes = append(notes, models.SnapshotNotification(&cur, models.NotificationStatusChanged, now))
	}
	if f.DueDate != nil && (prev.DueDate == nil || !prev.DueDate.Equal(*cur.DueDate)) {
		notes = append(notes, models.SnapshotNotification(&cur, models.NotificationDueDateSet, now))
	}
	return insertNotifications(ctx, tx, res, notes...)
}

func (r *TodoRepository) delete(ctx context.Context, tx *sqlx.Tx, op *models.WriteOperation, res *Result) error {
	if op.TodoID == nil {
		return fmt.Errorf("%w: delete without todo_id", errs.ErrPoison)
	}
	res.TodoID = *op.TodoID

	out, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM todos WHERE id = ?`), *op.TodoID)
	if err != nil {
		return err
	}
	n, err := out.RowsAffected()
	if err != nil {
		return err
	}
	res.Changed = n > 0
	if n == 0 {
		logger.Debug(ctx, "Delete target already gone", "todo_id", *op.TodoID)
	}
	return nil
}

func insertNotifications(ctx context.Context, tx *sqlx.Tx, res *Result, notes ...models.Notification) error {
	for _, n := range notes {
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO todo_notifications
			   (todo_id, todo_title, todo_description, todo_status, todo_priority, todo_due_date, notification_type, created_at)
			 VALUES (:todo_id, :todo_title, :todo_description, :todo_status, :todo_priority, :todo_due_date, :notification_type, :created_at)`,
			n)
		if err != nil {
			return err
		}
		res.Notifications = append(res.Notifications, n.NotificationType)
	}
	return nil
}

// applyFields copies the set fields of f onto t.
func applyFields(t *models.Todo, f models.Fields) {
	if f.Title != nil {
		t.Title = strings.TrimSpace(*f.Title)
	}
	if f.Description != nil {
		t.Description = *f.Description
	}
	if f.Completed != nil {
		t.Completed = *f.Completed
	}
	if f.Priority != nil {
		t.Priority = *f.Priority
	}
	if f.DueDate != nil {
		d := f.DueDate.UTC().Truncate(time.Microsecond)
		t.DueDate = &d
	}
}
