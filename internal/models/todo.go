package models

import "time"

// Priority values accepted for a todo.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Status values recorded in notification snapshots.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Todo represents a todo item.
type Todo struct {
	ID          int64      `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description" db:"description"`
	Completed   bool       `json:"completed" db:"completed"`
	Priority    string     `json:"priority" db:"priority"`
	DueDate     *time.Time `json:"due_date" db:"due_date"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Status reports the todo's status as recorded in notifications.
func (t *Todo) Status() string {
	if t.Completed {
		return StatusCompleted
	}
	return StatusPending
}

// Notification types written by the worker.
const (
	NotificationCreated       = "todo_created"
	NotificationStatusChanged = "status_changed"
	NotificationDueDateSet    = "due_date_set"
)

// Notification is an append-only snapshot of a todo at a notification-worthy event.
type Notification struct {
	ID               int64      `json:"id" db:"id"`
	TodoID           int64      `json:"todo_id" db:"todo_id"`
	TodoTitle        string     `json:"todo_title" db:"todo_title"`
	TodoDescription  string     `json:"todo_description" db:"todo_description"`
	TodoStatus       string     `json:"todo_status" db:"todo_status"`
	TodoPriority     string     `json:"todo_priority" db:"todo_priority"`
	TodoDueDate      *time.Time `json:"todo_due_date" db:"todo_due_date"`
	NotificationType string     `json:"notification_type" db:"notification_type"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// SnapshotNotification captures t for a notification of the given type.
func SnapshotNotification(t *Todo, kind string, at time.Time) Notification {
	return Notification{
		TodoID:           t.ID,
		TodoTitle:        t.Title,
		TodoDescription:  t.Description,
		TodoStatus:       t.Status(),
		TodoPriority:     t.Priority,
		TodoDueDate:      t.DueDate,
		NotificationType: kind,
		CreatedAt:        at,
	}
}
