package models

import "time"

// OperationKind is the kind of write carried by a WriteOperation.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Fields holds the todo attributes a write sets. Nil means "leave unchanged".
type Fields struct {
	Title       *string    `json:"title,omitempty" validate:"omitempty,max=255"`
	Description *string    `json:"description,omitempty"`
	Completed   *bool      `json:"completed,omitempty"`
	Priority    *string    `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// Empty reports whether no field is set.
func (f Fields) Empty() bool {
	return f.Title == nil && f.Description == nil && f.Completed == nil &&
		f.Priority == nil && f.DueDate == nil
}

// WriteOperation is the queue message the api publishes and the worker applies.
type WriteOperation struct {
	OperationID string        `json:"operation_id" validate:"required,uuid"`
	Operation   OperationKind `json:"operation" validate:"required,oneof=create update delete"`
	TodoID      *int64        `json:"todo_id,omitempty" validate:"omitempty,gt=0"`
	Fields      Fields        `json:"fields"`
	IssuedAt    time.Time     `json:"issued_at" validate:"required"`
}

// AppliedOperation is the idempotency ledger row for a committed WriteOperation.
type AppliedOperation struct {
	OperationID string        `json:"operation_id" db:"operation_id"`
	Operation   OperationKind `json:"operation" db:"operation"`
	TodoID      *int64        `json:"todo_id" db:"todo_id"`
	AppliedAt   time.Time     `json:"applied_at" db:"applied_at"`
}
