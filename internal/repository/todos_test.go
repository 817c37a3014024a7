package repository

import (
	"context"
	"testing"
	"time"

	"todo-pipeline/internal/database/dbtest"
	"todo-pipeline/internal/errs"
	"todo-pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *TodoRepository {
	t.Helper()
	return New(dbtest.New(t), 5*time.Second)
}

func ptr[T any](v T) *T { return &v }

func createOp(title, description string) *models.WriteOperation {
	return &models.WriteOperation{
		OperationID: uuid.NewString(),
		Operation:   models.OperationCreate,
		Fields:      models.Fields{Title: ptr(title), Description: ptr(description)},
		IssuedAt:    time.Now().UTC(),
	}
}

func targetOp(kind models.OperationKind, id int64, f models.Fields) *models.WriteOperation {
	return &models.WriteOperation{
		OperationID: uuid.NewString(),
		Operation:   kind,
		TodoID:      ptr(id),
		Fields:      f,
		IssuedAt:    time.Now().UTC(),
	}
}

func countTodos(t *testing.T, r *TodoRepository) int {
	t.Helper()
	var n int
	require.NoError(t, r.db.Get(&n, `SELECT COUNT(*) FROM todos`))
	return n
}

func TestApply_CreateInsertsOneRow(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	res, err := r.Apply(ctx, createOp("Buy milk", "2 liters"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TodoID)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{models.NotificationCreated}, res.Notifications)

	got, err := r.Get(ctx, res.TodoID)
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", got.Title)
	assert.Equal(t, "2 liters", got.Description)
	assert.False(t, got.Completed)
	assert.Equal(t, models.PriorityMedium, got.Priority)
	assert.Nil(t, got.DueDate)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	assert.Equal(t, 1, countTodos(t, r))
}

func TestApply_CreateTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	op := createOp("Buy milk", "")

	first, err := r.Apply(ctx, op)
	require.NoError(t, err)
	second, err := r.Apply(ctx, op)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.False(t, second.Changed)
	assert.Equal(t, first.TodoID, second.TodoID)
	assert.Equal(t, 1, countTodos(t, r))

	notes, err := r.Notifications(ctx, first.TodoID)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestApply_IDsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	var last int64
	for i := 0; i < 3; i++ {
		res, err := r.Apply(ctx, createOp("task", ""))
		require.NoError(t, err)
		assert.Greater(t, res.TodoID, last)
		last = res.TodoID
	}
}

func TestApply_DeleteTwiceEqualsOnce(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	created, err := r.Apply(ctx, createOp("Buy milk", ""))
	require.NoError(t, err)
	other, err := r.Apply(ctx, createOp("Walk dog", ""))
	require.NoError(t, err)

	del := targetOp(models.OperationDelete, created.TodoID, models.Fields{})
	res, err := r.Apply(ctx, del)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	// Redelivery of the same message.
	res, err = r.Apply(ctx, del)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// A distinct delete of the same todo is a no-op, not an error.
	res, err = r.Apply(ctx, targetOp(models.OperationDelete, created.TodoID, models.Fields{}))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, created.TodoID, res.TodoID)

	_, err = r.Get(ctx, created.TodoID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = r.Get(ctx, other.TodoID)
	assert.NoError(t, err)
	assert.Equal(t, 1, countTodos(t, r))
}

func TestApply_UpdateWritesNotifications(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	created, err := r.Apply(ctx, createOp("Buy milk", ""))
	require.NoError(t, err)

	due := time.Date(2026, 11, 1, 9, 0, 0, 0, time.UTC)
	res, err := r.Apply(ctx, targetOp(models.OperationUpdate, created.TodoID, models.Fields{
		Completed: ptr(true),
		DueDate:   &due,
		Priority:  ptr(models.PriorityHigh),
	}))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{models.NotificationStatusChanged, models.NotificationDueDateSet}, res.Notifications)

	got, err := r.Get(ctx, created.TodoID)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	require.NotNil(t, got.DueDate)
	assert.True(t, got.DueDate.Equal(due))
	assert.Equal(t, "Buy milk", got.Title, "unset fields are left unchanged")

	notes, err := r.Notifications(ctx, created.TodoID)
	require.NoError(t, err)
	require.Len(t, notes, 3)
	assert.Equal(t, models.NotificationCreated, notes[0].NotificationType)
	assert.Equal(t, models.StatusPending, notes[0].TodoStatus)
	assert.Equal(t, models.StatusCompleted, notes[1].TodoStatus)
	assert.Equal(t, models.PriorityHigh, notes[2].TodoPriority)
}

func TestApply_UpdateWithoutStatusChangeWritesNoNotification(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	created, err := r.Apply(ctx, createOp("Buy milk", ""))
	require.NoError(t, err)

	res, err := r.Apply(ctx, targetOp(models.OperationUpdate, created.TodoID, models.Fields{
		Title:     ptr("Buy oat milk"),
		Completed: ptr(false),
	}))
	require.NoError(t, err)
	assert.Empty(t, res.Notifications)

	got, err := r.Get(ctx, created.TodoID)
	require.NoError(t, err)
	assert.Equal(t, "Buy oat milk", got.Title)
}

func TestApply_UpdateMissingTodoIsNoop(t *testing.T) {
	r := newTestRepo(t)

	res, err := r.Apply(context.Background(), targetOp(models.OperationUpdate, 99, models.Fields{Title: ptr("x")}))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 0, countTodos(t, r))
}

func TestApply_PoisonOperations(t *testing.T) {
	tests := []struct {
		name string
		op   *models.WriteOperation
	}{
		{"create without title", createOp("   ", "")},
		{"update without id", &models.WriteOperation{OperationID: uuid.NewString(), Operation: models.OperationUpdate}},
		{"delete without id", &models.WriteOperation{OperationID: uuid.NewString(), Operation: models.OperationDelete}},
		{"unknown kind", &models.WriteOperation{OperationID: uuid.NewString(), Operation: "archive"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRepo(t)
			_, err := r.Apply(context.Background(), tt.op)
			assert.ErrorIs(t, err, errs.ErrPoison)

			// The ledger row is rolled back with the failed write.
			_, err = r.Operation(context.Background(), tt.op.OperationID)
			assert.ErrorIs(t, err, errs.ErrNotFound)
		})
	}
}

func TestOperation_RecordsTodoID(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	op := createOp("Buy milk", "")

	_, err := r.Operation(ctx, op.OperationID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	res, err := r.Apply(ctx, op)
	require.NoError(t, err)

	applied, err := r.Operation(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationCreate, applied.Operation)
	require.NotNil(t, applied.TodoID)
	assert.Equal(t, res.TodoID, *applied.TodoID)
}

func TestList_Pages(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	empty, err := r.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	for _, title := range []string{"a", "b", "c"} {
		_, err := r.Apply(ctx, createOp(title, ""))
		require.NoError(t, err)
	}

	page, err := r.List(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].Title)
	assert.Equal(t, "c", page[1].Title)
}

func TestGet_NotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.Get(context.Background(), 12345)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMapWriteError(t *testing.T) {
	assert.NoError(t, mapWriteError(nil))
	assert.ErrorIs(t, mapWriteError(context.DeadlineExceeded), errs.ErrTransient)
	assert.ErrorIs(t, mapWriteError(errs.ErrPoison), errs.ErrPoison)
}
