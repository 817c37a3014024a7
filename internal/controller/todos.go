package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"todo-pipeline/internal/cache"
	"todo-pipeline/internal/errs"
	"todo-pipeline/internal/middleware"
	"todo-pipeline/internal/models"
	"todo-pipeline/internal/queue"
	"todo-pipeline/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxTitleLength  = 255
)

// Store is the read side of the todo store used by the api.
type Store interface {
	Get(ctx context.Context, id int64) (*models.Todo, error)
	List(ctx context.Context, limit, offset int) ([]models.Todo, error)
	Notifications(ctx context.Context, todoID int64) ([]models.Notification, error)
	Operation(ctx context.Context, operationID string) (*models.AppliedOperation, error)
}

// TodoController serves the todo endpoints. Reads go cache first, then to the
// store; writes are validated and published for the worker to apply.
type TodoController struct {
	store       Store
	cache       cache.Cache
	publisher   queue.Publisher
	readTimeout time.Duration
	now         func() time.Time

	reads singleflight.Group
}

// New returns a controller whose store reads are bounded by readTimeout.
func New(store Store, c cache.Cache, publisher queue.Publisher, readTimeout time.Duration) *TodoController {
	return &TodoController{
		store:       store,
		cache:       c,
		publisher:   publisher,
		readTimeout: readTimeout,
		now:         time.Now,
	}
}

type createRequest struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	Completed   bool       `json:"completed"`
	Priority    string     `json:"priority" binding:"omitempty,oneof=low medium high"`
	DueDate     *time.Time `json:"due_date"`
}

type patchRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Completed   *bool      `json:"completed"`
	Priority    *string    `json:"priority" binding:"omitempty,oneof=low medium high"`
	DueDate     *time.Time `json:"due_date"`
}

// provisionalTodo is what a create looks like before the worker assigns an id.
type provisionalTodo struct {
	ID          *int64     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Completed   bool       `json:"completed"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
}

// GetTodo returns a single todo.
func (tc *TodoController) GetTodo(c *gin.Context) {
	id, err := todoID(c)
	if err != nil {
		tc.fail(c, err)
		return
	}
	todo, err := tc.loadTodo(c.Request.Context(), id)
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, todo)
}

// ListTodos returns one page of todos ordered by id.
func (tc *TodoController) ListTodos(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		tc.fail(c, err)
		return
	}
	if limit < 1 {
		tc.fail(c, fmt.Errorf("%w: limit must be positive", errs.ErrValidation))
		return
	}
	limit = min(limit, maxPageSize)
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		tc.fail(c, err)
		return
	}
	if offset < 0 {
		tc.fail(c, fmt.Errorf("%w: offset must not be negative", errs.ErrValidation))
		return
	}

	todos, err := cachedRead(c.Request.Context(), tc, cache.ListKey(limit, offset), func(ctx context.Context) ([]models.Todo, error) {
		return tc.store.List(ctx, limit, offset)
	})
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"todos": todos, "limit": limit, "offset": offset})
}

// GetNotifications returns the notification log of a todo. The log outlives
// the todo itself.
func (tc *TodoController) GetNotifications(c *gin.Context) {
	id, err := todoID(c)
	if err != nil {
		tc.fail(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), tc.readTimeout)
	defer cancel()
	notes, err := tc.store.Notifications(ctx, id)
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"todo_id": id, "notifications": notes})
}

// GetOperation reports whether a write operation has been applied.
func (tc *TodoController) GetOperation(c *gin.Context) {
	opID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		tc.fail(c, fmt.Errorf("%w: operation id must be a uuid", errs.ErrValidation))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), tc.readTimeout)
	defer cancel()
	op, err := tc.store.Operation(ctx, opID.String())
	if errors.Is(err, errs.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Operation not applied", "operation_id": opID.String()})
		return
	}
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operation_id": op.OperationID,
		"operation":    op.Operation,
		"todo_id":      op.TodoID,
		"applied_at":   op.AppliedAt,
		"status":       "applied",
	})
}

// CreateTodo (auth): validates the body, publishes a create and returns 202.
func (tc *TodoController) CreateTodo(c *gin.Context) {
	var body createRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		tc.fail(c, bindError(err))
		return
	}
	title, err := cleanTitle(body.Title)
	if err != nil {
		tc.fail(c, err)
		return
	}
	if body.Priority == "" {
		body.Priority = models.PriorityMedium
	}

	op := tc.newOperation(models.OperationCreate, nil, models.Fields{
		Title:       &title,
		Description: &body.Description,
		Completed:   &body.Completed,
		Priority:    &body.Priority,
		DueDate:     body.DueDate,
	})
	if !tc.publish(c, op) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"operation_id": op.OperationID,
		"status":       "accepted",
		"todo": provisionalTodo{
			Title:       title,
			Description: body.Description,
			Completed:   body.Completed,
			Priority:    body.Priority,
			DueDate:     body.DueDate,
		},
	})
}

// ReplaceTodo (auth): full update of an existing todo; title is required.
func (tc *TodoController) ReplaceTodo(c *gin.Context) {
	id, err := todoID(c)
	if err != nil {
		tc.fail(c, err)
		return
	}
	var body createRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		tc.fail(c, bindError(err))
		return
	}
	title, err := cleanTitle(body.Title)
	if err != nil {
		tc.fail(c, err)
		return
	}
	if body.Priority == "" {
		body.Priority = models.PriorityMedium
	}
	if err := tc.ensureExists(c.Request.Context(), id); err != nil {
		tc.fail(c, err)
		return
	}

	op := tc.newOperation(models.OperationUpdate, &id, models.Fields{
		Title:       &title,
		Description: &body.Description,
		Completed:   &body.Completed,
		Priority:    &body.Priority,
		DueDate:     body.DueDate,
	})
	if !tc.publish(c, op) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"operation_id": op.OperationID, "status": "accepted", "todo_id": id})
}

// PatchTodo (auth): partial update of an existing todo.
func (tc *TodoController) PatchTodo(c *gin.Context) {
	id, err := todoID(c)
	if err != nil {
		tc.fail(c, err)
		return
	}
	var body patchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		tc.fail(c, bindError(err))
		return
	}
	fields := models.Fields{
		Title:       body.Title,
		Description: body.Description,
		Completed:   body.Completed,
		Priority:    body.Priority,
		DueDate:     body.DueDate,
	}
	if fields.Empty() {
		tc.fail(c, fmt.Errorf("%w: at least one field is required", errs.ErrValidation))
		return
	}
	if fields.Title != nil {
		title, err := cleanTitle(*fields.Title)
		if err != nil {
			tc.fail(c, err)
			return
		}
		fields.Title = &title
	}
	if err := tc.ensureExists(c.Request.Context(), id); err != nil {
		tc.fail(c, err)
		return
	}

	op := tc.newOperation(models.OperationUpdate, &id, fields)
	if !tc.publish(c, op) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"operation_id": op.OperationID, "status": "accepted", "todo_id": id})
}

// DeleteTodo (auth): publishes a delete and returns 202.
func (tc *TodoController) DeleteTodo(c *gin.Context) {
	id, err := todoID(c)
	if err != nil {
		tc.fail(c, err)
		return
	}
	op := tc.newOperation(models.OperationDelete, &id, models.Fields{})
	if !tc.publish(c, op) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"operation_id": op.OperationID, "status": "accepted", "todo_id": id})
}

func (tc *TodoController) newOperation(kind models.OperationKind, id *int64, f models.Fields) *models.WriteOperation {
	return &models.WriteOperation{
		OperationID: uuid.NewString(),
		Operation:   kind,
		TodoID:      id,
		Fields:      f,
		IssuedAt:    tc.now().UTC(),
	}
}

// publish makes the single enqueue attempt of a request. It writes the error
// response and returns false if the operation was not enqueued.
func (tc *TodoController) publish(c *gin.Context, op *models.WriteOperation) bool {
	ctx := logger.With(c.Request.Context(), "subject", middleware.Subject(c))
	if err := tc.publisher.Publish(ctx, op); err != nil {
		logger.Error(ctx, "Publish failed", "operation", op.Operation, "operation_id", op.OperationID, "error", err)
		if !errors.Is(err, errs.ErrValidation) {
			err = fmt.Errorf("%w: %w", errs.ErrUnavailable, err)
		}
		tc.fail(c, err)
		return false
	}
	logger.Info(ctx, "Operation accepted", "operation", op.Operation, "operation_id", op.OperationID)
	return true
}

func (tc *TodoController) ensureExists(ctx context.Context, id int64) error {
	_, err := tc.loadTodo(ctx, id)
	return err
}

func (tc *TodoController) loadTodo(ctx context.Context, id int64) (*models.Todo, error) {
	return cachedRead(ctx, tc, cache.TodoKey(id), func(ctx context.Context) (*models.Todo, error) {
		return tc.store.Get(ctx, id)
	})
}

// cachedRead serves key from the cache, falling back to load. Concurrent
// misses at the same cache version share one store read, which is detached
// from any single caller's cancellation and fills the cache at that version.
func cachedRead[T any](ctx context.Context, tc *TodoController, key cache.Key, load func(context.Context) (T, error)) (T, error) {
	val, version, err := cache.GetJSON[T](ctx, tc.cache, key)
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		logger.Warn(ctx, "Cache read failed, using store", "key", key.String(), "error", err)
	}

	flight := fmt.Sprintf("%s@v%d", key, version)
	v, err, _ := tc.reads.Do(flight, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tc.readTimeout)
		defer cancel()
		out, err := load(readCtx)
		if err != nil {
			return out, err
		}
		if err := cache.SetJSON(readCtx, tc.cache, key, version, out); err != nil {
			logger.Warn(ctx, "Cache fill failed", "key", key.String(), "error", err)
		}
		return out, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (tc *TodoController) fail(c *gin.Context, err error) {
	ctx := c.Request.Context()
	if errs.StatusCode(err) >= http.StatusInternalServerError {
		logger.Error(ctx, "Request failed", "error", err)
	}
	middleware.AbortWithError(c, err)
}

func todoID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: todo id must be a positive integer", errs.ErrValidation)
	}
	return id, nil
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errs.ErrValidation, name)
	}
	return n, nil
}

func cleanTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", fmt.Errorf("%w: title must not be empty", errs.ErrValidation)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", fmt.Errorf("%w: title must be at most %d characters", errs.ErrValidation, maxTitleLength)
	}
	return title, nil
}

// bindError turns a gin binding failure into a validation error naming the
// offending fields.
func bindError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: invalid request body", errs.ErrValidation)
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", field))
		}
	}
	return fmt.Errorf("%w: %s", errs.ErrValidation, strings.Join(msgs, "; "))
}
