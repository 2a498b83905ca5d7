// Package board is the mutation authority for the task board. Every
// task mutation flows through exactly one Board method, serialized by a
// single mutex, validated and applied inside one sqlite transaction,
// and broadcast on the bus only after commit. The version field on each
// task advances by exactly 1 per accepted mutation and is the sole
// concurrency token.
package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskboard/internal/bus"
	tbotel "github.com/basket/taskboard/internal/otel"
	"github.com/basket/taskboard/internal/store"
)

// Board serializes and applies task mutations.
type Board struct {
	mu      sync.Mutex
	store   *store.Store
	bus     *bus.Bus // may be nil in tests
	log     *slog.Logger
	metrics *tbotel.Metrics // may be nil in tests
	feedCap int
}

// New creates a Board. feedCap bounds the action feed a single
// RecentActions call returns; retention in the store is unbounded.
func New(st *store.Store, eventBus *bus.Bus, logger *slog.Logger, metrics *tbotel.Metrics, feedCap int) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	if feedCap <= 0 {
		feedCap = 20
	}
	return &Board{
		store:   st,
		bus:     eventBus,
		log:     logger,
		metrics: metrics,
		feedCap: feedCap,
	}
}

// CreateTaskInput carries the client-supplied fields for a new task.
type CreateTaskInput struct {
	Title       string
	Description string
	Priority    store.Priority
	AssigneeID  *string
}

// UpdatePatch carries the fields present in an update request. Nil
// pointers mean "not supplied, leave unchanged". AssigneeSet
// distinguishes an absent assignee field from an explicit null that
// clears the assignment. A nil ExpectedVersion skips conflict
// detection.
type UpdatePatch struct {
	Title           *string
	Description     *string
	Status          *store.Status
	Priority        *store.Priority
	AssigneeSet     bool
	AssigneeID      *string
	ExpectedVersion *int64
}

// DeletedEvent is the payload published on task.deleted.
type DeletedEvent struct {
	ID string `json:"id"`
}

// reservedTitle reports whether title collides with a board column
// name, compared case-insensitively.
func reservedTitle(title string) bool {
	for _, s := range store.Statuses {
		if strings.EqualFold(title, string(s)) {
			return true
		}
	}
	return false
}

// CreateTask validates and creates a task at version 1 in the Todo
// column, logs CREATED, and broadcasts task.created.
func (b *Board) CreateTask(ctx context.Context, in CreateTaskInput, actorID string) (*store.TaskView, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, validationf("title", "title is required")
	}
	if reservedTitle(title) {
		return nil, validationf("title", "title must not match a column name")
	}
	priority := in.Priority
	if priority == "" {
		priority = store.PriorityMedium
	}
	if !store.ValidPriority(priority) {
		return nil, validationf("priority", "invalid priority %q", priority)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	task := &store.Task{
		ID:           uuid.NewString(),
		Title:        title,
		Description:  in.Description,
		Status:       store.StatusTodo,
		Priority:     priority,
		AssignedTo:   in.AssigneeID,
		CreatedBy:    actorID,
		LastEditedBy: actorID,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var view *store.TaskView
	var action *store.ActionView
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		taken, err := store.TitleTakenTx(tx, title, task.ID)
		if err != nil {
			return err
		}
		if taken {
			return validationf("title", "a task with this title already exists")
		}
		if in.AssigneeID != nil {
			ok, err := store.UserExistsTx(tx, *in.AssigneeID)
			if err != nil {
				return err
			}
			if !ok {
				return validationf("assigned_to", "unknown user %s", *in.AssigneeID)
			}
		}
		if err := store.InsertTaskTx(tx, task); err != nil {
			return err
		}
		action, err = b.appendActionTx(tx, store.ActionCreated, task.ID, actorID,
			fmt.Sprintf("Created task: %s", title), now)
		if err != nil {
			return err
		}
		view, err = store.GetTaskViewTx(tx, task.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	b.log.Info("task created", "task_id", task.ID, "title", title, "actor", actorID)
	b.recordMutation(ctx, "create")
	b.publish(bus.TopicTaskCreated, view)
	b.publish(bus.TopicActionLogged, action)
	return view, nil
}

// UpdateTask applies a partial update. Fields absent from the patch are
// left unchanged. When patch.ExpectedVersion is present and stale the
// update is rejected with a ConflictError carrying the current record;
// nothing is mutated and nothing is logged or broadcast.
func (b *Board) UpdateTask(ctx context.Context, id string, patch UpdatePatch, actorID string) (*store.TaskView, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var view *store.TaskView
	var action *store.ActionView
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		task, err := store.GetTaskTx(tx, id)
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{ID: id}
		}
		if err != nil {
			return err
		}

		if patch.ExpectedVersion != nil && *patch.ExpectedVersion != task.Version {
			current, err := store.GetTaskViewTx(tx, id)
			if err != nil {
				return err
			}
			return &ConflictError{Current: current}
		}

		fromVersion := task.Version
		fromStatus := task.Status

		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				return validationf("title", "title is required")
			}
			if reservedTitle(title) {
				return validationf("title", "title must not match a column name")
			}
			taken, err := store.TitleTakenTx(tx, title, id)
			if err != nil {
				return err
			}
			if taken {
				return validationf("title", "a task with this title already exists")
			}
			task.Title = title
		}
		if patch.Description != nil {
			task.Description = *patch.Description
		}
		if patch.Status != nil {
			if !store.ValidStatus(*patch.Status) {
				return validationf("status", "invalid status %q", *patch.Status)
			}
			task.Status = *patch.Status
		}
		if patch.Priority != nil {
			if !store.ValidPriority(*patch.Priority) {
				return validationf("priority", "invalid priority %q", *patch.Priority)
			}
			task.Priority = *patch.Priority
		}
		if patch.AssigneeSet {
			if patch.AssigneeID != nil {
				ok, err := store.UserExistsTx(tx, *patch.AssigneeID)
				if err != nil {
					return err
				}
				if !ok {
					return validationf("assigned_to", "unknown user %s", *patch.AssigneeID)
				}
			}
			task.AssignedTo = patch.AssigneeID
		}

		now := time.Now().UTC()
		task.LastEditedBy = actorID
		task.Version = fromVersion + 1
		task.UpdatedAt = now
		if err := store.UpdateTaskTx(tx, task, fromVersion); err != nil {
			return err
		}

		details := "Updated task"
		if patch.Status != nil && *patch.Status != fromStatus {
			details = fmt.Sprintf("Moved task from %s to %s", fromStatus, *patch.Status)
		}
		action, err = b.appendActionTx(tx, store.ActionUpdated, id, actorID, details, now)
		if err != nil {
			return err
		}
		view, err = store.GetTaskViewTx(tx, id)
		return err
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			b.log.Warn("update rejected on version conflict", "task_id", id, "actor", actorID)
			b.recordConflict(ctx)
		}
		return nil, err
	}

	b.log.Info("task updated", "task_id", id, "version", view.Version, "actor", actorID)
	b.recordMutation(ctx, "update")
	b.publish(bus.TopicTaskUpdated, view)
	b.publish(bus.TopicActionLogged, action)
	return view, nil
}

// DeleteTask removes a task and logs DELETED. The log entry survives
// the task; its task_id dangles on purpose.
func (b *Board) DeleteTask(ctx context.Context, id, actorID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var action *store.ActionView
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		task, err := store.GetTaskTx(tx, id)
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{ID: id}
		}
		if err != nil {
			return err
		}
		if err := store.DeleteTaskTx(tx, id); err != nil {
			return err
		}
		action, err = b.appendActionTx(tx, store.ActionDeleted, id, actorID,
			fmt.Sprintf("Deleted task: %s", task.Title), time.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}

	b.log.Info("task deleted", "task_id", id, "actor", actorID)
	b.recordMutation(ctx, "delete")
	b.publish(bus.TopicTaskDeleted, &DeletedEvent{ID: id})
	b.publish(bus.TopicActionLogged, action)
	return nil
}

// SmartAssign assigns the task to the user with the fewest active
// (Todo or In Progress) assignments. Users are enumerated in creation
// order and ties go to the first user encountered, so the outcome is
// deterministic for a given board state. This is a greedy heuristic:
// it balances current counts only and claims no global optimality.
func (b *Board) SmartAssign(ctx context.Context, id, actorID string) (*store.TaskView, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var view *store.TaskView
	var action *store.ActionView
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		task, err := store.GetTaskTx(tx, id)
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{ID: id}
		}
		if err != nil {
			return err
		}

		counts, err := store.ActiveTaskCountsTx(tx)
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			return ErrNoEligibleUsers
		}
		best := counts[0]
		for _, c := range counts[1:] {
			if c.Count < best.Count {
				best = c
			}
		}

		now := time.Now().UTC()
		fromVersion := task.Version
		task.AssignedTo = &best.User.ID
		task.LastEditedBy = actorID
		task.Version = fromVersion + 1
		task.UpdatedAt = now
		if err := store.UpdateTaskTx(tx, task, fromVersion); err != nil {
			return err
		}
		action, err = b.appendActionTx(tx, store.ActionSmartAssigned, id, actorID,
			fmt.Sprintf("Smart assigned to %s", best.User.Username), now)
		if err != nil {
			return err
		}
		view, err = store.GetTaskViewTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	b.log.Info("task smart-assigned", "task_id", id,
		"assignee", view.AssignedTo.Username, "actor", actorID)
	b.recordMutation(ctx, "smart_assign")
	b.publish(bus.TopicTaskUpdated, view)
	b.publish(bus.TopicActionLogged, action)
	return view, nil
}

// GetTask returns a single resolved task.
func (b *Board) GetTask(ctx context.Context, id string) (*store.TaskView, error) {
	view, err := b.store.GetTaskView(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{ID: id}
	}
	return view, err
}

// ListTasks returns all tasks, newest created first.
func (b *Board) ListTasks(ctx context.Context) ([]store.TaskView, error) {
	return b.store.ListTaskViews(ctx)
}

// RecentActions returns the newest log entries, capped at the
// configured feed size.
func (b *Board) RecentActions(ctx context.Context, limit int) ([]store.ActionView, error) {
	if limit <= 0 || limit > b.feedCap {
		limit = b.feedCap
	}
	return b.store.RecentActionViews(ctx, limit)
}

func (b *Board) appendActionTx(tx *sql.Tx, kind store.ActionKind, taskID, userID, details string, at time.Time) (*store.ActionView, error) {
	actionID, err := store.AppendActionTx(tx, kind, taskID, userID, details, at)
	if err != nil {
		return nil, err
	}
	var username string
	if err := tx.QueryRow(`SELECT username FROM users WHERE id = ?;`, userID).Scan(&username); err != nil {
		return nil, fmt.Errorf("resolve actor: %w", err)
	}
	return &store.ActionView{
		ID:        actionID,
		Action:    kind,
		TaskID:    taskID,
		User:      store.UserRef{ID: userID, Username: username},
		Details:   details,
		CreatedAt: at,
	}, nil
}

func (b *Board) publish(topic string, payload any) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(topic, payload)
	if b.metrics != nil {
		b.metrics.EventsPublished.Add(context.Background(), 1)
	}
}

func (b *Board) recordMutation(ctx context.Context, op string) {
	if b.metrics == nil {
		return
	}
	b.metrics.MutationsTotal.Add(ctx, 1, metric.WithAttributes(tbotel.AttrOperation.String(op)))
}

func (b *Board) recordConflict(ctx context.Context) {
	if b.metrics == nil {
		return
	}
	b.metrics.ConflictsTotal.Add(ctx, 1)
}
