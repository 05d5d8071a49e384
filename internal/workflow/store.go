package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/rcmflow/model"
)

// ErrNoChange is returned by a Mutate function to leave the instance
// untouched. Mutate then returns the current state and a nil error.
var ErrNoChange = errors.New("workflow: no change")

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// StateStore persists workflow instances. Every mutation of one instance is
// serialized by the store; different instances proceed independently.
type StateStore interface {
	// Create persists a new instance. Returns CONFLICT if the id exists.
	Create(ctx context.Context, state model.WorkflowState) error

	// Get returns the instance or INSTANCE_NOT_FOUND.
	Get(ctx context.Context, instanceID string) (model.WorkflowState, error)

	// ApplyStepCompletion is the only path that adds a step to
	// CompletedSteps. Under the instance guard it returns the current state
	// unchanged when the step is already completed, otherwise runs c.Check
	// against the fresh state, appends the audit entry, appends the step,
	// records c.Data as the step result, runs c.Recompute and bumps the
	// version.
	ApplyStepCompletion(ctx context.Context, instanceID string, c StepCompletion) (model.WorkflowState, error)

	// Mutate applies fn to the fresh state under the instance guard and
	// persists the result with a bumped version. fn must not add completed
	// steps.
	Mutate(ctx context.Context, instanceID string, fn func(*model.WorkflowState) error) (model.WorkflowState, error)

	// List returns one page of instances matching filters, newest first,
	// and the total number of matches.
	List(ctx context.Context, filters model.WorkflowFilters) ([]model.WorkflowState, int, error)
}

// StepCompletion describes one step completion applied by a StateStore.
type StepCompletion struct {
	StepID  string
	Action  string
	Actor   model.ActorContext
	Data    map[string]any
	Comment string
	At      time.Time

	// Check validates the fresh state before anything changes. A non-nil
	// error aborts the completion and is returned as is.
	Check func(model.WorkflowState) error
	// Recompute refreshes derived fields after the step was added.
	Recompute func(*model.WorkflowState)
}

// apply performs the completion on s, which the caller owns exclusively. It
// reports whether s changed.
func (c StepCompletion) apply(s *model.WorkflowState) (bool, error) {
	if s.HasCompleted(c.StepID) {
		return false, nil
	}
	if c.Check != nil {
		if err := c.Check(*s); err != nil {
			return false, err
		}
	}
	s.AppendInteraction(model.UserInteraction{
		StepID:    c.StepID,
		Action:    c.Action,
		ActorID:   c.Actor.ActorID,
		Role:      c.Actor.Role,
		Timestamp: c.At,
		Comment:   c.Comment,
		Data:      model.CloneMap(c.Data),
	})
	s.CompletedSteps = append(s.CompletedSteps, c.StepID)
	s.Metadata.RecordStepResult(c.StepID, c.Data)
	if c.Recompute != nil {
		c.Recompute(s)
	}
	s.LastActivity = c.At
	s.Version++
	return true, nil
}

// normalizePage clamps the pagination fields of filters and returns the
// offset and limit they describe.
func normalizePage(filters model.WorkflowFilters) (offset, limit int) {
	limit = filters.PageSize
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := filters.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit, limit
}
