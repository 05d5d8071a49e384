package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/rcmflow/model"
)

const selectInstance = `
	SELECT id, claim_id, template_id, status, current_step, progress,
	       is_blocked, block_reason, blocked_step, block_message, assigned_to,
	       completed_steps, metadata,
	       started_at, last_activity, estimated_completion, completed_at, version,
	       dispatching_step, dispatch_started_at
	FROM workflow_instances`

const uniqueViolation = "23505"

// PgStateStore is a PostgreSQL-backed StateStore using pgx/v5. Mutations
// lock the instance row for the duration of a transaction and the update is
// additionally guarded by the version column.
type PgStateStore struct {
	pool *pgxpool.Pool
}

// NewPgStateStore creates a new PostgreSQL state store.
func NewPgStateStore(pool *pgxpool.Pool) *PgStateStore {
	return &PgStateStore{pool: pool}
}

// HealthCheck pings the connection pool.
func (s *PgStateStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new workflow instance.
func (s *PgStateStore) Create(ctx context.Context, state model.WorkflowState) error {
	completed, metadata, err := encodeState(state)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, claim_id, template_id, status, current_step, progress,
			is_blocked, block_reason, blocked_step, block_message, assigned_to,
			completed_steps, metadata,
			started_at, last_activity, estimated_completion, completed_at, version,
			dispatching_step, dispatch_started_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13,
			$14, $15, $16, $17, $18,
			$19, $20
		)`,
		state.ID, state.ClaimID, state.TemplateID, state.Status, state.CurrentStep, state.Progress,
		state.IsBlocked, state.BlockReason, state.BlockedStep, state.BlockMessage, state.AssignedTo,
		completed, metadata,
		state.StartedAt, state.LastActivity, state.EstimatedCompletion, state.CompletedAt, state.Version,
		state.DispatchingStep, state.DispatchStartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q already exists", state.ID),
			)
		}
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgStateStore) Get(ctx context.Context, instanceID string) (model.WorkflowState, error) {
	state, err := scanState(s.pool.QueryRow(ctx, selectInstance+` WHERE id = $1`, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowState{}, model.NewInstanceNotFoundError(instanceID)
	}
	if err != nil {
		return model.WorkflowState{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return state, nil
}

// ApplyStepCompletion implements StateStore.
func (s *PgStateStore) ApplyStepCompletion(ctx context.Context, instanceID string, c StepCompletion) (model.WorkflowState, error) {
	return s.update(ctx, instanceID, c.apply)
}

// Mutate implements StateStore.
func (s *PgStateStore) Mutate(ctx context.Context, instanceID string, fn func(*model.WorkflowState) error) (model.WorkflowState, error) {
	return s.update(ctx, instanceID, func(state *model.WorkflowState) (bool, error) {
		if err := fn(state); err != nil {
			if errors.Is(err, ErrNoChange) {
				return false, nil
			}
			return false, err
		}
		state.Version++
		return true, nil
	})
}

// update loads the instance with a row lock, applies fn and writes the
// result back when fn reports a change. fn must bump the version itself.
func (s *PgStateStore) update(
	ctx context.Context,
	instanceID string,
	fn func(*model.WorkflowState) (bool, error),
) (model.WorkflowState, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.WorkflowState{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanState(tx.QueryRow(ctx, selectInstance+` WHERE id = $1 FOR UPDATE`, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowState{}, model.NewInstanceNotFoundError(instanceID)
	}
	if err != nil {
		return model.WorkflowState{}, fmt.Errorf("lock workflow instance: %w", err)
	}

	next := current.Clone()
	changed, err := fn(&next)
	if err != nil {
		return model.WorkflowState{}, err
	}
	if !changed {
		return current, nil
	}

	completed, metadata, err := encodeState(next)
	if err != nil {
		return model.WorkflowState{}, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			current_step = $2,
			progress = $3,
			is_blocked = $4,
			block_reason = $5,
			blocked_step = $6,
			block_message = $7,
			assigned_to = $8,
			completed_steps = $9,
			metadata = $10,
			last_activity = $11,
			estimated_completion = $12,
			completed_at = $13,
			version = $14,
			dispatching_step = $15,
			dispatch_started_at = $16
		WHERE id = $17 AND version = $18`,
		next.Status, next.CurrentStep, next.Progress,
		next.IsBlocked, next.BlockReason, next.BlockedStep, next.BlockMessage, next.AssignedTo,
		completed, metadata,
		next.LastActivity, next.EstimatedCompletion, next.CompletedAt, next.Version,
		next.DispatchingStep, next.DispatchStartedAt,
		next.ID, current.Version,
	)
	if err != nil {
		return model.WorkflowState{}, fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.WorkflowState{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", instanceID, current.Version),
		)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.WorkflowState{}, fmt.Errorf("commit workflow instance: %w", err)
	}
	return next, nil
}

// List implements StateStore.
func (s *PgStateStore) List(ctx context.Context, filters model.WorkflowFilters) ([]model.WorkflowState, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("status", filters.Status)
	add("template_id", filters.TemplateID)
	add("claim_id", filters.ClaimID)
	add("assigned_to", filters.AssignedTo)

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workflow_instances`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	offset, limit := normalizePage(filters)
	query := selectInstance + clause +
		fmt.Sprintf(" ORDER BY started_at DESC, id ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	states := []model.WorkflowState{}
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow instance: %w", err)
		}
		states = append(states, state)
	}
	return states, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (model.WorkflowState, error) {
	var (
		state     model.WorkflowState
		completed []byte
		metadata  []byte
	)
	err := row.Scan(
		&state.ID, &state.ClaimID, &state.TemplateID, &state.Status, &state.CurrentStep, &state.Progress,
		&state.IsBlocked, &state.BlockReason, &state.BlockedStep, &state.BlockMessage, &state.AssignedTo,
		&completed, &metadata,
		&state.StartedAt, &state.LastActivity, &state.EstimatedCompletion, &state.CompletedAt, &state.Version,
		&state.DispatchingStep, &state.DispatchStartedAt,
	)
	if err != nil {
		return model.WorkflowState{}, err
	}
	if err := json.Unmarshal(completed, &state.CompletedSteps); err != nil {
		return model.WorkflowState{}, fmt.Errorf("unmarshal completed steps: %w", err)
	}
	if err := json.Unmarshal(metadata, &state.Metadata); err != nil {
		return model.WorkflowState{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return state, nil
}

func encodeState(state model.WorkflowState) (completed, metadata []byte, err error) {
	steps := state.CompletedSteps
	if steps == nil {
		steps = []string{}
	}
	if completed, err = json.Marshal(steps); err != nil {
		return nil, nil, fmt.Errorf("marshal completed steps: %w", err)
	}
	if metadata, err = json.Marshal(state.Metadata); err != nil {
		return nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return completed, metadata, nil
}
