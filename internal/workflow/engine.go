package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/rcmflow/internal/automation"
	"github.com/pitabwire/rcmflow/internal/config"
	"github.com/pitabwire/rcmflow/internal/definition"
	"github.com/pitabwire/rcmflow/internal/evaluator"
	"github.com/pitabwire/rcmflow/internal/notify"
	"github.com/pitabwire/rcmflow/internal/observability"
	"github.com/pitabwire/rcmflow/model"
)

const (
	defaultChainLimit    = 25
	defaultDispatchLease = 10 * time.Minute
)

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	templates  *definition.Registry
	store      StateStore
	dispatcher *automation.Dispatcher
	snapshots  model.SnapshotProvider
	sink       notify.Sink
	metrics    *observability.Metrics
	logger     *zap.Logger
	chainLimit int
	lease      time.Duration
	escalation config.EscalationConfig
	adminRoles []string

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSnapshots sets the provider of claim snapshots used when evaluating
// step conditions and assembling agent input.
func WithSnapshots(p model.SnapshotProvider) Option {
	return func(e *Engine) { e.snapshots = p }
}

// WithSink sets the sink that receives state change events.
func WithSink(s notify.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithChainLimit bounds the number of automated steps executed back to back.
func WithChainLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chainLimit = n
		}
	}
}

// WithDispatchLease bounds how long an in-flight agent call keeps other
// callers from dispatching on the same instance. A marker older than the
// lease is treated as abandoned and may be taken over.
func WithDispatchLease(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lease = d
		}
	}
}

// WithEscalation sets the supervisory roles and assignee.
func WithEscalation(cfg config.EscalationConfig) Option {
	return func(e *Engine) { e.escalation = cfg }
}

// WithAdminRoles sets the roles allowed to abandon instances.
func WithAdminRoles(roles ...string) Option {
	return func(e *Engine) { e.adminRoles = roles }
}

// NewEngine creates a new workflow engine.
func NewEngine(
	templates *definition.Registry,
	store StateStore,
	dispatcher *automation.Dispatcher,
	opts ...Option,
) *Engine {
	e := &Engine{
		templates:  templates,
		store:      store,
		dispatcher: dispatcher,
		logger:     zap.NewNop(),
		chainLimit: defaultChainLimit,
		lease:      defaultDispatchLease,
		escalation: config.EscalationConfig{
			Roles:    []string{"billing_manager", "admin"},
			Assignee: "billing_manager",
		},
		adminRoles: []string{"admin"},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartOption configures a new instance.
type StartOption func(*startOptions)

type startOptions struct {
	data     map[string]any
	assignee string
}

// WithInitialData seeds the working data of the instance.
func WithInitialData(data map[string]any) StartOption {
	return func(o *startOptions) { o.data = data }
}

// WithAssignee assigns the instance on creation.
func WithAssignee(assignee string) StartOption {
	return func(o *startOptions) { o.assignee = assignee }
}

// Start creates a new workflow instance for claimID and runs its leading
// automated steps. When those fail after the instance was persisted, the
// stored instance is returned together with the error.
func (e *Engine) Start(
	ctx context.Context,
	actor model.ActorContext,
	templateID string,
	claimID string,
	opts ...StartOption,
) (state model.WorkflowState, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrTemplateID.String(templateID),
		observability.AttrClaimID.String(claimID),
		observability.AttrActorID.String(actor.ActorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := actor.Validate(); err != nil {
		return model.WorkflowState{}, model.NewBadRequestError(err.Error())
	}
	if claimID == "" {
		return model.WorkflowState{}, model.NewBadRequestError("claim id is required")
	}
	tpl, err := e.templates.GetTemplate(templateID)
	if err != nil {
		return model.WorkflowState{}, err
	}

	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}

	snapshot, err := e.snapshot(ctx, claimID)
	if err != nil {
		return model.WorkflowState{}, err
	}

	now := e.now().UTC()
	state = model.WorkflowState{
		ID:             uuid.NewString(),
		ClaimID:        claimID,
		TemplateID:     templateID,
		Status:         model.StatusNotStarted,
		CompletedSteps: []string{},
		AssignedTo:     so.assignee,
		Metadata:       model.NewWorkflowMetadata(),
		StartedAt:      now,
		LastActivity:   now,
		Version:        1,
	}
	state.Metadata.MergeData(so.data)
	state.AppendInteraction(model.UserInteraction{
		Action:    model.ActionStarted,
		ActorID:   actor.ActorID,
		Role:      actor.Role,
		Timestamp: now,
		Data:      model.CloneMap(so.data),
	})
	if err := transition(&state, model.StatusRunning); err != nil {
		return model.WorkflowState{}, err
	}
	e.recompute(&state, tpl, snapshot, now)

	if err := e.store.Create(ctx, state); err != nil {
		return model.WorkflowState{}, err
	}
	e.metrics.RecordWorkflowStart(templateID)
	if state.Status == model.StatusCompleted {
		e.metrics.RecordWorkflowCompletion(templateID, model.StatusCompleted)
	}
	e.publish(ctx, state)

	e.log(ctx).Info("workflow started",
		zap.String("instance_id", state.ID),
		zap.String("template_id", templateID),
		zap.String("claim_id", claimID),
		zap.String("current_step", state.CurrentStep),
	)

	step, ok := tpl.Step(state.CurrentStep)
	if !ok || !step.IsAutomated() {
		return state, nil
	}
	// The instance exists from here on; failures return it with the error.
	next, err := e.executeAutomated(ctx, tpl, state, step)
	if err == nil {
		next, err = e.chain(ctx, tpl, next, 1)
	}
	if err != nil {
		e.log(ctx).Error("leading automation failed",
			zap.String("instance_id", state.ID),
			zap.String("step_id", step.ID),
			zap.Error(err),
		)
		return e.latest(ctx, state), err
	}
	return next, nil
}

// latest returns the stored form of state, or state itself when the store
// cannot be read.
func (e *Engine) latest(ctx context.Context, state model.WorkflowState) model.WorkflowState {
	stored, err := e.store.Get(context.WithoutCancel(ctx), state.ID)
	if err != nil {
		return state
	}
	return stored
}

// CompleteStep records completion of stepID by actor. Completing an already
// completed step returns the instance unchanged.
func (e *Engine) CompleteStep(
	ctx context.Context,
	actor model.ActorContext,
	instanceID string,
	stepID string,
	data map[string]any,
	comment string,
) (state model.WorkflowState, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.complete_step",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStepID.String(stepID),
		observability.AttrActorID.String(actor.ActorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	return e.completeByActor(ctx, actor, instanceID, stepID, model.ActionCompleted, data, comment)
}

// SkipStep marks an optional step as done without output.
func (e *Engine) SkipStep(
	ctx context.Context,
	actor model.ActorContext,
	instanceID string,
	stepID string,
	comment string,
) (state model.WorkflowState, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.skip_step",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStepID.String(stepID),
		observability.AttrActorID.String(actor.ActorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	return e.completeByActor(ctx, actor, instanceID, stepID, model.ActionSkipped, nil, comment)
}

func (e *Engine) completeByActor(
	ctx context.Context,
	actor model.ActorContext,
	instanceID string,
	stepID string,
	action string,
	data map[string]any,
	comment string,
) (model.WorkflowState, error) {
	if err := actor.Validate(); err != nil {
		return model.WorkflowState{}, model.NewBadRequestError(err.Error())
	}
	current, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	tpl, err := e.templates.GetTemplate(current.TemplateID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	step, known := tpl.Step(stepID)
	if action == model.ActionSkipped && known && step.Required && !current.HasCompleted(stepID) {
		return model.WorkflowState{}, model.NewStepRequiredError(stepID)
	}
	snapshot, err := e.snapshot(ctx, current.ClaimID)
	if err != nil {
		return model.WorkflowState{}, err
	}

	now := e.now().UTC()
	applied := false
	state, err := e.store.ApplyStepCompletion(ctx, instanceID, StepCompletion{
		StepID:  stepID,
		Action:  action,
		Actor:   actor,
		Data:    data,
		Comment: comment,
		At:      now,
		Check: func(s model.WorkflowState) error {
			if err := checkActive(s, tpl, stepID, snapshot); err != nil {
				return err
			}
			if s.DispatchingStep == stepID && s.DispatchHeld(now, e.lease) {
				return model.NewConflictError(
					fmt.Sprintf("step %q is being executed by agent %q", stepID, step.AgentInvolved),
				)
			}
			if !actor.Satisfies(step.RequiredRole) {
				return model.NewInsufficientRoleError(stepID, actor.Role)
			}
			return nil
		},
		Recompute: func(s *model.WorkflowState) {
			applied = true
			e.recompute(s, tpl, snapshot, now)
		},
	})
	if err != nil {
		return model.WorkflowState{}, err
	}
	if !applied {
		return state, nil
	}
	e.afterCompletion(ctx, tpl, state, stepID, action)
	return e.chain(ctx, tpl, state, 0)
}

// ExecuteStep runs an active automated step on demand. It serves steps that
// did not chain because more than one branch was active.
func (e *Engine) ExecuteStep(
	ctx context.Context,
	actor model.ActorContext,
	instanceID string,
	stepID string,
) (state model.WorkflowState, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.execute_step",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStepID.String(stepID),
		observability.AttrActorID.String(actor.ActorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := actor.Validate(); err != nil {
		return model.WorkflowState{}, model.NewBadRequestError(err.Error())
	}
	state, err = e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	tpl, err := e.templates.GetTemplate(state.TemplateID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	step, ok := tpl.Step(stepID)
	if !ok {
		return model.WorkflowState{}, model.NewStepNotActiveError(stepID, model.StepBlocked)
	}
	if !step.IsAutomated() {
		return model.WorkflowState{}, model.NewBadRequestError(
			fmt.Sprintf("step %q is not automated", stepID),
		)
	}
	snapshot, err := e.snapshot(ctx, state.ClaimID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	if err := checkActive(state, tpl, stepID, snapshot); err != nil {
		return model.WorkflowState{}, err
	}
	if !actor.Satisfies(step.RequiredRole) {
		return model.WorkflowState{}, model.NewInsufficientRoleError(stepID, actor.Role)
	}

	state, err = e.executeAutomated(ctx, tpl, state, step)
	if err != nil {
		return model.WorkflowState{}, err
	}
	return e.chain(ctx, tpl, state, 0)
}

// Recover resolves a blocked instance by retrying the blocked step,
// overriding it with human supplied data, or escalating it.
func (e *Engine) Recover(
	ctx context.Context,
	actor model.ActorContext,
	instanceID string,
	req model.RecoveryRequest,
) (state model.WorkflowState, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.recover",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActorID.String(actor.ActorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := actor.Validate(); err != nil {
		return model.WorkflowState{}, model.NewBadRequestError(err.Error())
	}
	switch req.Action {
	case model.RecoverRetry, model.RecoverOverride, model.RecoverEscalate:
	default:
		return model.WorkflowState{}, model.NewInvalidRecoveryActionError(req.Action)
	}

	state, err = e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	if state.Status != model.StatusBlocked {
		if model.IsTerminal(state.Status) {
			return model.WorkflowState{}, model.NewInstanceClosedError(instanceID, state.Status)
		}
		return model.WorkflowState{}, model.NewInstanceNotBlockedError(instanceID)
	}
	tpl, err := e.templates.GetTemplate(state.TemplateID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	step, _ := tpl.Step(state.BlockedStep)

	if req.Action != model.RecoverEscalate {
		elevated := actor.HasRole(e.escalation.Roles...)
		if state.BlockReason == model.BlockPermissionDenied && !elevated {
			return model.WorkflowState{}, model.NewInsufficientRoleError(step.ID, actor.Role)
		}
		if !elevated && !actor.Satisfies(step.RequiredRole) {
			return model.WorkflowState{}, model.NewInsufficientRoleError(step.ID, actor.Role)
		}
	}

	e.log(ctx).Info("recovering blocked workflow",
		zap.String("instance_id", instanceID),
		zap.String("step_id", step.ID),
		zap.String("block_reason", state.BlockReason),
		zap.String("action", req.Action),
	)

	switch req.Action {
	case model.RecoverRetry:
		state, err = e.retry(ctx, actor, tpl, step, instanceID, req.Comment)
	case model.RecoverOverride:
		state, err = e.override(ctx, actor, tpl, step, instanceID, req)
	default:
		state, err = e.escalateBlocked(ctx, actor, tpl, step, instanceID, req.Comment)
	}
	if err != nil {
		return model.WorkflowState{}, err
	}
	e.metrics.RecordRecovery(tpl.ID, req.Action)
	return state, nil
}

func (e *Engine) retry(
	ctx context.Context,
	actor model.ActorContext,
	tpl model.WorkflowTemplate,
	step model.StepDefinition,
	instanceID string,
	comment string,
) (model.WorkflowState, error) {
	now := e.now().UTC()
	state, err := e.store.Mutate(ctx, instanceID, func(s *model.WorkflowState) error {
		if s.Status != model.StatusBlocked || s.BlockedStep != step.ID {
			return model.NewInstanceNotBlockedError(s.ID)
		}
		if err := transition(s, model.StatusRunning); err != nil {
			return err
		}
		s.Unblock()
		s.AppendInteraction(model.UserInteraction{
			StepID:    step.ID,
			Action:    model.ActionRetried,
			ActorID:   actor.ActorID,
			Role:      actor.Role,
			Timestamp: now,
			Comment:   comment,
		})
		s.LastActivity = now
		return nil
	})
	if err != nil {
		return model.WorkflowState{}, err
	}
	e.publish(ctx, state)

	if !step.IsAutomated() {
		return e.chain(ctx, tpl, state, 0)
	}
	state, err = e.executeAutomated(ctx, tpl, state, step)
	if err != nil {
		return model.WorkflowState{}, err
	}
	return e.chain(ctx, tpl, state, 0)
}

func (e *Engine) override(
	ctx context.Context,
	actor model.ActorContext,
	tpl model.WorkflowTemplate,
	step model.StepDefinition,
	instanceID string,
	req model.RecoveryRequest,
) (model.WorkflowState, error) {
	current, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	snapshot, err := e.snapshot(ctx, current.ClaimID)
	if err != nil {
		return model.WorkflowState{}, err
	}

	now := e.now().UTC()
	applied := false
	state, err := e.store.ApplyStepCompletion(ctx, instanceID, StepCompletion{
		StepID:  step.ID,
		Action:  model.ActionOverridden,
		Actor:   actor,
		Data:    req.Data,
		Comment: req.Comment,
		At:      now,
		Check: func(s model.WorkflowState) error {
			if s.Status != model.StatusBlocked || s.BlockedStep != step.ID {
				return model.NewInstanceNotBlockedError(s.ID)
			}
			return nil
		},
		Recompute: func(s *model.WorkflowState) {
			applied = true
			s.Unblock()
			e.recompute(s, tpl, snapshot, now)
		},
	})
	if err != nil {
		return model.WorkflowState{}, err
	}
	if !applied {
		return state, nil
	}
	e.afterCompletion(ctx, tpl, state, step.ID, model.ActionOverridden)
	return e.chain(ctx, tpl, state, 0)
}

func (e *Engine) escalateBlocked(
	ctx context.Context,
	actor model.ActorContext,
	tpl model.WorkflowTemplate,
	step model.StepDefinition,
	instanceID string,
	comment string,
) (model.WorkflowState, error) {
	now := e.now().UTC()
	state, err := e.store.Mutate(ctx, instanceID, func(s *model.WorkflowState) error {
		if s.Status != model.StatusBlocked {
			return model.NewInstanceNotBlockedError(s.ID)
		}
		e.escalate(s, step.ID, actor, comment, now)
		return nil
	})
	if err != nil {
		return model.WorkflowState{}, err
	}
	e.metrics.RecordStep(tpl.ID, step.ID, model.ActionEscalated)
	e.publish(ctx, state)
	return state, nil
}

// Abandon closes an instance administratively. Only admin roles may abandon.
func (e *Engine) Abandon(
	ctx context.Context,
	actor model.ActorContext,
	instanceID string,
	reason string,
) (state model.WorkflowState, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.abandon",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActorID.String(actor.ActorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := actor.Validate(); err != nil {
		return model.WorkflowState{}, model.NewBadRequestError(err.Error())
	}
	if !actor.HasRole(e.adminRoles...) {
		return model.WorkflowState{}, model.NewForbiddenError(
			fmt.Sprintf("role %q may not abandon workflows", actor.Role),
		)
	}

	now := e.now().UTC()
	state, err = e.store.Mutate(ctx, instanceID, func(s *model.WorkflowState) error {
		if model.IsTerminal(s.Status) {
			return model.NewInstanceClosedError(s.ID, s.Status)
		}
		if err := transition(s, model.StatusAbandoned); err != nil {
			return err
		}
		s.IsBlocked = false
		completedAt := now
		s.CompletedAt = &completedAt
		s.LastActivity = now
		s.AppendInteraction(model.UserInteraction{
			StepID:    s.CurrentStep,
			Action:    model.ActionAbandoned,
			ActorID:   actor.ActorID,
			Role:      actor.Role,
			Timestamp: now,
			Comment:   reason,
		})
		return nil
	})
	if err != nil {
		return model.WorkflowState{}, err
	}

	e.metrics.RecordWorkflowCompletion(state.TemplateID, model.StatusAbandoned)
	e.publish(ctx, state)
	e.log(ctx).Info("workflow abandoned",
		zap.String("instance_id", instanceID),
		zap.String("reason", reason),
	)
	return state, nil
}

// Get returns the resolved view of an instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.WorkflowView, error) {
	state, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowView{}, err
	}
	tpl, err := e.templates.GetTemplate(state.TemplateID)
	if err != nil {
		return model.WorkflowView{}, err
	}
	snapshot, err := e.snapshot(ctx, state.ClaimID)
	if err != nil {
		return model.WorkflowView{}, err
	}

	env := evaluator.NewEnv(state, snapshot)
	view := model.WorkflowView{
		WorkflowState:    state,
		TemplateName:     tpl.Name,
		Steps:            evaluator.StepViews(state.CompletedSteps, tpl, env),
		NextSteps:        []string{},
		RemainingMinutes: evaluator.RemainingMinutes(state.CompletedSteps, tpl, env),
	}
	if !model.IsTerminal(state.Status) {
		view.NextSteps = evaluator.NextStepIDs(state.CompletedSteps, tpl, env)
	}
	if state.IsBlocked {
		for i := range view.Steps {
			if view.Steps[i].ID == state.BlockedStep {
				view.Steps[i].Status = model.StepBlocked
			}
		}
		view.RecoveryActions = []string{model.RecoverRetry, model.RecoverOverride, model.RecoverEscalate}
	}
	return view, nil
}

// List returns instance summaries matching filters along with the total
// number of matches.
func (e *Engine) List(ctx context.Context, filters model.WorkflowFilters) ([]model.WorkflowSummary, int, error) {
	states, total, err := e.store.List(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	summaries := make([]model.WorkflowSummary, len(states))
	for i, s := range states {
		summaries[i] = s.Summary()
	}
	return summaries, total, nil
}

// chain keeps executing while exactly one step is next and it is automated.
// It stops while another caller has an agent call in flight. depth counts the
// automated steps already run in this call.
func (e *Engine) chain(
	ctx context.Context,
	tpl model.WorkflowTemplate,
	state model.WorkflowState,
	depth int,
) (model.WorkflowState, error) {
	for ; state.Status == model.StatusRunning; depth++ {
		if state.DispatchHeld(e.now().UTC(), e.lease) {
			return state, nil
		}
		snapshot, err := e.snapshot(ctx, state.ClaimID)
		if err != nil {
			return model.WorkflowState{}, err
		}
		next := evaluator.GetNextSteps(state.CompletedSteps, tpl, evaluator.NewEnv(state, snapshot))
		if len(next) != 1 || !next[0].IsAutomated() {
			return state, nil
		}
		if depth >= e.chainLimit {
			return e.holdChain(ctx, tpl, state.ID, next[0])
		}
		state, err = e.executeAutomated(ctx, tpl, state, next[0])
		if err != nil {
			return model.WorkflowState{}, err
		}
	}
	return state, nil
}

func (e *Engine) holdChain(
	ctx context.Context,
	tpl model.WorkflowTemplate,
	instanceID string,
	step model.StepDefinition,
) (model.WorkflowState, error) {
	msg := fmt.Sprintf("automation chain limit of %d reached", e.chainLimit)
	e.log(ctx).Warn(msg,
		zap.String("instance_id", instanceID),
		zap.String("step_id", step.ID),
	)
	return e.block(ctx, tpl, instanceID, step, model.BlockManualHold, msg, nil, model.ActorContext{
		ActorID: model.RoleSystem,
		Role:    model.RoleSystem,
	})
}

// executeAutomated dispatches the agent of step outside the instance lock and
// re-enters the store with the outcome. The agent is only called once the
// step is claimed on the stored instance; when another caller holds the
// claim the current state is returned untouched.
func (e *Engine) executeAutomated(
	ctx context.Context,
	tpl model.WorkflowTemplate,
	state model.WorkflowState,
	step model.StepDefinition,
) (result model.WorkflowState, err error) {
	actor := model.ActorContext{ActorID: model.RoleSystem, Role: model.RoleSystem}
	if step.AgentInvolved == "" {
		return e.completeAutomated(ctx, tpl, state, step, actor, automation.Outcome{})
	}

	ctx, span := observability.StartSpan(ctx, "workflow.automation",
		observability.AttrInstanceID.String(state.ID),
		observability.AttrStepID.String(step.ID),
		observability.AttrAgent.String(step.AgentInvolved),
	)
	defer span.End()

	snapshot, err := e.snapshot(ctx, state.ClaimID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	state, claimedAt, err := e.claimDispatch(ctx, tpl, state.ID, step, snapshot)
	if err != nil || claimedAt.IsZero() {
		return state, err
	}
	defer func() {
		if err == nil && result.DispatchingStep != step.ID {
			return
		}
		released, rerr := e.releaseDispatch(context.WithoutCancel(ctx), state.ID, step.ID, claimedAt)
		if rerr != nil {
			e.log(ctx).Warn("release dispatch claim failed",
				zap.String("instance_id", state.ID),
				zap.String("step_id", step.ID),
				zap.Error(rerr),
			)
			return
		}
		if err == nil {
			result = released
		}
	}()

	input := model.AgentInput{
		InstanceID:  state.ID,
		TemplateID:  state.TemplateID,
		ClaimID:     state.ClaimID,
		StepID:      step.ID,
		Attempt:     priorAttempts(state, step.ID),
		Claim:       snapshot,
		Data:        model.CloneMap(state.Metadata.Data),
		StepResults: cloneStepResults(state.Metadata.StepResults),
	}
	outcome := e.dispatcher.Dispatch(ctx, step.AgentInvolved, input)
	agent := model.SystemActor(step.AgentInvolved)

	if !outcome.Succeeded() {
		span.SetAttributes(observability.AttrOutcome.String(string(outcome.Class)))
		return e.block(ctx, tpl, state.ID, step, outcome.Class.BlockReason(), outcome.Message, outcome.Runs, agent)
	}
	span.SetAttributes(observability.AttrOutcome.String(model.AgentSuccess))
	return e.completeAutomated(ctx, tpl, state, step, agent, outcome)
}

// claimDispatch marks step as in flight on the stored instance. A zero
// claim time means the step was not claimed: it is no longer active or
// another agent call on the instance is still within its lease.
func (e *Engine) claimDispatch(
	ctx context.Context,
	tpl model.WorkflowTemplate,
	instanceID string,
	step model.StepDefinition,
	snapshot map[string]any,
) (model.WorkflowState, time.Time, error) {
	// Stores keep timestamps at microsecond precision; releaseDispatch
	// compares against the stored value.
	now := e.now().UTC().Truncate(time.Microsecond)
	claimed := false
	state, err := e.store.Mutate(ctx, instanceID, func(s *model.WorkflowState) error {
		if err := checkActive(*s, tpl, step.ID, snapshot); err != nil {
			return err
		}
		if s.DispatchHeld(now, e.lease) {
			return ErrNoChange
		}
		s.DispatchingStep = step.ID
		started := now
		s.DispatchStartedAt = &started
		claimed = true
		return nil
	})
	if err != nil {
		if isConcurrentChange(err) {
			e.log(ctx).Info("automation skipped after concurrent change",
				zap.String("instance_id", instanceID),
				zap.String("step_id", step.ID),
				zap.Error(err),
			)
			state, err = e.store.Get(ctx, instanceID)
			return state, time.Time{}, err
		}
		return model.WorkflowState{}, time.Time{}, err
	}
	if !claimed {
		e.log(ctx).Info("automation already in flight",
			zap.String("instance_id", instanceID),
			zap.String("step_id", step.ID),
			zap.String("dispatching_step", state.DispatchingStep),
		)
		return state, time.Time{}, nil
	}
	return state, now, nil
}

// releaseDispatch drops a claim taken at claimedAt that the outcome did not
// clear. A claim taken over by another caller is left alone.
func (e *Engine) releaseDispatch(ctx context.Context, instanceID, stepID string, claimedAt time.Time) (model.WorkflowState, error) {
	return e.store.Mutate(ctx, instanceID, func(s *model.WorkflowState) error {
		if s.DispatchingStep != stepID || s.DispatchStartedAt == nil || !s.DispatchStartedAt.Equal(claimedAt) {
			return ErrNoChange
		}
		s.ClearDispatch(stepID)
		return nil
	})
}

func (e *Engine) completeAutomated(
	ctx context.Context,
	tpl model.WorkflowTemplate,
	state model.WorkflowState,
	step model.StepDefinition,
	actor model.ActorContext,
	outcome automation.Outcome,
) (model.WorkflowState, error) {
	// The agent may have updated the claim while it ran.
	snapshot, err := e.snapshot(ctx, state.ClaimID)
	if err != nil {
		return model.WorkflowState{}, err
	}

	now := e.now().UTC()
	applied := false
	next, err := e.store.ApplyStepCompletion(ctx, state.ID, StepCompletion{
		StepID: step.ID,
		Action: model.ActionAutomationSucceeded,
		Actor:  actor,
		Data:   outcome.Result.Data,
		At:     now,
		Check: func(s model.WorkflowState) error {
			return checkActive(s, tpl, step.ID, snapshot)
		},
		Recompute: func(s *model.WorkflowState) {
			applied = true
			s.ClearDispatch(step.ID)
			s.Metadata.AgentRuns = append(s.Metadata.AgentRuns, outcome.Runs...)
			recordExtension(s, step.AgentInvolved, outcome.Result)
			e.recompute(s, tpl, snapshot, now)
		},
	})
	if err != nil {
		if isConcurrentChange(err) {
			e.log(ctx).Info("automation result discarded after concurrent change",
				zap.String("instance_id", state.ID),
				zap.String("step_id", step.ID),
				zap.Error(err),
			)
			return e.store.Get(ctx, state.ID)
		}
		return model.WorkflowState{}, err
	}
	if applied {
		e.afterCompletion(ctx, tpl, next, step.ID, model.ActionAutomationSucceeded)
	}
	return next, nil
}

// block moves the instance into Blocked on step. Permission failures are
// escalated in the same mutation.
func (e *Engine) block(
	ctx context.Context,
	tpl model.WorkflowTemplate,
	instanceID string,
	step model.StepDefinition,
	reason string,
	message string,
	runs []model.AgentRun,
	actor model.ActorContext,
) (model.WorkflowState, error) {
	now := e.now().UTC()
	blocked := false
	state, err := e.store.Mutate(ctx, instanceID, func(s *model.WorkflowState) error {
		if s.Status != model.StatusRunning || s.HasCompleted(step.ID) {
			return ErrNoChange
		}
		if err := transition(s, model.StatusBlocked); err != nil {
			return err
		}
		s.ClearDispatch(step.ID)
		s.Metadata.AgentRuns = append(s.Metadata.AgentRuns, runs...)
		s.Block(step.ID, reason, message)
		s.CurrentStep = step.ID
		s.AppendInteraction(model.UserInteraction{
			StepID:    step.ID,
			Action:    model.ActionBlocked,
			ActorID:   actor.ActorID,
			Role:      actor.Role,
			Timestamp: now,
			Comment:   message,
			Data: map[string]any{
				"reason":   reason,
				"attempts": len(runs),
			},
		})
		if reason == model.BlockPermissionDenied {
			e.escalate(s, step.ID, actor, message, now)
		}
		s.LastActivity = now
		blocked = true
		return nil
	})
	if err != nil {
		return model.WorkflowState{}, err
	}
	if !blocked {
		return state, nil
	}

	e.metrics.RecordBlock(tpl.ID, reason)
	e.publish(ctx, state)
	e.log(ctx).Warn("workflow blocked",
		zap.String("instance_id", instanceID),
		zap.String("step_id", step.ID),
		zap.String("reason", reason),
		zap.String("message", message),
	)
	return state, nil
}

func (e *Engine) escalate(s *model.WorkflowState, stepID string, actor model.ActorContext, comment string, now time.Time) {
	s.AssignedTo = e.escalation.Assignee
	s.LastActivity = now
	s.AppendInteraction(model.UserInteraction{
		StepID:    stepID,
		Action:    model.ActionEscalated,
		ActorID:   actor.ActorID,
		Role:      actor.Role,
		Timestamp: now,
		Comment:   comment,
		Data:      map[string]any{"assigned_to": e.escalation.Assignee},
	})
}

// recompute refreshes the derived fields of s after its completed set or
// working data changed.
func (e *Engine) recompute(s *model.WorkflowState, tpl model.WorkflowTemplate, snapshot map[string]any, now time.Time) {
	env := evaluator.NewEnv(*s, snapshot)
	s.Progress = evaluator.CalculateProgress(s.CompletedSteps, tpl, env)
	s.EstimatedCompletion = now.Add(
		time.Duration(evaluator.RemainingMinutes(s.CompletedSteps, tpl, env)) * time.Minute,
	)

	next := evaluator.GetNextSteps(s.CompletedSteps, tpl, env)
	if len(next) > 0 {
		s.CurrentStep = next[0].ID
		return
	}
	s.CurrentStep = model.CurrentStepCompleted
	if s.Status == model.StatusRunning {
		s.Status = model.StatusCompleted
		completedAt := now
		s.CompletedAt = &completedAt
	}
}

func (e *Engine) afterCompletion(ctx context.Context, tpl model.WorkflowTemplate, state model.WorkflowState, stepID, action string) {
	e.metrics.RecordStep(tpl.ID, stepID, action)
	if state.Status == model.StatusCompleted {
		e.metrics.RecordWorkflowCompletion(tpl.ID, model.StatusCompleted)
		e.log(ctx).Info("workflow completed", zap.String("instance_id", state.ID))
	}
	e.publish(ctx, state)
}

// publish emits a state change event. Sink failures never fail the caller.
func (e *Engine) publish(ctx context.Context, state model.WorkflowState) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, model.NewStateChangedEvent(state, e.now().UTC())); err != nil {
		e.metrics.RecordEventPublished("error")
		e.log(ctx).Warn("publish state change failed",
			zap.String("instance_id", state.ID),
			zap.Error(err),
		)
		return
	}
	e.metrics.RecordEventPublished("ok")
}

func (e *Engine) snapshot(ctx context.Context, claimID string) (map[string]any, error) {
	if e.snapshots == nil {
		return map[string]any{}, nil
	}
	snap, err := e.snapshots.Snapshot(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("load claim snapshot %s: %w", claimID, err)
	}
	if snap == nil {
		snap = map[string]any{}
	}
	return snap, nil
}

func (e *Engine) log(ctx context.Context) *zap.Logger {
	return observability.ActorLogger(ctx, e.logger)
}

// checkActive rejects completions of closed or blocked instances and of steps
// that are not currently active.
func checkActive(s model.WorkflowState, tpl model.WorkflowTemplate, stepID string, snapshot map[string]any) error {
	switch {
	case model.IsTerminal(s.Status):
		return model.NewInstanceClosedError(s.ID, s.Status)
	case s.Status == model.StatusBlocked:
		return model.NewInstanceBlockedError(s.ID, s.BlockReason)
	}
	status := evaluator.GetStepStatus(stepID, s.CompletedSteps, tpl, evaluator.NewEnv(s, snapshot))
	if status != model.StepActive {
		return model.NewStepNotActiveError(stepID, status)
	}
	return nil
}

func transition(s *model.WorkflowState, to string) error {
	if !model.CanTransition(s.Status, to) {
		return model.NewInvalidTransitionError(s.Status, to)
	}
	s.Status = to
	return nil
}

func isConcurrentChange(err error) bool {
	return model.HasCode(err, model.ErrInstanceClosed) ||
		model.HasCode(err, model.ErrInstanceBlocked) ||
		model.HasCode(err, model.ErrStepNotActive)
}

func priorAttempts(s model.WorkflowState, stepID string) int {
	n := 0
	for _, r := range s.Metadata.AgentRuns {
		if r.StepID == stepID {
			n++
		}
	}
	return n
}

func recordExtension(s *model.WorkflowState, agent string, res model.AgentResult) {
	if agent == "" || (len(res.Extension) == 0 && res.RunID == "") {
		return
	}
	ext := model.CloneMap(res.Extension)
	if ext == nil {
		ext = map[string]any{}
	}
	if res.RunID != "" {
		ext["run_id"] = res.RunID
	}
	if s.Metadata.Extensions == nil {
		s.Metadata.Extensions = map[string]any{}
	}
	s.Metadata.Extensions[agent] = ext
}

func cloneStepResults(results map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(results))
	for k, v := range results {
		out[k] = model.CloneMap(v)
	}
	return out
}
