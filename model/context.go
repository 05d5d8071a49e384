package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Well-known roles.
const (
	RoleSystem = "system"
)

// ActorContext identifies who is driving an engine call. It is built by the
// transport layer from an already authenticated token and passed explicitly
// into every engine operation. The engine authorizes against Role but never
// authenticates.
type ActorContext struct {
	ActorID       string `json:"actor_id"`
	Role          string `json:"role"`
	DisplayName   string `json:"display_name,omitempty"`
	CorrelationID string `json:"-"`
}

// SystemActor is the actor recorded for steps completed by an agent.
func SystemActor(agentName string) ActorContext {
	return ActorContext{
		ActorID: "agent:" + agentName,
		Role:    RoleSystem,
	}
}

// Validate checks that all mandatory fields are present.
func (a ActorContext) Validate() error {
	var errs []error
	if a.ActorID == "" {
		errs = append(errs, fmt.Errorf("ActorID is required"))
	}
	if a.Role == "" {
		errs = append(errs, fmt.Errorf("Role is required"))
	}
	return errors.Join(errs...)
}

// HasRole reports whether the actor's role is one of roles.
func (a ActorContext) HasRole(roles ...string) bool {
	return slices.Contains(roles, a.Role)
}

// Satisfies reports whether the actor may act on a step gated by
// requiredRole. An empty requirement admits everyone.
func (a ActorContext) Satisfies(requiredRole []string) bool {
	if len(requiredRole) == 0 {
		return true
	}
	return a.HasRole(requiredRole...)
}

type contextKey struct{}

// WithActorContext attaches an ActorContext to the given context.
func WithActorContext(ctx context.Context, actor ActorContext) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

// ActorContextFrom extracts the ActorContext from the context.
func ActorContextFrom(ctx context.Context) (ActorContext, bool) {
	actor, ok := ctx.Value(contextKey{}).(ActorContext)
	return actor, ok
}
