package model

import "context"

// SnapshotProvider returns the business-entity snapshot associated with a
// claim. The engine reads it to assemble agent inputs and to evaluate step
// conditions; it never mutates it. Unknown claims yield an empty snapshot.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, claimID string) (map[string]any, error)
}
