package workflow

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/rcmflow/model"
)

// newTestPgStore connects to RCMFLOW_TEST_DATABASE_URL, applies the
// migrations and returns a store. The test is skipped when the variable is
// unset.
func newTestPgStore(t *testing.T) *PgStateStore {
	t.Helper()
	dsn := os.Getenv("RCMFLOW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RCMFLOW_TEST_DATABASE_URL not set")
	}
	if err := MigrateUp(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewPgStateStore(pool)
}

func TestPgStateStore_roundTrip(t *testing.T) {
	store := newTestPgStore(t)
	ctx := context.Background()
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	id := uuid.NewString()
	state := testState(id, "linear", "CLM-"+id)
	state.Metadata.Data["priority"] = "high"
	if err := store.Create(ctx, state); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, state); !model.HasCode(err, model.ErrConflict) {
		t.Fatalf("duplicate Create error = %v, want CONFLICT", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ClaimID != state.ClaimID || got.Metadata.Data["priority"] != "high" {
		t.Errorf("round trip = %+v", got)
	}

	next, err := store.ApplyStepCompletion(ctx, id, completion("A"))
	if err != nil {
		t.Fatalf("ApplyStepCompletion: %v", err)
	}
	if next.Version != 2 || len(next.CompletedSteps) != 1 {
		t.Errorf("after completion: version=%d completed=%v", next.Version, next.CompletedSteps)
	}

	blocked, err := store.Mutate(ctx, id, func(s *model.WorkflowState) error {
		s.Block("B", model.BlockManualHold, "hold")
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if !blocked.IsBlocked || blocked.Version != 3 {
		t.Errorf("after mutate: blocked=%v version=%d", blocked.IsBlocked, blocked.Version)
	}

	claimedAt := time.Now().UTC().Truncate(time.Microsecond)
	_, err = store.Mutate(ctx, id, func(s *model.WorkflowState) error {
		s.DispatchingStep = "B"
		s.DispatchStartedAt = &claimedAt
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate dispatch marker: %v", err)
	}
	got, _ = store.Get(ctx, id)
	if got.DispatchingStep != "B" || got.DispatchStartedAt == nil || !got.DispatchStartedAt.Equal(claimedAt) {
		t.Errorf("dispatch marker = %q at %v, want B at %v", got.DispatchingStep, got.DispatchStartedAt, claimedAt)
	}

	states, total, err := store.List(ctx, model.WorkflowFilters{ClaimID: state.ClaimID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(states) != 1 || states[0].ID != id {
		t.Errorf("List = %d/%v", total, states)
	}

	_, err = store.Get(ctx, uuid.NewString())
	if !model.HasCode(err, model.ErrInstanceNotFound) {
		t.Errorf("missing Get error = %v", err)
	}
}

func TestPgStateStore_concurrentCompletionAppliesOnce(t *testing.T) {
	store := newTestPgStore(t)
	ctx := context.Background()
	id := uuid.NewString()
	if err := store.Create(ctx, testState(id, "linear", "CLM-"+id)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ApplyStepCompletion(ctx, id, completion("A")); err != nil {
				t.Errorf("ApplyStepCompletion: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, id)
	if len(got.CompletedSteps) != 1 || got.Version != 2 {
		t.Errorf("completed=%v version=%d, want [A]/2", got.CompletedSteps, got.Version)
	}
}
