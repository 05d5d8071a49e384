// Package claims provides read access to the claim snapshots that step
// conditions and agents consume.
package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/rcmflow/model"
)

// MemoryProvider keeps snapshots in memory. Callers always receive copies.
type MemoryProvider struct {
	mu        sync.RWMutex
	snapshots map[string]map[string]any
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{snapshots: make(map[string]map[string]any)}
}

// Put stores the snapshot of claimID, replacing any previous one.
func (p *MemoryProvider) Put(claimID string, snapshot map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[claimID] = model.CloneMap(snapshot)
}

// Snapshot implements model.SnapshotProvider. Unknown claims yield an empty
// snapshot.
func (p *MemoryProvider) Snapshot(_ context.Context, claimID string) (map[string]any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.snapshots[claimID]
	if !ok {
		return map[string]any{}, nil
	}
	return model.CloneMap(snap), nil
}

// Len returns the number of stored snapshots.
func (p *MemoryProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.snapshots)
}

// seedFile is the layout of a snapshot seed file.
type seedFile struct {
	Claims map[string]map[string]any `yaml:"claims"`
}

// LoadSeedFile reads claim snapshots from a YAML file of the form
//
//	claims:
//	  CLM-1:
//	    insurance: {status: active}
func (p *MemoryProvider) LoadSeedFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for id, snap := range f.Claims {
		p.Put(id, snap)
	}
	return len(f.Claims), nil
}

// PgProvider reads snapshots from the claim_snapshots table.
type PgProvider struct {
	pool *pgxpool.Pool
}

// NewPgProvider creates a PostgreSQL-backed provider.
func NewPgProvider(pool *pgxpool.Pool) *PgProvider {
	return &PgProvider{pool: pool}
}

// Snapshot implements model.SnapshotProvider.
func (p *PgProvider) Snapshot(ctx context.Context, claimID string) (map[string]any, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT snapshot FROM claim_snapshots WHERE claim_id = $1`, claimID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query claim snapshot: %w", err)
	}
	snap := map[string]any{}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal claim snapshot: %w", err)
	}
	return snap, nil
}

// Put upserts the snapshot of claimID.
func (p *PgProvider) Put(ctx context.Context, claimID string, snapshot map[string]any) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal claim snapshot: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO claim_snapshots (claim_id, snapshot, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (claim_id) DO UPDATE
		SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`,
		claimID, raw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert claim snapshot: %w", err)
	}
	return nil
}
