package claims

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProvider_unknownClaim(t *testing.T) {
	p := NewMemoryProvider()

	snap, err := p.Snapshot(context.Background(), "CLM-404")
	require.NoError(t, err)
	assert.NotNil(t, snap)
	assert.Empty(t, snap)
}

func TestMemoryProvider_returnsCopies(t *testing.T) {
	p := NewMemoryProvider()
	in := map[string]any{
		"insurance": map[string]any{"status": "active"},
	}
	p.Put("CLM-1", in)

	// Mutating the caller's map must not leak into the store.
	in["insurance"].(map[string]any)["status"] = "inactive"

	snap, err := p.Snapshot(context.Background(), "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, "active", snap["insurance"].(map[string]any)["status"])

	snap["insurance"].(map[string]any)["status"] = "terminated"
	again, _ := p.Snapshot(context.Background(), "CLM-1")
	assert.Equal(t, "active", again["insurance"].(map[string]any)["status"])
}

func TestMemoryProvider_LoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
claims:
  CLM-1:
    requiresDocumentation: true
    insurance:
      status: active
      priorAuthorization: true
  CLM-2:
    eligibilityIssues: false
`), 0o600))

	p := NewMemoryProvider()
	n, err := p.LoadSeedFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, p.Len())

	snap, err := p.Snapshot(context.Background(), "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, true, snap["requiresDocumentation"])
	insurance, ok := snap["insurance"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, insurance["priorAuthorization"])
}

func TestMemoryProvider_LoadSeedFile_errors(t *testing.T) {
	p := NewMemoryProvider()

	_, err := p.LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("claims: [unclosed"), 0o600))
	_, err = p.LoadSeedFile(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse seed file")
}
