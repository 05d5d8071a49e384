package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/rcmflow/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestFormatKey(t *testing.T) {
	assert.Equal(t, "idem:start:user-1:abc", FormatKey("user-1", "abc"))
}

func TestHashRequest(t *testing.T) {
	a := HashRequest([]byte(`{"templateId":"eligibility-check"}`))
	b := HashRequest([]byte(`{"templateId":"denial-appeal"}`))
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, HashRequest([]byte(`{"templateId":"eligibility-check"}`)))
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	key := FormatKey("user-1", "key-1")

	id, found, err := store.Check(ctx, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, id)

	require.NoError(t, store.Save(ctx, key, "hash-a", "wf-1", time.Minute))

	id, found, err = store.Check(ctx, key, "hash-a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "wf-1", id)

	_, found, err = store.Check(ctx, key, "hash-b")
	require.Error(t, err)
	assert.True(t, found)
	assert.True(t, model.HasCode(err, model.ErrConflict))
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_expiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "k", "h", "wf-1", time.Minute))
	now = now.Add(2 * time.Minute)

	_, found, err := store.Check(ctx, "k", "h")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, store.Len(), "expired entry removed on access")
}

func TestRedisStore(t *testing.T) {
	_, client := newTestRedis(t)
	storeContract(t, NewRedisStore(client))
}

func TestRedisStore_expiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "k", "h", "wf-1", time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	_, found, err := store.Check(ctx, "k", "h")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_corruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	require.NoError(t, mr.Set("k", "not-json"))

	_, _, err := NewRedisStore(client).Check(context.Background(), "k", "h")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal idempotency entry")
}

func TestRedisStore_unavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	_, _, err := NewRedisStore(client).Check(context.Background(), "k", "h")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis get")
}
