package repository

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Runs against a real server when CAREWISE_TEST_REDIS_URL is set
func TestRedisKV(t *testing.T) {
	url := os.Getenv("CAREWISE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CAREWISE_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	kv, err := NewRedisKV(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	store := NewSessionStore(kv, "test:"+t.Name()+":", zap.NewNop())
	t.Cleanup(func() { store.Clear(ctx, "redis-user") })

	require.NoError(t, store.CommitSessions(ctx, "redis-user", sampleSessions()))
	got, err := store.LoadSessions(ctx, "redis-user")
	require.NoError(t, err)
	assert.Equal(t, sampleSessions(), got)

	require.NoError(t, kv.Remove(ctx, store.Key("redis-user")))
	_, found, err := kv.Get(ctx, store.Key("redis-user"))
	require.NoError(t, err)
	assert.False(t, found)
}
