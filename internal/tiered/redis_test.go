package tiered

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpportunitySwitch/internal/model"
)

func TestRedisOpener_UnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New(DefaultConfig(), RedisOpener(RedisOptions{Addr: "127.0.0.1:1"}), nil)
	err := s.Connect(ctx)
	require.Error(t, err)
	assert.False(t, s.Connected())

	_, err = s.LoadState(ctx, "k", LoadOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

// Runs against a live server when TEST_REDIS_ADDR is set.
func TestRedisBackend_Live(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s := New(DefaultConfig(), RedisOpener(RedisOptions{Addr: addr, DB: 15}), nil)
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect()

	value := map[string]any{"pair": "ETH/USDC"}
	require.NoError(t, s.SaveState(ctx, "redis-live", value, SaveOptions{Tier: model.TierCritical, ForceCompress: true}))
	got, err := s.LoadState(ctx, "redis-live", LoadOptions{SearchAllTiers: true})
	require.NoError(t, err)
	assert.Equal(t, value, got)
	require.NoError(t, s.DeleteState(ctx, "redis-live", model.TierCritical))

	assertEmptyValueSurvives(t, s)
}
