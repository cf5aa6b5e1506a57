package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-telemetry/internal/models"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewFromClient(client, time.Minute)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func alertAt(id, device string, created time.Time) models.Alert {
	return models.Alert{
		ID:        id,
		DeviceID:  device,
		Metric:    "temperature",
		RuleID:    "r1",
		Severity:  models.SeverityCritical,
		Operator:  models.OpGreater,
		Threshold: 40,
		Value:     45,
		CreatedAt: created,
		State:     models.AlertActive,
	}
}

func TestStoreTransitions_RaisedAndCleared(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	first := alertAt("a1", "dev-1", base)
	second := alertAt("a2", "dev-1", base.Add(time.Second))
	require.NoError(t, c.StoreTransitions(ctx, []models.Transition{
		{Kind: models.TransitionRaised, Alert: first},
		{Kind: models.TransitionRaised, Alert: second},
	}))

	cleared := first
	cleared.State = models.AlertCleared
	v := 30.0
	cleared.ClearedValue = &v
	require.NoError(t, c.StoreTransitions(ctx, []models.Transition{
		{Kind: models.TransitionCleared, Alert: cleared},
	}))

	members, err := mr.ZMembers("alert_list:dev-1")
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.True(t, mr.Exists("alert:a1"))

	alerts, err := c.GetRecentAlerts(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "a2", alerts[0].ID)
	assert.Equal(t, "a1", alerts[1].ID)
	assert.Equal(t, models.AlertCleared, alerts[1].State)
	require.NotNil(t, alerts[1].ClearedValue)
	assert.Equal(t, 30.0, *alerts[1].ClearedValue)

	limited, err := c.GetRecentAlerts(ctx, "dev-1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a2", limited[0].ID)
}

func TestGetRecentAlerts_SkipsExpiredEntries(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.StoreTransitions(ctx, []models.Transition{
		{Kind: models.TransitionRaised, Alert: alertAt("a1", "dev-1", time.Now())},
	}))
	mr.Del("alert:a1")

	alerts, err := c.GetRecentAlerts(ctx, "dev-1", 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	none, err := c.GetRecentAlerts(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStoreAggregate_RoundTripAndTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := models.WindowKey{DeviceID: "dev-1", Metric: "humidity"}

	_, ok, err := c.GetAggregate(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	st := models.Stats{Count: 3, Min: 10, Max: 30, Avg: 20, Latest: 30, Window: 5 * time.Minute}
	require.NoError(t, c.StoreAggregate(ctx, key, st))
	assert.Equal(t, time.Minute, mr.TTL("aggregate:dev-1:humidity"))

	got, ok, err := c.GetAggregate(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.Count)
	assert.Equal(t, 20.0, got.Avg)
	assert.Equal(t, 5*time.Minute, got.Window)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.GetAggregate(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPing(t *testing.T) {
	c, mr := newTestCache(t)
	assert.NoError(t, c.Ping(context.Background()))

	mr.Close()
	assert.Error(t, c.Ping(context.Background()))
}
