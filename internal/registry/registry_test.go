package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-telemetry/internal/models"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	d, err := s.Register(ctx, models.Device{Name: "greenhouse-1", DeviceType: "sensor", Location: "north"})
	require.NoError(t, err)
	assert.Len(t, d.ID, 8)
	assert.Equal(t, StatusActive, d.Status)
	assert.NotNil(t, d.Metadata)
	assert.False(t, d.RegisteredAt.IsZero())

	ok, err := s.LookupDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "greenhouse-1", got.Name)

	require.NoError(t, s.Delete(ctx, d.ID))
	ok, err = s.LookupDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, d.ID)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, s.Delete(ctx, d.ID), ErrDeviceNotFound)
}

func TestMemoryStore_RegisterValidation(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Register(context.Background(), models.Device{DeviceType: "sensor"})
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestMemoryStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, err := s.Register(ctx, models.Device{ID: "s1", Name: "a", DeviceType: "sensor"})
	require.NoError(t, err)
	_, err = s.Register(ctx, models.Device{ID: "g1", Name: "b", DeviceType: "gateway"})
	require.NoError(t, err)
	_, err = s.Register(ctx, models.Device{ID: "s2", Name: "c", DeviceType: "sensor", Status: "inactive"})
	require.NoError(t, err)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "s1", all[0].ID)
	assert.Equal(t, "s2", all[2].ID)

	sensors, err := s.List(ctx, Filter{DeviceType: "sensor"})
	require.NoError(t, err)
	assert.Len(t, sensors, 2)

	active, err := s.List(ctx, Filter{DeviceType: "sensor", Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s1", active[0].ID)
}

func TestClient_LookupDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/devices/known":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"id":"known"}`))
		case "/devices/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	ok, err := c.LookupDevice(ctx, "known")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.LookupDevice(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.LookupDevice(ctx, "broken")
	assert.Error(t, err)
}
