package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"dispatchd/internal/domain"
	"dispatchd/internal/geo"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if os.Getenv("DOCKER_AVAILABLE") != "true" && os.Getenv("DOCKER_AVAILABLE") != "1" {
		t.Skip("docker not available")
	}
	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestLocationStoreAgainstRedis(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	clk := fakeclock.NewFakeClock(time.Now())
	store := NewLocationStore(client, clk, 90*time.Second, time.Hour)

	center := domain.Location{Lat: 52.52, Lng: 13.405}
	near := domain.Location{Lat: 52.525, Lng: 13.405}
	far := domain.Location{Lat: 52.54, Lng: 13.405}

	for id, loc := range map[string]domain.Location{"near": near, "far": far} {
		require.NoError(t, store.UpsertProfile(ctx, domain.DriverProfile{DriverID: id, Available: true, Rating: 4.7, VehicleClass: domain.VehicleClassCar}))
		require.NoError(t, store.UpsertLocation(ctx, geo.PositionUpdate{DriverID: id, Location: loc}))
	}

	got, err := store.Query(ctx, center, 3000, geo.Filter{OnlyAvailable: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].DriverID)
	assert.Equal(t, 4.7, got[0].Rating)

	require.NoError(t, store.SetAvailability(ctx, "near", false))
	got, err = store.Query(ctx, center, 3000, geo.Filter{OnlyAvailable: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "far", got[0].DriverID)

	clk.Increment(2 * time.Minute)
	got, err = store.Query(ctx, center, 3000, geo.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A returning driver keeps the profile it had before going stale.
	require.NoError(t, store.UpsertLocation(ctx, geo.PositionUpdate{DriverID: "far", Location: far}))
	got, err = store.Query(ctx, center, 3000, geo.Filter{OnlyAvailable: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "far", got[0].DriverID)
	assert.Equal(t, 4.7, got[0].Rating)

	ttl, err := client.TTL(ctx, metaKey("near")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestLocationStoreSweepSparesFreshReport(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	clk := fakeclock.NewFakeClock(time.Now())
	store := NewLocationStore(client, clk, 90*time.Second, time.Hour)
	loc := domain.Location{Lat: 52.52, Lng: 13.405}

	require.NoError(t, store.UpsertLocation(ctx, geo.PositionUpdate{DriverID: "d1", Location: loc}))
	clk.Increment(2 * time.Minute)
	cutoff := clk.Now().Add(-90 * time.Second).UnixMilli()

	// The driver reports again after the sweep read its stale stamp.
	require.NoError(t, store.UpsertLocation(ctx, geo.PositionUpdate{DriverID: "d1", Location: loc}))
	n, err := evictScript.Run(ctx, client, []string{driverLocationKey, metaKey("d1")}, "d1", cutoff).Int()
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := store.Query(ctx, loc, 100, geo.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestLockStoreAgainstRedis(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	a := NewLockStore(client)
	b := NewLockStore(client)

	ok, err := a.Acquire(ctx, "request:r1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, "request:r1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx, "request:r1"), "releasing a lock we do not hold is a no-op")
	require.NoError(t, a.Release(ctx, "request:r1"))

	ok, err = b.Acquire(ctx, "request:r1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResponseCacheAgainstRedis(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	cache := NewResponseCache(client, time.Minute)

	got, err := cache.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.Set(ctx, "k1", &CachedResponse{StatusCode: 201, Body: []byte(`{"ok":true}`)}))
	got, err = cache.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 201, got.StatusCode)
}
