package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/domain"
	"dispatchd/internal/geo"
)

func TestDriverServiceUpdateLocation(t *testing.T) {
	h := newHarness(t)
	svc := NewDriverService(h.index, h.clock)
	ctx := context.Background()

	require.NoError(t, svc.UpdateProfile(ctx, domain.DriverProfile{
		DriverID: "d1", VehicleClass: domain.VehicleClassVan, Rating: 4.9, CompletedJobs: 12, Available: true,
	}))
	require.NoError(t, svc.UpdateLocation(ctx, UpdateLocationRequest{
		DriverID: "d1", Lat: north(300).Lat, Lng: origin.Lng, Heading: 90,
	}))

	got, err := h.index.Query(ctx, origin, 1000, geo.Filter{VehicleClass: domain.VehicleClassVan})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 90.0, got[0].Heading)
	assert.InDelta(t, 300, got[0].DistanceMeters, 1)

	require.NoError(t, svc.SetAvailability(ctx, "d1", false))
	got, err = h.index.Query(ctx, origin, 1000, geo.Filter{OnlyAvailable: true})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDriverServiceClampsFutureTimestamps(t *testing.T) {
	h := newHarness(t)
	svc := NewDriverService(h.index, h.clock)
	ctx := context.Background()

	future := h.clock.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, svc.UpdateLocation(ctx, UpdateLocationRequest{DriverID: "d1", Lat: origin.Lat, Lng: origin.Lng, Timestamp: future}))

	// Stale once the liveness window passes, which would not happen with the device timestamp.
	h.clock.Increment(geo.DefaultLivenessWindow + time.Second)
	got, err := h.index.Query(ctx, origin, 1000, geo.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDriverServiceValidation(t *testing.T) {
	h := newHarness(t)
	svc := NewDriverService(h.index, h.clock)
	ctx := context.Background()

	assert.ErrorIs(t, svc.UpdateLocation(ctx, UpdateLocationRequest{Lat: 1, Lng: 1}), ErrInvalidDriverID)
	assert.ErrorIs(t, svc.UpdateLocation(ctx, UpdateLocationRequest{DriverID: "d1", Lat: 100}), ErrInvalidLocation)
	assert.ErrorIs(t, svc.UpdateProfile(ctx, domain.DriverProfile{DriverID: "d1", VehicleClass: "tank"}), ErrInvalidVehicleClass)
	assert.ErrorIs(t, svc.UpdateProfile(ctx, domain.DriverProfile{DriverID: "d1", VehicleClass: domain.VehicleClassCar, Rating: 6}), ErrInvalidRating)
	assert.ErrorIs(t, svc.SetAvailability(ctx, "", true), ErrInvalidDriverID)
}

func TestDriverServiceDriverReturnsAfterGoingStale(t *testing.T) {
	h := newHarness(t)
	svc := NewDriverService(h.index, h.clock)
	ctx := context.Background()

	for _, id := range []string{"d1", "d2"} {
		require.NoError(t, svc.UpdateProfile(ctx, domain.DriverProfile{DriverID: id, VehicleClass: domain.VehicleClassCar, Rating: 4.5, Available: true}))
		require.NoError(t, svc.UpdateLocation(ctx, UpdateLocationRequest{DriverID: id, Lat: north(200).Lat, Lng: origin.Lng}))
	}

	h.clock.Increment(geo.DefaultLivenessWindow + 10*time.Second)
	require.NoError(t, svc.UpdateLocation(ctx, UpdateLocationRequest{DriverID: "d2", Lat: north(200).Lat, Lng: origin.Lng}))
	_, err := h.index.Sweep(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateLocation(ctx, UpdateLocationRequest{DriverID: "d1", Lat: north(100).Lat, Lng: origin.Lng}))
	got, err := h.index.Query(ctx, origin, 1000, geo.Filter{OnlyAvailable: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d1", got[0].DriverID)
}
