// Package geo tracks driver positions and answers radius queries.
package geo

import (
	"context"
	"errors"
	"math"
	"time"

	"dispatchd/internal/domain"
)

// DefaultLivenessWindow is how long a position stays queryable without an update.
const DefaultLivenessWindow = 90 * time.Second

// DefaultProfileRetention is how long a driver without a live position keeps
// its profile and availability.
const DefaultProfileRetention = 24 * time.Hour

// ErrInvalidPosition is returned for coordinates outside WGS84 range.
var ErrInvalidPosition = errors.New("invalid driver position")

// Filter narrows a radius query. Zero values match everything.
type Filter struct {
	OnlyAvailable bool
	VehicleClass  domain.VehicleClass
	MinRating     float64
}

// Matches reports whether c passes the filter.
func (f Filter) Matches(c domain.DriverCandidate) bool {
	if f.OnlyAvailable && !c.Available {
		return false
	}
	if f.VehicleClass != "" && c.VehicleClass != f.VehicleClass {
		return false
	}
	return c.Rating >= f.MinRating
}

// PositionUpdate is one location report from a driver device.
type PositionUpdate struct {
	DriverID  string
	Location  domain.Location
	Heading   float64
	Timestamp time.Time
}

// Index is the driver position store used by dispatch.
// Query returns a fresh snapshot ordered nearest first; an empty result is not an error.
type Index interface {
	UpsertLocation(ctx context.Context, u PositionUpdate) error
	UpsertProfile(ctx context.Context, p domain.DriverProfile) error
	SetAvailability(ctx context.Context, driverID string, available bool) error
	Query(ctx context.Context, center domain.Location, radiusMeters float64, f Filter) ([]domain.DriverCandidate, error)
}

const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b domain.Location) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
