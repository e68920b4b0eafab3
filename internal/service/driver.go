package service

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"

	"dispatchd/internal/domain"
	"dispatchd/internal/geo"
)

// DriverService handles driver position and profile updates.
type DriverService struct {
	index geo.Index
	clock clock.Clock
}

// NewDriverService creates a new DriverService.
func NewDriverService(index geo.Index, clk clock.Clock) *DriverService {
	return &DriverService{index: index, clock: clk}
}

// UpdateLocationRequest contains the parameters for updating driver location.
type UpdateLocationRequest struct {
	DriverID  string
	Lat       float64
	Lng       float64
	Heading   float64
	Timestamp int64 // unix millis; zero means now
}

// UpdateLocation records a position report from a driver device.
func (s *DriverService) UpdateLocation(ctx context.Context, req UpdateLocationRequest) error {
	if req.DriverID == "" {
		return ErrInvalidDriverID
	}

	loc := domain.Location{Lat: req.Lat, Lng: req.Lng}
	if !loc.Valid() {
		return ErrInvalidLocation
	}

	ts := s.clock.Now()
	if req.Timestamp > 0 {
		ts = time.UnixMilli(req.Timestamp)
		// Device clocks drift; a report from the future counts as now.
		if ts.After(s.clock.Now()) {
			ts = s.clock.Now()
		}
	}

	return s.index.UpsertLocation(ctx, geo.PositionUpdate{
		DriverID:  req.DriverID,
		Location:  loc,
		Heading:   req.Heading,
		Timestamp: ts,
	})
}

// UpdateProfile replaces the dispatch-relevant profile of a driver.
func (s *DriverService) UpdateProfile(ctx context.Context, p domain.DriverProfile) error {
	if p.DriverID == "" {
		return ErrInvalidDriverID
	}
	if !p.VehicleClass.Valid() {
		return ErrInvalidVehicleClass
	}
	if p.Rating < 0 || p.Rating > 5 {
		return ErrInvalidRating
	}
	if p.CompletedJobs < 0 {
		p.CompletedJobs = 0
	}
	return s.index.UpsertProfile(ctx, p)
}

// SetAvailability marks a driver as taking or not taking requests.
func (s *DriverService) SetAvailability(ctx context.Context, driverID string, available bool) error {
	if driverID == "" {
		return ErrInvalidDriverID
	}
	return s.index.SetAvailability(ctx, driverID, available)
}
