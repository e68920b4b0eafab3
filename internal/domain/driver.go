package domain

import "time"

// VehicleClass represents the kind of vehicle a driver operates.
type VehicleClass string

const (
	VehicleClassBike    VehicleClass = "bike"
	VehicleClassCar     VehicleClass = "car"
	VehicleClassPremium VehicleClass = "premium"
	VehicleClassVan     VehicleClass = "van"
)

// DriverProfile is the slow-changing part of a driver's dispatch record.
type DriverProfile struct {
	DriverID      string
	VehicleClass  VehicleClass
	Rating        float64
	CompletedJobs int
	Available     bool
}

// DriverCandidate is a point-in-time snapshot of a driver returned by the geo index.
type DriverCandidate struct {
	DriverID       string
	Location       Location
	Heading        float64
	VehicleClass   VehicleClass
	Rating         float64
	CompletedJobs  int
	Available      bool
	UpdatedAt      time.Time
	DistanceMeters float64
}

// Valid reports whether c is a known vehicle class.
func (c VehicleClass) Valid() bool {
	switch c {
	case VehicleClassBike, VehicleClassCar, VehicleClassPremium, VehicleClassVan:
		return true
	}
	return false
}
