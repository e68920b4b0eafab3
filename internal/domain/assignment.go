package domain

import "time"

// CommissionSplit divides a gross price between platform, partner and driver.
// PlatformFee + PartnerFee + DriverNet always equals Gross.
type CommissionSplit struct {
	Gross       int64
	PlatformFee int64
	PartnerFee  int64
	DriverNet   int64
	PartnerID   string
}

// Assignment binds a matched request to its driver. One per request.
type Assignment struct {
	RequestID  string
	DriverID   string
	FinalPrice int64
	Split      CommissionSplit
	AssignedAt time.Time
}
