package model

import (
	"fmt"
	"time"
)

// Org identifies the organization that owns a vehicle or mission.
type Org string

const (
	OrgMedical Org = "medical"
	OrgPolice  Org = "police"
)

// Valid reports whether o is one of the known organizations.
func (o Org) Valid() bool {
	return o == OrgMedical || o == OrgPolice
}

// Priority levels run from 1 (highest) to 5 (lowest).
const (
	HighestPriority = 1
	LowestPriority  = 5
)

// ValidPriority reports whether p lies within the supported range.
func ValidPriority(p int) bool {
	return p >= HighestPriority && p <= LowestPriority
}

// VehicleStatus is the operator-visible availability of a vehicle.
type VehicleStatus string

const (
	VehicleActive    VehicleStatus = "active"
	VehicleInactive  VehicleStatus = "inactive"
	VehicleOnMission VehicleStatus = "on_mission"
)

func (s VehicleStatus) Valid() bool {
	switch s {
	case VehicleActive, VehicleInactive, VehicleOnMission:
		return true
	}
	return false
}

// Vehicle is a registered emergency vehicle.
type Vehicle struct {
	ID   string `json:"id"`
	Org  Org    `json:"org"`
	Type string `json:"type"` // ambulance, patrol, ...

	// Priority is 1 (highest) to 5 (lowest) and is copied onto every
	// mission the vehicle creates.
	Priority int           `json:"priority"`
	Status   VehicleStatus `json:"status"`

	RegisteredAt time.Time `json:"registeredAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Validate checks the registration invariants of a vehicle.
func (v Vehicle) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("%w: vehicle id is required", ErrInvalidArgument)
	}
	if !v.Org.Valid() {
		return fmt.Errorf("%w: unknown organization %q", ErrInvalidArgument, v.Org)
	}
	if !ValidPriority(v.Priority) {
		return fmt.Errorf("%w: priority %d outside %d-%d", ErrInvalidArgument, v.Priority, HighestPriority, LowestPriority)
	}
	if v.Status != "" && !v.Status.Valid() {
		return fmt.Errorf("%w: unknown vehicle status %q", ErrInvalidArgument, v.Status)
	}
	return nil
}
