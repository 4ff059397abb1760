package model

import (
	"fmt"
	"slices"
	"time"
)

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	MissionPending   MissionStatus = "pending"
	MissionActive    MissionStatus = "active"
	MissionCompleted MissionStatus = "completed"
	MissionAborted   MissionStatus = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s MissionStatus) Terminal() bool {
	return s == MissionCompleted || s == MissionAborted
}

// Mission is a request to move one vehicle from an origin node to a
// destination node. Its identity survives reroutes.
type Mission struct {
	ID        string `json:"id"`
	VehicleID string `json:"vehicleId"`
	Org       Org    `json:"org"`
	// Priority is copied from the vehicle at creation time.
	Priority int `json:"priority"`

	Origin string `json:"origin"`
	Dest   string `json:"dest"`

	// Path lists the segment IDs to traverse, in order.
	Path   []string      `json:"path"`
	Status MissionStatus `json:"status"`

	// Start is the node Path begins at once a reroute has moved it off
	// Origin. Empty means Origin.
	Start string `json:"start,omitempty"`

	AbortReason string `json:"abortReason,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	AbortedAt   time.Time `json:"abortedAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// NewMission builds a pending mission for v.
func NewMission(id string, v Vehicle, origin, dest string, at time.Time) (Mission, error) {
	if id == "" {
		return Mission{}, fmt.Errorf("%w: mission id is required", ErrInvalidArgument)
	}
	if origin == "" || dest == "" {
		return Mission{}, fmt.Errorf("%w: mission %q needs origin and destination", ErrInvalidArgument, id)
	}
	return Mission{
		ID:        id,
		VehicleID: v.ID,
		Org:       v.Org,
		Priority:  v.Priority,
		Origin:    origin,
		Dest:      dest,
		Status:    MissionPending,
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}

// Activate assigns the path and moves a pending mission to active. It does
// not look at segment contention.
func (m *Mission) Activate(path []string, at time.Time) error {
	if m.Status != MissionPending {
		return m.transitionError(MissionActive)
	}
	if len(path) == 0 {
		return fmt.Errorf("%w: %q", ErrEmptyPath, m.ID)
	}
	m.Path = slices.Clone(path)
	m.Status = MissionActive
	m.ActivatedAt = at
	m.UpdatedAt = at
	return nil
}

// Complete finishes an active mission.
func (m *Mission) Complete(at time.Time) error {
	if m.Status != MissionActive {
		return m.transitionError(MissionCompleted)
	}
	m.Status = MissionCompleted
	m.CompletedAt = at
	m.UpdatedAt = at
	return nil
}

// Abort ends a pending or active mission.
func (m *Mission) Abort(reason string, at time.Time) error {
	if m.Status != MissionPending && m.Status != MissionActive {
		return m.transitionError(MissionAborted)
	}
	m.Status = MissionAborted
	m.AbortReason = reason
	m.AbortedAt = at
	m.UpdatedAt = at
	return nil
}

// StartNode is the node the current path begins at.
func (m Mission) StartNode() string {
	if m.Start != "" {
		return m.Start
	}
	return m.Origin
}

// Reroute replaces the path of an active mission in place. start is the
// node the new path leaves from; empty keeps the origin.
func (m *Mission) Reroute(path []string, start string, at time.Time) error {
	if m.Status != MissionActive {
		if m.Status.Terminal() {
			return fmt.Errorf("%w: %q is %s", ErrMissionTerminal, m.ID, m.Status)
		}
		return fmt.Errorf("%w: cannot reroute %q while %s", ErrInvalidTransition, m.ID, m.Status)
	}
	if len(path) == 0 {
		return fmt.Errorf("%w: %q", ErrEmptyPath, m.ID)
	}
	m.Path = slices.Clone(path)
	m.Start = start
	if start == m.Origin {
		m.Start = ""
	}
	m.UpdatedAt = at
	return nil
}

func (m *Mission) transitionError(to MissionStatus) error {
	if m.Status.Terminal() {
		return fmt.Errorf("%w: %q is %s", ErrMissionTerminal, m.ID, m.Status)
	}
	return fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, m.ID, m.Status, to)
}
