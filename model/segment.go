package model

import (
	"fmt"
	"time"
)

// SegmentStatus is the live contention state of a road segment.
type SegmentStatus string

const (
	SegmentFree     SegmentStatus = "free"
	SegmentReserved SegmentStatus = "reserved"
	SegmentOccupied SegmentStatus = "occupied"
)

// Holder identifies the mission currently claiming a segment.
type Holder struct {
	VehicleID string `json:"vehicleId"`
	MissionID string `json:"missionId"`
	Org       Org    `json:"org"`
	Priority  int    `json:"priority"`
}

// Segment is the ledger record for a road segment. It shares its ID with the
// static graph edge it describes.
type Segment struct {
	ID     string        `json:"id"`
	Status SegmentStatus `json:"status"`

	// Holder is nil while the segment is free.
	Holder *Holder `json:"holder,omitempty"`

	ReservedAt time.Time `json:"reservedAt,omitempty"`
	OccupiedAt time.Time `json:"occupiedAt,omitempty"`
}

// FreeSegment returns the record used for segments the ledger has never
// seen.
func FreeSegment(id string) Segment {
	return Segment{ID: id, Status: SegmentFree}
}

// EffectiveStatus treats the zero status as free.
func (s Segment) EffectiveStatus() SegmentStatus {
	if s.Status == "" {
		return SegmentFree
	}
	return s.Status
}

// HeldBy reports whether vehicleID is the current holder.
func (s Segment) HeldBy(vehicleID string) bool {
	return s.Holder != nil && s.Holder.VehicleID == vehicleID
}

// HolderPriority returns the holder's priority, treating an unknown or
// missing value as the lowest priority.
func (s Segment) HolderPriority() int {
	if s.Holder == nil || !ValidPriority(s.Holder.Priority) {
		return LowestPriority
	}
	return s.Holder.Priority
}

// Reserve claims the segment for h. Reserving a segment that is already
// reserved by someone else overwrites the holder and returns the displaced
// one; this is how preemption lands in the ledger. Reserving a segment the
// vehicle already holds refreshes the holder metadata.
func (s *Segment) Reserve(h Holder, at time.Time) (*Holder, error) {
	if h.VehicleID == "" || h.MissionID == "" {
		return nil, fmt.Errorf("%w: reservation of %q needs vehicle and mission", ErrInvalidArgument, s.ID)
	}
	switch s.EffectiveStatus() {
	case SegmentFree:
		s.Status = SegmentReserved
		s.Holder = &h
		s.ReservedAt = at
		s.OccupiedAt = time.Time{}
		return nil, nil
	case SegmentReserved:
		var displaced *Holder
		if s.Holder != nil && s.Holder.VehicleID != h.VehicleID {
			prev := *s.Holder
			displaced = &prev
		}
		s.Holder = &h
		s.ReservedAt = at
		return displaced, nil
	case SegmentOccupied:
		if s.HeldBy(h.VehicleID) {
			s.Holder = &h
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrSegmentOccupied, s.ID)
	default:
		return nil, fmt.Errorf("%w: segment %q has unknown status %q", ErrInvalidTransition, s.ID, s.Status)
	}
}

// Occupy marks the vehicle as physically on the segment.
func (s *Segment) Occupy(vehicleID string, at time.Time) error {
	switch s.EffectiveStatus() {
	case SegmentFree:
		return fmt.Errorf("%w: %q", ErrSegmentNotReserved, s.ID)
	case SegmentOccupied:
		if s.HeldBy(vehicleID) {
			return fmt.Errorf("%w: %q by %q", ErrAlreadyOccupied, s.ID, vehicleID)
		}
		return fmt.Errorf("%w: %q", ErrSegmentOccupied, s.ID)
	}
	if !s.HeldBy(vehicleID) {
		return fmt.Errorf("%w: %q not held by %q", ErrNotHolder, s.ID, vehicleID)
	}
	s.Status = SegmentOccupied
	s.OccupiedAt = at
	return nil
}

// Release frees the segment. Only the holder may release it.
func (s *Segment) Release(vehicleID string) error {
	if s.EffectiveStatus() == SegmentFree {
		return fmt.Errorf("%w: %q", ErrSegmentNotReserved, s.ID)
	}
	if !s.HeldBy(vehicleID) {
		return fmt.Errorf("%w: %q not held by %q", ErrNotHolder, s.ID, vehicleID)
	}
	s.Status = SegmentFree
	s.Holder = nil
	s.ReservedAt = time.Time{}
	s.OccupiedAt = time.Time{}
	return nil
}
