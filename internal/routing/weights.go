package routing

import "github.com/signalsfoundry/emergency-routing/model"

// Contention multipliers applied to an edge's base weight.
const (
	FreeMultiplier     = 1.0
	OccupiedMultiplier = 100.0
	PreemptMultiplier  = 2.0
	ShareMultiplier    = 1.2
	BlockedMultiplier  = 10000.0
)

// Multiplier prices a segment for a requester. Higher-priority requesters
// pay a little to preempt, same-organization requesters pay a little to
// share, and everyone else is priced out without the edge being removed.
func Multiplier(status model.SegmentStatus, holderPriority int, holderOrg model.Org, requesterPriority int, requesterOrg model.Org) float64 {
	switch status {
	case model.SegmentOccupied:
		return OccupiedMultiplier
	case model.SegmentReserved:
		if !model.ValidPriority(holderPriority) {
			holderPriority = model.LowestPriority
		}
		switch {
		case requesterPriority < holderPriority:
			return PreemptMultiplier
		case requesterOrg != "" && requesterOrg == holderOrg:
			return ShareMultiplier
		default:
			return BlockedMultiplier
		}
	default:
		return FreeMultiplier
	}
}

// Requester identifies who is asking for segments.
type Requester struct {
	MissionID string
	VehicleID string
	Priority  int
	Org       model.Org
}

// Owns reports whether the segment is already held by the requester's
// mission or vehicle.
func (r Requester) Owns(s model.Segment) bool {
	if s.Holder == nil {
		return false
	}
	return (r.MissionID != "" && s.Holder.MissionID == r.MissionID) ||
		(r.VehicleID != "" && s.Holder.VehicleID == r.VehicleID)
}

// Price returns the multiplier for s as seen by r. Segments r already holds
// are free to it.
func (r Requester) Price(s model.Segment) float64 {
	if r.Owns(s) {
		return FreeMultiplier
	}
	var holderOrg model.Org
	if s.Holder != nil {
		holderOrg = s.Holder.Org
	}
	return Multiplier(s.EffectiveStatus(), s.HolderPriority(), holderOrg, r.Priority, r.Org)
}

// Contention classifies what taking a segment would involve.
type Contention int

const (
	ContentionNone Contention = iota
	ContentionShare
	ContentionPreempt
	ContentionBlocked
)

func (c Contention) String() string {
	switch c {
	case ContentionShare:
		return "sharing"
	case ContentionPreempt:
		return "preemption"
	case ContentionBlocked:
		return "blocked"
	default:
		return "available"
	}
}

// Classify applies the availability rules to one segment: free or owned
// segments are available, occupied ones never are, reservations of the
// same organization are shared, and reservations of another organization
// are preempted only by a strictly higher priority.
func (r Requester) Classify(s model.Segment) Contention {
	if r.Owns(s) {
		return ContentionNone
	}
	switch s.EffectiveStatus() {
	case model.SegmentOccupied:
		return ContentionBlocked
	case model.SegmentReserved:
		if s.Holder != nil && s.Holder.Org == r.Org {
			return ContentionShare
		}
		if r.Priority < s.HolderPriority() {
			return ContentionPreempt
		}
		return ContentionBlocked
	default:
		return ContentionNone
	}
}
