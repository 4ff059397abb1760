package routing

import "github.com/signalsfoundry/emergency-routing/model"

// RouteAnalysis summarises the live state of the segments along a path.
type RouteAnalysis struct {
	Free     int `json:"free"`
	Reserved int `json:"reserved"`
	Occupied int `json:"occupied"`

	// PotentialConflicts are segments the requester could not take.
	PotentialConflicts []string `json:"potentialConflicts"`
	// PreemptionCandidates are segments the requester would take from a
	// lower-priority mission of another organization.
	PreemptionCandidates []string `json:"preemptionCandidates"`
}

// AnalyzeRoute counts segment states along path and lists the segments that
// would block or be preempted.
func AnalyzeRoute(path []string, live map[string]model.Segment, r Requester) RouteAnalysis {
	a := RouteAnalysis{PotentialConflicts: []string{}, PreemptionCandidates: []string{}}
	for _, id := range path {
		seg, ok := live[id]
		if !ok {
			seg = model.FreeSegment(id)
		}
		switch seg.EffectiveStatus() {
		case model.SegmentReserved:
			a.Reserved++
		case model.SegmentOccupied:
			a.Occupied++
		default:
			a.Free++
		}
		switch r.Classify(seg) {
		case ContentionBlocked:
			a.PotentialConflicts = append(a.PotentialConflicts, id)
		case ContentionPreempt:
			a.PreemptionCandidates = append(a.PreemptionCandidates, id)
		}
	}
	return a
}
