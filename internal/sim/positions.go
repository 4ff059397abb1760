package sim

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/signalsfoundry/emergency-routing/core"
	"github.com/signalsfoundry/emergency-routing/internal/sim/state"
	"github.com/signalsfoundry/emergency-routing/model"
)

// Position is where a simulated vehicle is right now.
type Position struct {
	VehicleID string       `json:"vehicleId"`
	MissionID string       `json:"missionId"`
	Org       model.Org    `json:"org"`
	Status    state.Status `json:"status"`

	CurrentSegment  string `json:"currentSegment"`
	PreviousSegment string `json:"previousSegment,omitempty"`
	NextSegment     string `json:"nextSegment,omitempty"`
	SegmentIndex    int    `json:"segmentIndex"`
	TotalSegments   int    `json:"totalSegments"`
	// Progress is rounded to whole percent.
	Progress float64 `json:"progress"`

	// Point is nil when the path does not match the loaded map.
	Point    *orb.Point `json:"point,omitempty"`
	Heading  float64    `json:"heading"`
	SpeedKmh float64    `json:"speedKmh"`
}

// Positions returns the position of every simulated vehicle, ordered by
// vehicle ID.
func (e *Engine) Positions() []Position {
	vs := e.registry.Snapshot()
	out := make([]Position, 0, len(vs))
	for _, v := range vs {
		out = append(out, e.position(v))
	}
	return out
}

func (e *Engine) position(v state.Vehicle) Position {
	p := Position{
		VehicleID:      v.VehicleID,
		MissionID:      v.MissionID,
		Org:            v.Org,
		Status:         v.Status,
		CurrentSegment: v.CurrentSegment(),
		SegmentIndex:   v.SegmentIndex,
		TotalSegments:  len(v.Path),
		Progress:       math.Round(v.Progress),
		SpeedKmh:       NominalSpeedKmh,
	}
	if v.SegmentIndex > 0 && v.SegmentIndex <= len(v.Path) {
		p.PreviousSegment = v.Path[v.SegmentIndex-1]
	}
	if v.SegmentIndex+1 < len(v.Path) {
		p.NextSegment = v.Path[v.SegmentIndex+1]
	}

	if e.graph == nil || p.CurrentSegment == "" {
		return p
	}
	nodes, err := e.graph.NodePath(v.Path, v.Start)
	if err != nil || v.SegmentIndex >= len(nodes) {
		return p
	}
	edge, ok := e.graph.Edge(p.CurrentSegment)
	if !ok {
		return p
	}
	line, err := core.EdgeLine(e.graph, edge, nodes[v.SegmentIndex])
	if err != nil {
		return p
	}
	pt, heading := core.PositionAlong(e.graph, line, v.Progress/100)
	p.Point = &pt
	p.Heading = heading
	return p
}
