package core

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/signalsfoundry/emergency-routing/kb"
)

// Heading returns the initial compass bearing from a to b in degrees,
// normalised to [0, 360). Planar maps treat +y as north.
func Heading(projection kb.Projection, a, b orb.Point) float64 {
	var deg float64
	if projection == kb.Planar {
		deg = math.Atan2(b[0]-a[0], b[1]-a[1]) * 180 / math.Pi
	} else {
		deg = geo.Bearing(a, b)
	}
	return math.Mod(deg+360, 360)
}

// EdgeLine returns the drawable line of e oriented for travel starting at
// node from. Edges without geometry are drawn as a straight line between
// their endpoints.
func EdgeLine(g *kb.Graph, e kb.Edge, from string) (orb.LineString, error) {
	if !e.Connects(from) {
		return nil, fmt.Errorf("%w: %q does not touch %q", kb.ErrDisconnectedRoute, e.ID, from)
	}
	var line orb.LineString
	if len(e.Geometry) >= 2 {
		line = e.Geometry.Clone()
	} else {
		a, okA := g.Node(e.From)
		b, okB := g.Node(e.To)
		if !okA || !okB {
			return nil, fmt.Errorf("%w: endpoints of %q", kb.ErrUnknownNode, e.ID)
		}
		line = orb.LineString{a.Point, b.Point}
	}
	if from == e.To && from != e.From {
		line.Reverse()
	}
	return line, nil
}

// PositionAlong returns the coordinate reached after travelling fraction
// (0..1) of line, together with the heading of the piece being travelled.
func PositionAlong(g *kb.Graph, line orb.LineString, fraction float64) (orb.Point, float64) {
	if len(line) == 0 {
		return orb.Point{}, 0
	}
	if len(line) == 1 {
		return line[0], 0
	}
	fraction = math.Max(0, math.Min(1, fraction))

	total := 0.0
	lengths := make([]float64, len(line)-1)
	for i := 0; i < len(line)-1; i++ {
		lengths[i] = g.PointDistance(line[i], line[i+1])
		total += lengths[i]
	}

	target := fraction * total
	for i, l := range lengths {
		a, b := line[i], line[i+1]
		if target <= l || i == len(lengths)-1 {
			t := 0.0
			if l > 0 {
				t = math.Min(1, target/l)
			}
			p := orb.Point{a[0] + (b[0]-a[0])*t, a[1] + (b[1]-a[1])*t}
			return p, Heading(g.Projection(), a, b)
		}
		target -= l
	}
	last := line[len(line)-1]
	return last, Heading(g.Projection(), line[len(line)-2], last)
}
