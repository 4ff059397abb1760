// Package kb holds the static road network the router plans over.
package kb

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"github.com/signalsfoundry/emergency-routing/model"
)

// Projection tells the graph how to measure straight-line distance between
// node coordinates.
type Projection string

const (
	// Geographic coordinates are lon/lat degrees; distances are haversine km.
	Geographic Projection = "geographic"
	// Planar coordinates are grid x/y; distances are Euclidean.
	Planar Projection = "planar"
)

// NodeKind distinguishes street intersections from points of interest.
type NodeKind string

const (
	NodeIntersection NodeKind = "intersection"
	NodePOI          NodeKind = "poi"
)

var (
	ErrUnknownNode       = errors.New("unknown node")
	ErrUnknownEdge       = errors.New("unknown edge")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrInvalidEdge       = errors.New("invalid edge")
	ErrDisconnectedRoute = errors.New("route segments are not connected")
)

// Node is an intersection or point of interest.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
	// Point is lon/lat for geographic maps and x/y for planar ones.
	Point orb.Point
	// Org is set for facilities affiliated with one organization
	// (hospitals, precincts).
	Org model.Org
}

// Edge is a road segment between two nodes.
type Edge struct {
	ID            string
	From          string
	To            string
	Weight        float64
	Bidirectional bool
	// Geometry is optional drawing/interpolation detail from From to To.
	Geometry orb.LineString
}

// Other returns the endpoint opposite nodeID.
func (e Edge) Other(nodeID string) (string, bool) {
	switch nodeID {
	case e.From:
		return e.To, true
	case e.To:
		return e.From, true
	}
	return "", false
}

// Connects reports whether nodeID is an endpoint of e.
func (e Edge) Connects(nodeID string) bool {
	return e.From == nodeID || e.To == nodeID
}

// Arc is one traversable direction of an edge.
type Arc struct {
	EdgeID string
	To     string
	Weight float64
}

// Graph is an immutable road network. It is safe for concurrent use.
type Graph struct {
	projection Projection
	nodes      map[string]Node
	edges      map[string]Edge
	nodeOrder  []string
	edgeOrder  []string
	adjacency  map[string][]Arc

	heuristicScale float64
}

// NewGraph validates nodes and edges and builds the adjacency table.
// Adjacency lists keep the order edges were supplied in.
func NewGraph(projection Projection, nodes []Node, edges []Edge) (*Graph, error) {
	if projection == "" {
		projection = Geographic
	}
	if projection != Geographic && projection != Planar {
		return nil, fmt.Errorf("kb: unknown projection %q", projection)
	}

	g := &Graph{
		projection: projection,
		nodes:      make(map[string]Node, len(nodes)),
		edges:      make(map[string]Edge, len(edges)),
		adjacency:  make(map[string][]Arc, len(nodes)),
	}

	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("kb: node without id")
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, fmt.Errorf("%w: node %q", ErrDuplicateID, n.ID)
		}
		if n.Kind == "" {
			n.Kind = NodeIntersection
		}
		g.nodes[n.ID] = n
		g.nodeOrder = append(g.nodeOrder, n.ID)
	}

	for _, e := range edges {
		if e.ID == "" {
			return nil, fmt.Errorf("%w: edge without id", ErrInvalidEdge)
		}
		if _, exists := g.edges[e.ID]; exists {
			return nil, fmt.Errorf("%w: edge %q", ErrDuplicateID, e.ID)
		}
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("%w: %q referenced by edge %q", ErrUnknownNode, e.From, e.ID)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, fmt.Errorf("%w: %q referenced by edge %q", ErrUnknownNode, e.To, e.ID)
		}
		if e.From == e.To {
			return nil, fmt.Errorf("%w: edge %q is a loop", ErrInvalidEdge, e.ID)
		}
		if !(e.Weight > 0) || math.IsInf(e.Weight, 0) {
			return nil, fmt.Errorf("%w: edge %q has weight %v", ErrInvalidEdge, e.ID, e.Weight)
		}
		g.edges[e.ID] = e
		g.edgeOrder = append(g.edgeOrder, e.ID)
		g.adjacency[e.From] = append(g.adjacency[e.From], Arc{EdgeID: e.ID, To: e.To, Weight: e.Weight})
		if e.Bidirectional {
			g.adjacency[e.To] = append(g.adjacency[e.To], Arc{EdgeID: e.ID, To: e.From, Weight: e.Weight})
		}
	}

	g.heuristicScale = g.computeHeuristicScale()
	return g, nil
}

// computeHeuristicScale finds the largest factor k <= 1 such that
// k * straight-line distance never exceeds an edge's weight, which keeps a
// distance heuristic admissible whatever units the weights use.
func (g *Graph) computeHeuristicScale() float64 {
	scale := 1.0
	for _, id := range g.edgeOrder {
		e := g.edges[id]
		d := g.Distance(e.From, e.To)
		if d <= 0 {
			continue
		}
		if r := e.Weight / d; r < scale {
			scale = r
		}
	}
	return scale
}

// Projection returns how node coordinates are interpreted.
func (g *Graph) Projection() Projection { return g.projection }

// HeuristicScale is the multiplier applied to Distance to obtain a lower
// bound on remaining route weight.
func (g *Graph) HeuristicScale() float64 { return g.heuristicScale }

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Edge returns the edge with the given ID.
func (g *Graph) Edge(id string) (Edge, bool) {
	e, ok := g.edges[id]
	return e, ok
}

// HasNode reports whether id names a node.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Neighbors returns the arcs leaving nodeID. The slice must not be modified.
func (g *Graph) Neighbors(nodeID string) []Arc {
	return g.adjacency[nodeID]
}

// Nodes returns all nodes in load order.
func (g *Graph) Nodes() []Node {
	res := make([]Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		res = append(res, g.nodes[id])
	}
	return res
}

// Edges returns all edges in load order.
func (g *Graph) Edges() []Edge {
	res := make([]Edge, 0, len(g.edgeOrder))
	for _, id := range g.edgeOrder {
		res = append(res, g.edges[id])
	}
	return res
}

// EdgeIDs returns edge IDs sorted lexically.
func (g *Graph) EdgeIDs() []string {
	ids := append([]string(nil), g.edgeOrder...)
	sort.Strings(ids)
	return ids
}

func (g *Graph) NodeCount() int { return len(g.nodes) }
func (g *Graph) EdgeCount() int { return len(g.edges) }

// Distance returns the straight-line distance between two nodes, in km for
// geographic maps and grid units for planar maps. Unknown nodes yield 0.
func (g *Graph) Distance(a, b string) float64 {
	na, okA := g.nodes[a]
	nb, okB := g.nodes[b]
	if !okA || !okB {
		return 0
	}
	return g.PointDistance(na.Point, nb.Point)
}

// PointDistance measures between two coordinates in the graph's projection.
func (g *Graph) PointDistance(a, b orb.Point) float64 {
	if g.projection == Planar {
		return planar.Distance(a, b)
	}
	return geo.DistanceHaversine(a, b) / 1000
}

// StartNode infers the node a route begins at. hint wins when it is an
// endpoint of the first segment; otherwise the endpoint not shared with the
// second segment is used.
func (g *Graph) StartNode(path []string, hint string) (string, error) {
	if len(path) == 0 {
		if hint == "" {
			return "", fmt.Errorf("kb: empty route without start hint")
		}
		return hint, nil
	}
	first, ok := g.edges[path[0]]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEdge, path[0])
	}
	if hint != "" && first.Connects(hint) {
		return hint, nil
	}
	if len(path) > 1 {
		second, ok := g.edges[path[1]]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownEdge, path[1])
		}
		if second.Connects(first.To) && !second.Connects(first.From) {
			return first.From, nil
		}
		if second.Connects(first.From) {
			return first.To, nil
		}
		return "", fmt.Errorf("%w: %q and %q", ErrDisconnectedRoute, path[0], path[1])
	}
	return first.From, nil
}

// NodePath expands a segment route into the ordered nodes it visits,
// starting from StartNode(path, hint).
func (g *Graph) NodePath(path []string, hint string) ([]string, error) {
	start, err := g.StartNode(path, hint)
	if err != nil {
		return nil, err
	}
	nodes := make([]string, 0, len(path)+1)
	nodes = append(nodes, start)
	current := start
	for _, id := range path {
		e, ok := g.edges[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEdge, id)
		}
		next, ok := e.Other(current)
		if !ok {
			return nil, fmt.Errorf("%w: %q does not touch %q", ErrDisconnectedRoute, id, current)
		}
		if !e.Bidirectional && e.From != current {
			return nil, fmt.Errorf("%w: %q is one-way from %q", ErrDisconnectedRoute, id, e.From)
		}
		nodes = append(nodes, next)
		current = next
	}
	return nodes, nil
}
