package core

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/paulmach/orb"

	"github.com/signalsfoundry/emergency-routing/kb"
	"github.com/signalsfoundry/emergency-routing/model"
)

// MapSummary describes what LoadMap produced.
type MapSummary struct {
	Name       string
	Projection kb.Projection
	Nodes      int
	Edges      int
	// Adjusted maps edge IDs to the weight rules that changed them.
	Adjusted map[string][]string
}

// AdjustedEdgeIDs returns the edges touched by weight rules, sorted.
func (s *MapSummary) AdjustedEdgeIDs() []string {
	ids := make([]string, 0, len(s.Adjusted))
	for id := range s.Adjusted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type mapJSON struct {
	Name        string       `json:"name"`
	Projection  string       `json:"projection"`
	Nodes       []nodeJSON   `json:"nodes"`
	Edges       []edgeJSON   `json:"edges"`
	WeightRules []WeightRule `json:"weightRules"`
}

type nodeJSON struct {
	ID    string   `json:"id"`
	Label string   `json:"label"`
	Type  string   `json:"type"` // intersection | poi
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	X     *float64 `json:"x"`
	Y     *float64 `json:"y"`
	Org   string   `json:"orgType"`
}

type edgeJSON struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
	// Weight defaults to the straight-line length between the endpoints.
	Weight        *float64     `json:"weight"`
	Bidirectional *bool        `json:"bidirectional"` // defaults to true
	Geometry      [][2]float64 `json:"geometry"`      // [lon, lat] or [x, y]
}

// LoadMap decodes a JSON road map from r, applies its weight rules and
// returns the resulting immutable graph.
func LoadMap(r io.Reader) (*kb.Graph, *MapSummary, error) {
	var payload mapJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, nil, fmt.Errorf("LoadMap: decode failed: %w", err)
	}
	return buildMap(payload)
}

func buildMap(payload mapJSON) (*kb.Graph, *MapSummary, error) {
	projection := kb.Projection(payload.Projection)
	if projection == "" {
		projection = kb.Geographic
	}

	nodes := make([]kb.Node, 0, len(payload.Nodes))
	points := make(map[string]orb.Point, len(payload.Nodes))
	for _, n := range payload.Nodes {
		p, err := nodePoint(projection, n)
		if err != nil {
			return nil, nil, fmt.Errorf("LoadMap: %w", err)
		}
		kind := kb.NodeKind(n.Type)
		if kind == "" {
			kind = kb.NodeIntersection
		}
		if kind != kb.NodeIntersection && kind != kb.NodePOI {
			return nil, nil, fmt.Errorf("LoadMap: node %q has unknown type %q", n.ID, n.Type)
		}
		org := model.Org(n.Org)
		if org != "" && !org.Valid() {
			return nil, nil, fmt.Errorf("LoadMap: node %q has unknown orgType %q", n.ID, n.Org)
		}
		nodes = append(nodes, kb.Node{ID: n.ID, Label: n.Label, Kind: kind, Point: p, Org: org})
		points[n.ID] = p
	}

	rules, err := compileRules(payload.WeightRules)
	if err != nil {
		return nil, nil, fmt.Errorf("LoadMap: %w", err)
	}

	// Lengths are needed before the graph exists, so measure with a
	// throwaway node-only graph in the same projection.
	measure, err := kb.NewGraph(projection, nodes, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("LoadMap: %w", err)
	}

	summary := &MapSummary{
		Name:       payload.Name,
		Projection: projection,
		Adjusted:   map[string][]string{},
	}

	edges := make([]kb.Edge, 0, len(payload.Edges))
	for _, e := range payload.Edges {
		length := measure.Distance(e.From, e.To)
		weight := length
		if e.Weight != nil {
			weight = *e.Weight
		}
		bidirectional := true
		if e.Bidirectional != nil {
			bidirectional = *e.Bidirectional
		}
		env := ruleEnv{
			ID:            e.ID,
			From:          e.From,
			To:            e.To,
			Weight:        weight,
			Length:        length,
			Bidirectional: bidirectional,
		}
		if len(rules) > 0 {
			adjusted, fired, err := applyRules(rules, env)
			if err != nil {
				return nil, nil, fmt.Errorf("LoadMap: %w", err)
			}
			if len(fired) > 0 {
				summary.Adjusted[e.ID] = fired
			}
			weight = adjusted
		}

		var geometry orb.LineString
		if len(e.Geometry) > 0 {
			geometry = make(orb.LineString, 0, len(e.Geometry))
			for _, c := range e.Geometry {
				geometry = append(geometry, orb.Point{c[0], c[1]})
			}
		}

		edges = append(edges, kb.Edge{
			ID:            e.ID,
			From:          e.From,
			To:            e.To,
			Weight:        weight,
			Bidirectional: bidirectional,
			Geometry:      geometry,
		})
	}

	g, err := kb.NewGraph(projection, nodes, edges)
	if err != nil {
		return nil, nil, fmt.Errorf("LoadMap: %w", err)
	}
	summary.Nodes = g.NodeCount()
	summary.Edges = g.EdgeCount()
	return g, summary, nil
}

func nodePoint(projection kb.Projection, n nodeJSON) (orb.Point, error) {
	switch projection {
	case kb.Planar:
		if n.X == nil || n.Y == nil {
			return orb.Point{}, fmt.Errorf("node %q needs x and y on a planar map", n.ID)
		}
		return orb.Point{*n.X, *n.Y}, nil
	default:
		if n.Lat == nil || n.Lon == nil {
			return orb.Point{}, fmt.Errorf("node %q needs lat and lon on a geographic map", n.ID)
		}
		if *n.Lat < -90 || *n.Lat > 90 || *n.Lon < -180 || *n.Lon > 180 {
			return orb.Point{}, fmt.Errorf("node %q has coordinates out of range", n.ID)
		}
		return orb.Point{*n.Lon, *n.Lat}, nil
	}
}
