package core

import (
	"fmt"
	"strconv"

	"github.com/awalterschulze/gographviz"

	"github.com/signalsfoundry/emergency-routing/kb"
	"github.com/signalsfoundry/emergency-routing/model"
)

// DOTOptions controls ExportDOT.
type DOTOptions struct {
	// Name is the graph name; defaults to "roads".
	Name string
	// Live colours edges by their ledger status when present.
	Live map[string]model.Segment
	// Highlight draws these segments thicker, e.g. a mission's path.
	Highlight []string
}

var statusColour = map[model.SegmentStatus]string{
	model.SegmentFree:     "gray50",
	model.SegmentReserved: "orange",
	model.SegmentOccupied: "red",
}

// ExportDOT renders the road graph as Graphviz DOT. Node positions are
// pinned to their map coordinates so `neato -n` draws the real layout.
func ExportDOT(g *kb.Graph, opts DOTOptions) (string, error) {
	name := opts.Name
	if name == "" {
		name = "roads"
	}
	highlight := make(map[string]bool, len(opts.Highlight))
	for _, id := range opts.Highlight {
		highlight[id] = true
	}

	out := gographviz.NewGraph()
	if err := out.SetName(name); err != nil {
		return "", err
	}
	if err := out.SetDir(true); err != nil {
		return "", err
	}

	scale := 1.0
	if g.Projection() == kb.Geographic {
		scale = 1000 // degrees are tiny on a canvas
	}
	for _, n := range g.Nodes() {
		attrs := map[string]string{
			"label": strconv.Quote(nodeLabel(n)),
			"pos":   strconv.Quote(fmt.Sprintf("%.3f,%.3f!", n.Point[0]*scale, n.Point[1]*scale)),
			"shape": "circle",
		}
		if n.Kind == kb.NodePOI {
			attrs["shape"] = "box"
		}
		if err := out.AddNode(name, strconv.Quote(n.ID), attrs); err != nil {
			return "", fmt.Errorf("ExportDOT: node %q: %w", n.ID, err)
		}
	}

	for _, e := range g.Edges() {
		status := model.SegmentFree
		if seg, ok := opts.Live[e.ID]; ok {
			status = seg.EffectiveStatus()
		}
		label := e.ID
		if seg, ok := opts.Live[e.ID]; ok && seg.Holder != nil {
			label = fmt.Sprintf("%s\n%s p%d", e.ID, seg.Holder.MissionID, seg.Holder.Priority)
		}
		attrs := map[string]string{
			"label": strconv.Quote(label),
			"color": strconv.Quote(statusColour[status]),
		}
		if e.Bidirectional {
			attrs["dir"] = "both"
		}
		if highlight[e.ID] {
			attrs["penwidth"] = "3"
			attrs["style"] = "bold"
		}
		if err := out.AddEdge(strconv.Quote(e.From), strconv.Quote(e.To), true, attrs); err != nil {
			return "", fmt.Errorf("ExportDOT: edge %q: %w", e.ID, err)
		}
	}

	return out.String(), nil
}

func nodeLabel(n kb.Node) string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}
