// Package routing finds contention-aware routes over the road graph.
package routing

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/emergency-routing/internal/logging"
	"github.com/signalsfoundry/emergency-routing/internal/observability"
	"github.com/signalsfoundry/emergency-routing/kb"
	"github.com/signalsfoundry/emergency-routing/model"
)

var (
	// ErrNoPath means every route between the endpoints is excluded.
	ErrNoPath = errors.New("routing: no path")
	// ErrUnknownNode means an endpoint is not part of the graph.
	ErrUnknownNode = kb.ErrUnknownNode
)

// DefaultTimePerWeightUnit converts route weight into travel time.
const DefaultTimePerWeightUnit = 30 * time.Second

// Request asks for a route from Origin to Dest on behalf of Requester.
type Request struct {
	Origin string
	Dest   string
	Requester

	// Live is the current ledger view keyed by segment id. Missing
	// segments are free.
	Live map[string]model.Segment
	// Exclude lists segments that must not appear in the route.
	Exclude []string
}

// Route is a computed path.
type Route struct {
	Path          []string      `json:"path"`
	NodePath      []string      `json:"nodePath"`
	TotalWeight   float64       `json:"totalWeight"`
	EstimatedTime time.Duration `json:"estimatedTime"`
}

// Recorder receives path computation measurements.
type Recorder interface {
	ObservePathComputation(d time.Duration, outcome string)
}

// Engine runs A* over an immutable graph. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	graph       *kb.Graph
	timePerUnit time.Duration
	log         logging.Logger
	metrics     Recorder
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithTimePerWeightUnit overrides DefaultTimePerWeightUnit.
func WithTimePerWeightUnit(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timePerUnit = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics reports each computation to r.
func WithMetrics(r Recorder) EngineOption {
	return func(e *Engine) { e.metrics = r }
}

// NewEngine builds an engine over g.
func NewEngine(g *kb.Graph, opts ...EngineOption) *Engine {
	e := &Engine{graph: g, timePerUnit: DefaultTimePerWeightUnit, log: logging.Noop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Graph returns the graph the engine routes over.
func (e *Engine) Graph() *kb.Graph { return e.graph }

// FindPath returns the cheapest route for req. Identical inputs always give
// the identical route.
func (e *Engine) FindPath(ctx context.Context, req Request) (Route, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := observability.Tracer().Start(ctx, "routing.FindPath")
	defer span.End()
	span.SetAttributes(
		attribute.String("route.origin", req.Origin),
		attribute.String("route.dest", req.Dest),
		attribute.Int("route.priority", req.Priority),
		attribute.Int("route.excluded", len(req.Exclude)),
	)

	start := time.Now()
	route, err := e.search(req)
	outcome := "found"
	switch {
	case errors.Is(err, ErrUnknownNode):
		outcome = "unknown_node"
	case errors.Is(err, ErrNoPath):
		outcome = "no_path"
	}
	if e.metrics != nil {
		e.metrics.ObservePathComputation(time.Since(start), outcome)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.log.Debug(ctx, "path search failed",
			logging.String("origin", req.Origin),
			logging.String("dest", req.Dest),
			logging.Err(err),
		)
		return Route{}, err
	}
	span.SetAttributes(attribute.Int("route.segments", len(route.Path)), attribute.Float64("route.weight", route.TotalWeight))
	return route, nil
}

type searchItem struct {
	node string
	f    float64
	g    float64
	seq  uint64
}

// openSet orders by f, then by insertion sequence.
type openSet []searchItem

func (o openSet) Len() int { return len(o) }
func (o openSet) Less(i, j int) bool {
	if o[i].f != o[j].f {
		return o[i].f < o[j].f
	}
	return o[i].seq < o[j].seq
}
func (o openSet) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o *openSet) Push(x any)   { *o = append(*o, x.(searchItem)) }
func (o *openSet) Pop() any {
	old := *o
	n := len(old)
	item := old[n-1]
	*o = old[:n-1]
	return item
}

type step struct {
	prev string
	edge string
}

func (e *Engine) search(req Request) (Route, error) {
	g := e.graph
	if !g.HasNode(req.Origin) {
		return Route{}, fmt.Errorf("%w: origin %q", ErrUnknownNode, req.Origin)
	}
	if !g.HasNode(req.Dest) {
		return Route{}, fmt.Errorf("%w: destination %q", ErrUnknownNode, req.Dest)
	}
	if req.Origin == req.Dest {
		return Route{Path: []string{}, NodePath: []string{req.Origin}}, nil
	}

	excluded := make(map[string]struct{}, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = struct{}{}
	}
	scale := g.HeuristicScale()
	h := func(node string) float64 { return g.Distance(node, req.Dest) * scale }

	var seq uint64
	open := &openSet{{node: req.Origin, f: h(req.Origin), seq: seq}}
	best := map[string]float64{req.Origin: 0}
	came := map[string]step{}
	closed := map[string]struct{}{}

	for open.Len() > 0 {
		cur := heap.Pop(open).(searchItem)
		if _, done := closed[cur.node]; done {
			continue
		}
		if cur.node == req.Dest {
			return e.buildRoute(req, came, cur.g), nil
		}
		closed[cur.node] = struct{}{}

		for _, arc := range g.Neighbors(cur.node) {
			if _, skip := excluded[arc.EdgeID]; skip {
				continue
			}
			if _, done := closed[arc.To]; done {
				continue
			}
			cost := arc.Weight
			if seg, ok := req.Live[arc.EdgeID]; ok {
				cost *= req.Price(seg)
			}
			tentative := cur.g + cost
			if prev, seen := best[arc.To]; seen && tentative >= prev {
				continue
			}
			best[arc.To] = tentative
			came[arc.To] = step{prev: cur.node, edge: arc.EdgeID}
			seq++
			heap.Push(open, searchItem{node: arc.To, g: tentative, f: tentative + h(arc.To), seq: seq})
		}
	}
	return Route{}, fmt.Errorf("%w: %q to %q", ErrNoPath, req.Origin, req.Dest)
}

func (e *Engine) buildRoute(req Request, came map[string]step, total float64) Route {
	var path []string
	nodes := []string{req.Dest}
	for node := req.Dest; node != req.Origin; {
		s := came[node]
		path = append(path, s.edge)
		nodes = append(nodes, s.prev)
		node = s.prev
	}
	slices.Reverse(path)
	slices.Reverse(nodes)
	return Route{
		Path:          path,
		NodePath:      nodes,
		TotalWeight:   total,
		EstimatedTime: time.Duration(total * float64(e.timePerUnit)),
	}
}
