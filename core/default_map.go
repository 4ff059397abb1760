package core

import (
	"fmt"

	"github.com/paulmach/orb"

	"github.com/signalsfoundry/emergency-routing/kb"
)

// GridSize is the side length of the built-in demo grid.
const GridSize = 5

// DefaultGrid builds the built-in 5x5 planar grid: nodes N1..N25 laid out
// row by row at unit spacing, horizontal segments S1..S20 and vertical
// segments S21..S40, all bidirectional with weight 1.
func DefaultGrid() *kb.Graph {
	g, err := Grid(GridSize)
	if err != nil {
		panic(err) // static data
	}
	return g
}

// Grid builds an n x n planar grid using the DefaultGrid naming scheme.
func Grid(n int) (*kb.Graph, error) {
	if n < 2 {
		return nil, fmt.Errorf("grid size must be at least 2, got %d", n)
	}
	nodeID := func(row, col int) string { return fmt.Sprintf("N%d", row*n+col+1) }

	nodes := make([]kb.Node, 0, n*n)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			nodes = append(nodes, kb.Node{
				ID:    nodeID(row, col),
				Kind:  kb.NodeIntersection,
				Point: orb.Point{float64(col), float64(row)},
			})
		}
	}

	edges := make([]kb.Edge, 0, 2*n*(n-1))
	seq := 1
	for row := 0; row < n; row++ {
		for col := 0; col < n-1; col++ {
			edges = append(edges, kb.Edge{
				ID: fmt.Sprintf("S%d", seq), From: nodeID(row, col), To: nodeID(row, col+1),
				Weight: 1, Bidirectional: true,
			})
			seq++
		}
	}
	for col := 0; col < n; col++ {
		for row := 0; row < n-1; row++ {
			edges = append(edges, kb.Edge{
				ID: fmt.Sprintf("S%d", seq), From: nodeID(row, col), To: nodeID(row+1, col),
				Weight: 1, Bidirectional: true,
			})
			seq++
		}
	}
	return kb.NewGraph(kb.Planar, nodes, edges)
}
