package astar

import (
	"container/heap"
	"testing"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
)

func TestHeuristicScalesWithFactor(t *testing.T) {
	node := NodeIdent{Pano: model.Pano{Loc: geo.NewLocationDeg(40., -73.)}}
	goal := geo.NewLocationDeg(40.1, -73.)

	h1 := heuristic(node, goal, 1.)
	h2 := heuristic(node, goal, 2.)

	if h2 >= h1 {
		t.Fatalf("expected a larger heuristic factor to reduce the heuristic, got h1=%v h2=%v", h1, h2)
	}
	if h1 <= 0 {
		t.Fatalf("expected a positive heuristic for a distant goal, got %v", h1)
	}
}

func TestIsGoalReachedNearGoal(t *testing.T) {
	goal := geo.NewLocationDeg(40., -73.)
	node := NodeIdent{Pano: model.Pano{Loc: geo.NewLocationDeg(40., -73.)}, Heading: 0.}

	if !isGoalReached(node, goal) {
		t.Fatalf("expected a node at the goal to be reached")
	}
}

func TestIsGoalReachedFar(t *testing.T) {
	goal := geo.NewLocationDeg(40., -73.)
	node := NodeIdent{Pano: model.Pano{Loc: geo.NewLocationDeg(41., -73.)}, Heading: 0.}

	if isGoalReached(node, goal) {
		t.Fatalf("expected a node far from the goal to not be reached")
	}
}

func TestIsGoalReachedBehindCheck(t *testing.T) {
	goal := geo.NewLocationDeg(40., -73.)
	// 20m north of the goal, facing further north (away from goal) - not
	// within the tight radius directly, but the point 15m behind (south,
	// towards the goal) should be.
	loc := geo.PointAtDistance(goal, 0., 20.)
	node := NodeIdent{Pano: model.Pano{Loc: loc}, Heading: 0.}

	if !isGoalReached(node, goal) {
		t.Fatalf("expected the behind-check to recognize a path that skipped past the goal pano")
	}
}

func TestReconstructPathWalksBackToStart(t *testing.T) {
	nodes := []NodeIdent{
		{Pano: model.Pano{ID: 1}},
		{Pano: model.Pano{ID: 2}},
		{Pano: model.Pano{ID: 3}},
	}
	records := []nodeRecord{
		{cameFrom: -1, gScore: 0},
		{cameFrom: 0, gScore: 5},
		{cameFrom: 1, gScore: 10},
	}

	path := reconstructPath(nodes, records, 2)
	if len(path) != 3 {
		t.Fatalf("expected a 3-node path, got %d", len(path))
	}
	if path[0].Pano.ID != 1 || path[1].Pano.ID != 2 || path[2].Pano.ID != 3 {
		t.Fatalf("expected path in start-to-goal order, got %+v", path)
	}
}

func TestNodeHeapPopsLowestFScoreFirst(t *testing.T) {
	h := &nodeHeap{}
	heap.Init(h)
	heap.Push(h, weightedNode{index: 1, fScore: 10, seq: 0})
	heap.Push(h, weightedNode{index: 2, fScore: 5, seq: 1})
	heap.Push(h, weightedNode{index: 3, fScore: 20, seq: 2})

	first := heap.Pop(h).(weightedNode)
	if first.index != 2 {
		t.Fatalf("expected the lowest fScore node to pop first, got index %d", first.index)
	}
}

func TestNodeHeapBreaksTiesBySequence(t *testing.T) {
	h := &nodeHeap{}
	heap.Init(h)
	heap.Push(h, weightedNode{index: 1, fScore: 5, seq: 5})
	heap.Push(h, weightedNode{index: 2, fScore: 5, seq: 2})

	first := heap.Pop(h).(weightedNode)
	if first.index != 2 {
		t.Fatalf("expected the earlier-inserted node to pop first on a tie, got index %d", first.index)
	}
}
