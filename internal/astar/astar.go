// Package astar implements the heading-aware pathfinding search: a node is a
// (pano, heading) pair rather than just a pano, because the set of options
// reachable next depends on which way you're currently facing.
package astar

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/options"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/spatial"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/store"
)

// Heuristic factor bounds: lower is more accurate but slower (closer to
// Dijkstra), higher is faster but can miss the truly optimal route.
const (
	MinHeuristicFactor         = 1.
	RecommendedHeuristicFactor = 3.3
	MaxHeuristicFactor         = 4.
)

// progressUpdateEveryNodes is how often (in nodes considered) a progress
// snapshot is eligible to be published once past the first
// progressUpdateEveryNodes nodes; the 100ms gap below applies as well.
const progressUpdateEveryNodes = 1024

// progressUpdateInterval is the minimum wall-clock gap between progress
// snapshots, applied at every node count.
const progressUpdateInterval = 100 * time.Millisecond

// goalRadius and goalRadiusTight (in meters) define the goal test: a node
// within goalRadiusTight of the goal ends the search, and a node between the
// two radii only does if the point goalRadiusTight behind it is that close.
const goalRadius = 30.
const goalRadiusTight = 15.

// ErrNoPathFound is returned when the open set is exhausted without
// reaching the goal.
var ErrNoPathFound = errors.New("no path found")

// Cost is the pathfinder's edge/path cost unit: roughly seconds of travel
// time, not meters.
type Cost = float32

// PathSettings tunes a single search.
type PathSettings struct {
	HeuristicFactor float64
	// NoLongJumps disables wormhole/portal displacement by rejecting any
	// neighbor more than 500m (in plan approximation) from its parent.
	NoLongJumps bool
	// UseOptionCache controls whether the options engine's cache is
	// consulted; disabling it is meant for debugging/benchmarking.
	UseOptionCache bool
	// ForwardPenaltyOnIntersections is added to the cost of every option
	// within 30 degrees of the current heading at a node with more than one
	// option, at least one of which turns more than 30 degrees, to
	// discourage routes that zigzag through intersections.
	ForwardPenaltyOnIntersections Cost
	// EdgeCostSingle and EdgeCostMulti are the base per-edge cost (in
	// seconds) for a node with exactly one option and with more than one,
	// respectively. Zero in either field falls back to the recommended
	// 5.875/9.625 defaults.
	EdgeCostSingle Cost
	EdgeCostMulti  Cost
}

// NodeIdent identifies a search node: a pano plus the heading a traveler
// would be facing there. Two nodes are the same node only if both the pano
// id and heading match - approaching the same pano from a different heading
// can have an entirely different set of next options.
type NodeIdent struct {
	Pano    model.Pano
	Heading float32
}

func (n NodeIdent) key() nodeKey {
	return nodeKey{panoID: n.Pano.ID, headingBits: math.Float32bits(n.Heading)}
}

// nodeKey is NodeIdent reduced to just the fields that determine identity,
// used as the open/closed-set map key so that two NodeIdents with the same
// pano and heading (but, inconsequentially, different cached Loc precision)
// are always treated as the same node.
type nodeKey struct {
	panoID      model.PanoId
	headingBits uint32
}

// nodeRecord is the bookkeeping kept for every node that's been enqueued:
// which node it was reached from, and the cheapest confirmed cost to reach
// it so far.
type nodeRecord struct {
	cameFrom int32 // -1 for the start node
	gScore   Cost
}

type weightedNode struct {
	index  int32
	gScore Cost
	fScore Cost
	// seq makes pop order deterministic for nodes with an equal fScore,
	// which plain float comparisons in a heap otherwise leave arbitrary.
	seq int64
}

type nodeHeap []weightedNode

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].fScore != h[j].fScore {
		return h[i].fScore < h[j].fScore
	}
	return h[i].seq < h[j].seq
}
func (h nodeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)   { *h = append(*h, x.(weightedNode)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ProgressUpdate is a point-in-time snapshot of a running search, suitable
// for relaying to a client over a WebSocket.
type ProgressUpdate struct {
	PercentDone               float64
	EstimatedSecondsRemaining float64
	NodesConsidered           int
	BestPathCost              Cost
	BestPath                  [][2]float32
	CurrentPath               [][2]float32
}

// ProgressTracker holds the latest ProgressUpdate for a running search under
// a mutex, so the search goroutine can publish snapshots while a server
// handler reads them concurrently.
type ProgressTracker struct {
	mu     sync.Mutex
	update ProgressUpdate
}

// NewProgressTracker returns an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{}
}

// Set replaces the tracked snapshot.
func (t *ProgressTracker) Set(u ProgressUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.update = u
}

// Snapshot returns a copy of the latest tracked snapshot.
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.update
}

// Pathfinder runs heading-aware A* searches, backed by the options engine
// for neighbor derivation and the spatial index/store for resolving a start
// location to a pano.
type Pathfinder struct {
	options *options.Engine
	spatial *spatial.Index
	store   *store.Store
}

// New builds a Pathfinder.
func New(optionsEngine *options.Engine, spatialIndex *spatial.Index, db *store.Store) *Pathfinder {
	return &Pathfinder{options: optionsEngine, spatial: spatialIndex, store: db}
}

// FindPath searches from (start, heading) to goal, publishing periodic
// progress snapshots to progress if it's non-nil. startPanoID, if non-nil,
// pins the search to start at that exact pano instead of snapping to the
// nearest one.
func (pf *Pathfinder) FindPath(
	ctx context.Context,
	start geo.Location,
	startPanoID *string,
	heading float32,
	goal geo.Location,
	progress *ProgressTracker,
	settings PathSettings,
) ([]NodeIdent, error) {
	startPano, err := pf.resolveStartPano(ctx, start, startPanoID)
	if err != nil {
		return nil, err
	}

	startNode := NodeIdent{Pano: startPano, Heading: heading}

	nodes := []NodeIdent{startNode}
	records := []nodeRecord{{cameFrom: -1, gScore: 0}}
	index := map[nodeKey]int32{startNode.key(): 0}

	openSet := &nodeHeap{{index: 0, gScore: 0, fScore: 0, seq: 0}}
	heap.Init(openSet)
	var seq int64 = 1

	overallHeuristic := float64(heuristic(startNode, goal, settings.HeuristicFactor))
	log.Printf("path distance: %.1fkm", geo.Distance(startPano.Loc, goal)/1000.)

	bestNodeIndex := int32(0)
	heuristicOfBestNode := Cost(math.MaxFloat32)

	nodesConsidered := 0
	startTime := time.Now()
	lastUpdate := startTime

	allowTurnaround := true

	for openSet.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		top := heap.Pop(openSet).(weightedNode)
		nodesConsidered++

		node := nodes[top.index]
		rec := records[top.index]

		if isGoalReached(node, goal) {
			route := reconstructPath(nodes, records, top.index)
			log.Printf("found goal in %s, cost %.0f (%.1fh), %d nodes considered",
				time.Since(startTime), top.gScore, top.gScore/3600., nodesConsidered)
			if progress != nil {
				progress.Set(ProgressUpdate{
					PercentDone:     1,
					NodesConsidered: nodesConsidered,
					BestPathCost:    top.gScore,
					BestPath:        toGeoJSON(route),
				})
			}
			return route, nil
		}

		if top.gScore > rec.gScore {
			// a cheaper way to this node was already confirmed since this
			// entry was pushed.
			continue
		}

		if (nodesConsidered%progressUpdateEveryNodes == 0 || nodesConsidered < progressUpdateEveryNodes) &&
			time.Since(lastUpdate) > progressUpdateInterval {
			lastUpdate = time.Now()

			if progress != nil {
				percent := 1. - float64(heuristicOfBestNode)/overallHeuristic
				elapsed := time.Since(startTime).Seconds()
				estimatedRemaining := elapsed/percent - elapsed

				progress.Set(ProgressUpdate{
					PercentDone:               percent,
					EstimatedSecondsRemaining: estimatedRemaining,
					NodesConsidered:           nodesConsidered,
					BestPathCost:              records[bestNodeIndex].gScore,
					BestPath:                  toGeoJSON(reconstructPath(nodes, records, bestNodeIndex)),
					CurrentPath:               toGeoJSON(reconstructPath(nodes, records, top.index)),
				})
			}
		}

		neighbors, err := pf.options.GetOptions(ctx, node.Pano, node.Heading, allowTurnaround, settings.UseOptionCache)
		if err != nil {
			return nil, err
		}
		if neighbors.Turnaround {
			// only the first attempted turnaround is allowed to succeed;
			// turnarounds are only useful right at the start of a route.
			allowTurnaround = false
		}

		neighborCount := len(neighbors.Options)
		nodeLoc := node.Pano.Loc
		nodeHeading := node.Heading

		var approxLngMPerDegree float64
		if settings.NoLongJumps {
			approxLngMPerDegree = nodeLoc.LngMPerDegree()
		}

		// the base delays are 5 and 9 seconds; a little extra is added to
		// account for latency, per historical data. Padding amount is
		// configurable per settings.EdgeCostSingle/EdgeCostMulti since
		// observed latency drifts over time.
		edgeCostMulti := settings.EdgeCostMulti
		if edgeCostMulti == 0 {
			edgeCostMulti = 9.625
		}
		edgeCostSingle := settings.EdgeCostSingle
		if edgeCostSingle == 0 {
			edgeCostSingle = 5.875
		}
		baseNeighborCost := edgeCostMulti
		if neighborCount == 1 {
			baseNeighborCost = edgeCostSingle
		}

		isLikelyIntersection := false
		if neighborCount > 1 && settings.ForwardPenaltyOnIntersections > 0 {
			for _, n := range neighbors.Options {
				if headingDiffAbs(n.Heading, nodeHeading) > 30. {
					isLikelyIntersection = true
					break
				}
			}
		}

		for i, neighbor := range neighbors.Options {
			if settings.NoLongJumps {
				d := geo.ApproxDistanceSqr(nodeLoc, neighbor.Pano.Loc, approxLngMPerDegree)
				const jumpLimit = 500.
				if d > jumpLimit*jumpLimit {
					continue
				}
			}

			neighborCost := baseNeighborCost
			if i == 0 && neighborCount > 1 {
				// tiebreaker, prefer going forward (usually the first option).
				neighborCost -= 0.001
			}
			if isLikelyIntersection && headingDiffAbs(neighbor.Heading, nodeHeading) < 30. {
				neighborCost += settings.ForwardPenaltyOnIntersections
			}

			tentativeGScore := top.gScore + neighborCost

			neighborNode := NodeIdent{Pano: neighbor.Pano, Heading: neighbor.Heading}
			key := neighborNode.key()

			existingIndex, exists := index[key]
			if exists && tentativeGScore >= records[existingIndex].gScore {
				continue
			}

			var neighborIndex int32
			if exists {
				neighborIndex = existingIndex
				records[neighborIndex] = nodeRecord{cameFrom: top.index, gScore: tentativeGScore}
			} else {
				nodes = append(nodes, neighborNode)
				records = append(records, nodeRecord{cameFrom: top.index, gScore: tentativeGScore})
				neighborIndex = int32(len(nodes) - 1)
				index[key] = neighborIndex
			}

			neighborHeuristic := heuristic(neighborNode, goal, settings.HeuristicFactor)
			if neighborHeuristic < heuristicOfBestNode {
				heuristicOfBestNode = neighborHeuristic
				bestNodeIndex = neighborIndex
			}

			heap.Push(openSet, weightedNode{
				index:  neighborIndex,
				gScore: tentativeGScore,
				fScore: tentativeGScore + neighborHeuristic,
				seq:    seq,
			})
			seq++
		}
	}

	if progress != nil {
		progress.Set(ProgressUpdate{PercentDone: 1, NodesConsidered: nodesConsidered})
	}
	return nil, ErrNoPathFound
}

func (pf *Pathfinder) resolveStartPano(ctx context.Context, start geo.Location, startPanoID *string) (model.Pano, error) {
	if startPanoID != nil {
		id, err := pf.store.GetPanoID(*startPanoID)
		if err != nil {
			return model.Pano{}, fmt.Errorf("interning start pano id: %w", err)
		}
		return model.Pano{ID: id, Loc: start}, nil
	}

	pano, ok, err := pf.spatial.GetNearestPano(ctx, start, 500.)
	if err != nil {
		return model.Pano{}, err
	}
	if !ok {
		return model.Pano{}, fmt.Errorf("start position isn't near a pano")
	}
	return pano, nil
}

// headingDiffAbs returns the plain (non-wraparound) absolute difference
// between two headings. Deliberately not circular: the intersection check
// this feeds is about whether a turn looks sharp on paper, and the original
// implementation never normalizes across the 0/360 seam here either.
func headingDiffAbs(a, b float32) float32 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

func heuristic(node NodeIdent, goal geo.Location, factor float64) Cost {
	return Cost(geo.Distance(node.Pano.Loc, goal) / factor)
}

func isGoalReached(node NodeIdent, goal geo.Location) bool {
	dist := geo.Distance(node.Pano.Loc, goal)
	if dist >= goalRadius {
		return false
	}
	if dist < goalRadiusTight {
		return true
	}

	// also check the point 15m behind us, so a straight path that skips
	// right over the nearest pano to the goal can still be recognized.
	behindLoc := geo.PointAtDistance(node.Pano.Loc, node.Heading+180., goalRadiusTight)
	return geo.Distance(behindLoc, goal) < goalRadiusTight
}

func reconstructPath(nodes []NodeIdent, records []nodeRecord, current int32) []NodeIdent {
	var path []NodeIdent
	for records[current].cameFrom != -1 {
		path = append(path, nodes[current])
		current = records[current].cameFrom
	}
	path = append(path, nodes[current])

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func toGeoJSON(path []NodeIdent) [][2]float32 {
	out := make([][2]float32, len(path))
	for i, n := range path {
		out[i] = n.Pano.Loc.ToGeoJSON()
	}
	return out
}
