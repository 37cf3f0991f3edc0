// Package orchestrator splits a multi-waypoint pathfinding request into one
// A* task per leg, runs them concurrently, and merges their progress into a
// single differential update stream suitable for relaying to a client.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/astar"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
)

// mergeInterval is how often progress slots are polled and merged into a
// combined update.
const mergeInterval = 100 * time.Millisecond

// Request describes a full pathfinding request: a start location (optionally
// pinned to a specific pano), an initial heading, and a chain of waypoints
// ending at the destination.
type Request struct {
	Start       geo.Location
	StartPanoID *string
	Heading     float32
	Stops       []geo.Location
	Settings    astar.PathSettings
}

// CombinedUpdate is one merged progress snapshot across every leg of a
// request, in the differential prefix/append shape the wire protocol wants:
// KeepPrefixLength says how many of the previously-sent path points are
// still valid, and Append holds the new points past that prefix.
type CombinedUpdate struct {
	PercentDone               float64
	EstimatedSecondsRemaining float64
	BestPathCost              astar.Cost
	NodesConsidered           int
	ElapsedSeconds            float64

	BestPathKeepPrefixLength int
	BestPathAppend           [][2]float32

	CurrentPathKeepPrefixLength int
	CurrentPathAppend           [][2]float32
}

// Sink receives merged progress updates. Returning an error aborts every
// in-flight leg of the request (the ClientGone case from spec.md §7).
type Sink func(CombinedUpdate) error

// Pathfinder is the subset of astar.Pathfinder the orchestrator needs,
// narrowed to keep this package easy to test with a fake.
type Pathfinder interface {
	FindPath(ctx context.Context, start geo.Location, startPanoID *string, heading float32, goal geo.Location, progress *astar.ProgressTracker, settings astar.PathSettings) ([]astar.NodeIdent, error)
}

// snapDistances are tried in order, closest first, so a waypoint next to an
// already-nearby pano doesn't force a wide-radius tile fetch.
var snapDistances = []float64{100, 500, 1000, 2000}

// MaxWaypoints and MaxTotalDistanceMeters bound a single request, per
// spec.md §4.7 step 2.
const (
	MaxWaypoints           = 200
	MaxTotalDistanceMeters = 1_000_000.
)

// SnapFunc resolves a location to the nearest pano's location within
// maxDistance, mirroring spatial.Index.GetNearestPano without this package
// needing to import it directly.
type SnapFunc func(ctx context.Context, loc geo.Location, maxDistance float64) (geo.Location, bool, error)

// SnapWaypoint finds the nearest pano to loc, widening the search radius
// through 100/500/1000/2000m until one is found, per spec.md §4.7 step 1.
func SnapWaypoint(ctx context.Context, snap SnapFunc, loc geo.Location) (geo.Location, error) {
	for _, d := range snapDistances {
		if snapped, ok, err := snap(ctx, loc, d); err != nil {
			return geo.Location{}, err
		} else if ok {
			return snapped, nil
		}
	}
	return geo.Location{}, fmt.Errorf("no nearby pano for %s", loc)
}

// Orchestrator runs a full multi-waypoint pathfinding request, splitting it
// into per-leg A* tasks.
type Orchestrator struct {
	pathfinder Pathfinder
	snap       SnapFunc
}

// New builds an Orchestrator backed by pf for searches and snap for
// waypoint resolution.
func New(pf Pathfinder, snap SnapFunc) *Orchestrator {
	return &Orchestrator{pathfinder: pf, snap: snap}
}

// Run validates and executes req, invoking sink with a merged progress
// update roughly every 100ms until the whole request completes (all legs
// reach 100%), an error occurs, or ctx is cancelled. It returns once the
// request is done or aborted.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) error {
	if len(req.Stops) == 0 {
		return fmt.Errorf("a path request needs at least one stop (the destination)")
	}
	// req.Stops is every leg including the final destination, so the
	// client-facing waypoint count (what MaxWaypoints actually bounds) is
	// one less than len(req.Stops).
	if len(req.Stops)-1 > MaxWaypoints {
		return fmt.Errorf("too many stops (limit of %d)", MaxWaypoints)
	}

	snappedStops := make([]geo.Location, len(req.Stops))
	for i, stop := range req.Stops {
		snapped, err := SnapWaypoint(ctx, o.snap, stop)
		if err != nil {
			return err
		}
		snappedStops[i] = snapped
	}

	totalDistance := 0.
	cur := req.Start
	for _, stop := range snappedStops {
		totalDistance += geo.Distance(cur, stop)
		cur = stop
	}
	if totalDistance > MaxTotalDistanceMeters {
		return fmt.Errorf("your path is more than %dkm long (%dkm), please segment your path instead",
			int(MaxTotalDistanceMeters/1000), int(totalDistance/1000))
	}

	legCount := len(snappedStops)
	progressUpdates := make([]*astar.ProgressTracker, legCount)
	for i := range progressUpdates {
		progressUpdates[i] = astar.NewProgressTracker()
	}

	group, groupCtx := errgroup.WithContext(ctx)

	cur = req.Start
	var previousStop *geo.Location
	for i, stop := range snappedStops {
		i, stop := i, stop

		assumedHeading := req.Heading
		if i > 0 {
			if previousStop != nil {
				assumedHeading = geo.CalculateHeading(*previousStop, cur)
			} else {
				log.Println("orchestrator: missing previous stop for heading calculation")
			}
		}

		legStart := cur
		var startPanoID *string
		if i == 0 {
			startPanoID = req.StartPanoID
		}

		log.Printf("pathing leg %d: %s -> %s heading %.1f", i, legStart, stop, assumedHeading)

		group.Go(func() error {
			_, err := o.pathfinder.FindPath(groupCtx, legStart, startPanoID, assumedHeading, stop, progressUpdates[i], req.Settings)
			return err
		})

		prev := cur
		previousStop = &prev
		cur = stop
	}

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	start := time.Now()
	ticker := time.NewTicker(mergeInterval)
	defer ticker.Stop()

	var lastBestPath, lastCurrentPath [][2]float32

	for {
		select {
		case err := <-done:
			// one last merge so the final 100% update is sent even if the
			// merge ticker hadn't fired yet.
			update, allDone := mergeProgress(progressUpdates, start, lastBestPath, lastCurrentPath)
			lastBestPath = appendPrefix(lastBestPath, update.BestPathKeepPrefixLength, update.BestPathAppend)
			lastCurrentPath = appendPrefix(lastCurrentPath, update.CurrentPathKeepPrefixLength, update.CurrentPathAppend)
			if sendErr := sink(update); sendErr != nil {
				return sendErr
			}
			if err != nil {
				return err
			}
			if !allDone {
				// shouldn't happen (the group only finishes once every leg
				// does), but don't report false completion if it does.
				return fmt.Errorf("pathfinding finished without all legs reporting complete")
			}
			return nil

		case <-ticker.C:
			update, allDone := mergeProgress(progressUpdates, start, lastBestPath, lastCurrentPath)
			lastBestPath = appendPrefix(lastBestPath, update.BestPathKeepPrefixLength, update.BestPathAppend)
			lastCurrentPath = appendPrefix(lastCurrentPath, update.CurrentPathKeepPrefixLength, update.CurrentPathAppend)
			if err := sink(update); err != nil {
				return err
			}
			if allDone {
				<-done
				return nil
			}
		}
	}
}

func mergeProgress(slots []*astar.ProgressTracker, start time.Time, lastBestPath, lastCurrentPath [][2]float32) (CombinedUpdate, bool) {
	lowestPercentDone := 1.0
	highestEstimatedRemaining := 0.0
	var bestPathCost astar.Cost
	nodesConsidered := 0
	var combinedBestPath, combinedCurrentPath [][2]float32

	reachedUnfinished := false
	for _, slot := range slots {
		snap := slot.Snapshot()

		if snap.PercentDone < lowestPercentDone {
			lowestPercentDone = snap.PercentDone
		}
		if snap.EstimatedSecondsRemaining > highestEstimatedRemaining {
			highestEstimatedRemaining = snap.EstimatedSecondsRemaining
		}
		nodesConsidered += snap.NodesConsidered

		if !reachedUnfinished {
			bestPathCost += snap.BestPathCost
			combinedBestPath = append(combinedBestPath, snap.BestPath...)
			combinedCurrentPath = append(combinedCurrentPath, snap.CurrentPath...)
		}

		if snap.PercentDone < 1. {
			reachedUnfinished = true
		}
	}

	bestPrefixLen, bestAppend := diffPath(lastBestPath, combinedBestPath)
	currentPrefixLen, currentAppend := diffPath(lastCurrentPath, combinedCurrentPath)

	return CombinedUpdate{
		PercentDone:                 lowestPercentDone,
		EstimatedSecondsRemaining:   highestEstimatedRemaining,
		BestPathCost:                bestPathCost,
		NodesConsidered:             nodesConsidered,
		ElapsedSeconds:              time.Since(start).Seconds(),
		BestPathKeepPrefixLength:    bestPrefixLen,
		BestPathAppend:              bestAppend,
		CurrentPathKeepPrefixLength: currentPrefixLen,
		CurrentPathAppend:           currentAppend,
	}, lowestPercentDone == 1.
}

// diffPath computes the shared prefix length between oldPath and newPath and
// returns it along with whatever of newPath comes after that prefix, so a
// client can apply the update without re-sending the whole path every tick.
func diffPath(oldPath, newPath [][2]float32) (int, [][2]float32) {
	prefixLen := 0
	limit := len(oldPath)
	if len(newPath) < limit {
		limit = len(newPath)
	}
	for i := 0; i < limit; i++ {
		if oldPath[i] != newPath[i] {
			break
		}
		prefixLen++
	}
	return prefixLen, append([][2]float32{}, newPath[prefixLen:]...)
}

func appendPrefix(last [][2]float32, keepPrefixLength int, toAppend [][2]float32) [][2]float32 {
	if keepPrefixLength > len(last) {
		keepPrefixLength = len(last)
	}
	return append(append([][2]float32{}, last[:keepPrefixLength]...), toAppend...)
}
