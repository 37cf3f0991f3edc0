package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/astar"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
)

// fakePathfinder completes each leg instantly, marking its tracker as 100%
// done with a single fixed path point derived from the goal. Every leg runs
// in its own goroutine, so calls is tracked with an atomic counter.
type fakePathfinder struct {
	failLeg int // -1 to always succeed
	calls   atomic.Int64
}

func (f *fakePathfinder) FindPath(ctx context.Context, start geo.Location, startPanoID *string, heading float32, goal geo.Location, progress *astar.ProgressTracker, settings astar.PathSettings) ([]astar.NodeIdent, error) {
	leg := int(f.calls.Add(1) - 1)

	if f.failLeg == leg {
		return nil, fmt.Errorf("leg %d failed", leg)
	}

	progress.Set(astar.ProgressUpdate{
		PercentDone:     1,
		NodesConsidered: 1,
		BestPathCost:    1,
		BestPath:        [][2]float32{{float32(goal.Lat.Deg()), float32(goal.Lng.Deg())}},
		CurrentPath:     [][2]float32{{float32(goal.Lat.Deg()), float32(goal.Lng.Deg())}},
	})
	return []astar.NodeIdent{}, nil
}

func alwaysSnap(loc geo.Location) SnapFunc {
	return func(ctx context.Context, target geo.Location, maxDistance float64) (geo.Location, bool, error) {
		return target, true, nil
	}
}

func TestRunSucceedsWithSingleStop(t *testing.T) {
	pf := &fakePathfinder{failLeg: -1}
	o := New(pf, alwaysSnap(geo.Location{}))

	req := Request{
		Start:   geo.FromLatLng([2]float64{0, 0}),
		Heading: 0,
		Stops:   []geo.Location{geo.FromLatLng([2]float64{1, 1})},
	}

	var updates []CombinedUpdate
	err := o.Run(context.Background(), req, func(u CombinedUpdate) error {
		updates = append(updates, u)
		return nil
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(updates) == 0 {
		t.Fatalf("expected at least one progress update")
	}
	last := updates[len(updates)-1]
	if last.PercentDone != 1 {
		t.Fatalf("expected the final update to be 100%% done, got %v", last.PercentDone)
	}
	if calls := pf.calls.Load(); calls != 1 {
		t.Fatalf("expected exactly one leg to be pathed, got %d", calls)
	}
}

func TestRunRejectsTooManyStops(t *testing.T) {
	pf := &fakePathfinder{failLeg: -1}
	o := New(pf, alwaysSnap(geo.Location{}))

	// req.Stops counts the destination too, so MaxWaypoints client
	// waypoints plus a destination (MaxWaypoints+1 entries) must still be
	// accepted; only MaxWaypoints+2 (MaxWaypoints+1 client waypoints) should
	// be rejected.
	stops := make([]geo.Location, MaxWaypoints+2)
	for i := range stops {
		stops[i] = geo.FromLatLng([2]float64{0, 0})
	}

	err := o.Run(context.Background(), Request{Stops: stops}, func(CombinedUpdate) error { return nil })
	if err == nil {
		t.Fatalf("expected an error for exceeding the waypoint limit")
	}
}

func TestRunAcceptsExactlyMaxWaypointsPlusDestination(t *testing.T) {
	pf := &fakePathfinder{failLeg: -1}
	o := New(pf, alwaysSnap(geo.Location{}))

	stops := make([]geo.Location, MaxWaypoints+1)
	for i := range stops {
		stops[i] = geo.FromLatLng([2]float64{0, 0})
	}

	err := o.Run(context.Background(), Request{Stops: stops}, func(CombinedUpdate) error { return nil })
	if err != nil {
		t.Fatalf("expected MaxWaypoints client waypoints plus a destination to be accepted, got: %v", err)
	}
}

func TestRunRejectsEmptyStops(t *testing.T) {
	pf := &fakePathfinder{failLeg: -1}
	o := New(pf, alwaysSnap(geo.Location{}))

	err := o.Run(context.Background(), Request{}, func(CombinedUpdate) error { return nil })
	if err == nil {
		t.Fatalf("expected an error when no stops are given")
	}
}

func TestRunPropagatesLegError(t *testing.T) {
	pf := &fakePathfinder{failLeg: 0}
	o := New(pf, alwaysSnap(geo.Location{}))

	req := Request{
		Stops: []geo.Location{geo.FromLatLng([2]float64{1, 1})},
	}
	err := o.Run(context.Background(), req, func(CombinedUpdate) error { return nil })
	if err == nil {
		t.Fatalf("expected the leg's error to propagate")
	}
}

func TestDiffPathReturnsSharedPrefixAndAppend(t *testing.T) {
	old := [][2]float32{{0, 0}, {1, 1}, {2, 2}}
	next := [][2]float32{{0, 0}, {1, 1}, {3, 3}, {4, 4}}

	prefixLen, appendPart := diffPath(old, next)
	if prefixLen != 2 {
		t.Fatalf("expected a shared prefix of length 2, got %d", prefixLen)
	}
	want := [][2]float32{{3, 3}, {4, 4}}
	if len(appendPart) != len(want) || appendPart[0] != want[0] || appendPart[1] != want[1] {
		t.Fatalf("unexpected append part: %v", appendPart)
	}
}

func TestAppendPrefixReconstructsPath(t *testing.T) {
	last := [][2]float32{{0, 0}, {1, 1}, {2, 2}}
	rebuilt := appendPrefix(last, 2, [][2]float32{{9, 9}})
	want := [][2]float32{{0, 0}, {1, 1}, {9, 9}}
	if len(rebuilt) != len(want) {
		t.Fatalf("expected length %d, got %d", len(want), len(rebuilt))
	}
	for i := range want {
		if rebuilt[i] != want[i] {
			t.Fatalf("index %d: expected %v, got %v", i, want[i], rebuilt[i])
		}
	}
}
