package options

import (
	"testing"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
)

func TestOptionTooCloseToExistingDetectsHeadingDuplicates(t *testing.T) {
	opts := []Option{
		{Pano: model.Pano{ID: 1, Loc: geo.NewLocationDeg(40., -73.)}, Heading: 10.},
	}

	if !optionTooCloseToExisting(opts, model.Pano{ID: 2, Loc: geo.NewLocationDeg(40.001, -73.001)}, 20.) {
		t.Fatalf("expected a heading within 15 degrees of an existing option to be rejected as too close")
	}
	if optionTooCloseToExisting(opts, model.Pano{ID: 2, Loc: geo.NewLocationDeg(40.001, -73.001)}, 90.) {
		t.Fatalf("expected a heading far from every existing option to not be rejected")
	}
}

func TestOptionTooCloseToExistingDetectsSamePano(t *testing.T) {
	pano := model.Pano{ID: 1, Loc: geo.NewLocationDeg(40., -73.)}
	opts := []Option{{Pano: pano, Heading: 10.}}

	if !optionTooCloseToExisting(opts, pano, 200.) {
		t.Fatalf("expected the same pano id to always be rejected regardless of heading")
	}
}

func TestFindClosestPanoReturnsNearestWithinRadius(t *testing.T) {
	origin := geo.NewLocationDeg(40., -73.)
	approxLngMPerDegree := origin.LngMPerDegree()

	near := model.PanoWithBothLocations{
		ID:        1,
		SearchLoc: geo.NewLocationDeg(40.0001, -73.0001),
		ActualLoc: geo.NewLocationDeg(40.0001, -73.0001),
	}
	far := model.PanoWithBothLocations{
		ID:        2,
		SearchLoc: geo.NewLocationDeg(40.01, -73.01),
		ActualLoc: geo.NewLocationDeg(40.01, -73.01),
	}

	closest, ok := findClosestPano([]model.PanoWithBothLocations{far, near}, origin, 50., approxLngMPerDegree)
	if !ok || closest.ID != near.ID {
		t.Fatalf("expected the near pano to be selected, got %+v (ok=%v)", closest, ok)
	}
}

func TestFindClosestPanoRejectsWhenNothingWithinMaxDist(t *testing.T) {
	origin := geo.NewLocationDeg(40., -73.)
	approxLngMPerDegree := origin.LngMPerDegree()

	far := model.PanoWithBothLocations{
		ID:        1,
		SearchLoc: geo.NewLocationDeg(41., -73.),
		ActualLoc: geo.NewLocationDeg(41., -73.),
	}

	_, ok := findClosestPano([]model.PanoWithBothLocations{far}, origin, 10., approxLngMPerDegree)
	if ok {
		t.Fatalf("expected no pano to be found within such a small max distance")
	}
}

func TestFindClosestPanoEmptyCandidates(t *testing.T) {
	origin := geo.NewLocationDeg(40., -73.)
	_, ok := findClosestPano(nil, origin, 1000., origin.LngMPerDegree())
	if ok {
		t.Fatalf("expected no result for an empty candidate slice")
	}
}

func TestGetClosestPanoForwardReturnsActualLocation(t *testing.T) {
	origin := geo.NewLocationDeg(40., -73.)
	forward := geo.PointAtDistance(origin, 0., 13.)

	// the pano's search location is at the expected forward point, but its
	// actual location is somewhere else entirely - a wormhole pano.
	wormhole := model.PanoWithBothLocations{
		ID:        1,
		SearchLoc: forward,
		ActualLoc: geo.NewLocationDeg(10., 10.),
	}

	pano, ok := getClosestPanoForward(origin, 0., 0., 13., []model.PanoWithBothLocations{wormhole})
	if !ok {
		t.Fatalf("expected a pano to be found")
	}
	if pano.Loc != wormhole.ActualLoc {
		t.Fatalf("expected the wormhole's actual location to be returned, got %v", pano.Loc)
	}
}

func TestMaybeGetFurtherStraightLeavesMultipleOptionsAlone(t *testing.T) {
	curPano := model.Pano{ID: 1, Loc: geo.NewLocationDeg(40., -73.)}
	opts := []Option{
		{Pano: model.Pano{ID: 2}, Heading: 0.},
		{Pano: model.Pano{ID: 3}, Heading: 90.},
	}

	result := maybeGetFurtherStraight(curPano, 0., 0., opts, nil)
	if len(result) != 2 {
		t.Fatalf("expected options to be left untouched when there are already 2+, got %+v", result)
	}
}

func TestMaybeGetFurtherStraightWithNoCandidatesReturnsInput(t *testing.T) {
	curPano := model.Pano{ID: 1, Loc: geo.NewLocationDeg(40., -73.)}
	opts := []Option{{Pano: model.Pano{ID: 2}, Heading: 0.}}

	result := maybeGetFurtherStraight(curPano, 0., 0., opts, nil)
	if len(result) != 1 || result[0].Pano.ID != 2 {
		t.Fatalf("expected the original option to be kept when there's nothing further ahead, got %+v", result)
	}
}
