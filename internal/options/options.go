// Package options derives the set of panos reachable as a single "step"
// forward from a given pano and heading: the options a player could pick
// next, which is what the pathfinder's graph edges are built from.
package options

import (
	"context"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/spatial"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/store"
)

// maxSearchRadius is how far around the current pano to look for candidate
// next-panos. The most accurate value is ceil(30 / 0.707 * 2) = 85 meters
// (30m forward search distance, widened by the 1/cos(45°) side-check factor,
// doubled for safety), but 82 works just as well and keeps the candidate set
// a little smaller.
const maxSearchRadius = 82.

// optionCacheCapacity bounds the in-memory (heading, pano) -> options cache.
// 8Mi entries is generous enough that cache eviction essentially never
// happens during a normal pathfinding run.
const optionCacheCapacity = 1024 * 1024 * 8

// Option is one pano reachable as a next step, and the heading a player
// would be facing on arrival.
type Option struct {
	Pano    model.Pano
	Heading float32
}

// Result is the options available from a pano, plus whether they were found
// only by turning around (no options existed facing the original heading).
type Result struct {
	Options    []Option
	Turnaround bool
}

type cacheKey struct {
	headingBits uint32
	pano        model.PanoId
}

// Engine derives pano options, backed by the spatial index for nearby-pano
// candidates and the store for published GetMetadata links.
type Engine struct {
	spatial *spatial.Index
	store   *store.Store
	cache   *lru.Cache[cacheKey, []Option]
}

// New builds an Engine.
func New(spatialIndex *spatial.Index, db *store.Store) (*Engine, error) {
	cache, err := lru.New[cacheKey, []Option](optionCacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating option cache: %w", err)
	}
	return &Engine{spatial: spatialIndex, store: db, cache: cache}, nil
}

// GetOptions returns the options reachable from curPano facing curHeading.
// If allowTurnaround is set and no options are found facing curHeading, it
// retries facing the opposite direction and reports Turnaround = true.
func (e *Engine) GetOptions(ctx context.Context, curPano model.Pano, curHeading float32, allowTurnaround, useCache bool) (Result, error) {
	opts, err := e.GetOptionsNoTurnaround(ctx, curPano, curHeading, useCache)
	if err != nil {
		return Result{}, err
	}

	if allowTurnaround && len(opts) == 0 {
		opts, err = e.GetOptionsNoTurnaround(ctx, curPano, curHeading+180., useCache)
		if err != nil {
			return Result{}, err
		}
		return Result{Options: opts, Turnaround: true}, nil
	}

	return Result{Options: opts}, nil
}

// GetOptionsNoTurnaround is GetOptions without the turnaround fallback.
func (e *Engine) GetOptionsNoTurnaround(ctx context.Context, curPano model.Pano, curHeading float32, useCache bool) ([]Option, error) {
	key := cacheKey{headingBits: math.Float32bits(curHeading), pano: curPano.ID}
	if useCache {
		if cached, ok := e.cache.Get(key); ok {
			return cached, nil
		}
	}

	// Must run before the GetMetadata links lookup, so that fetching nearby
	// panos has already primed the store with links for curPano too.
	nearbyPanos, err := e.spatial.GetNearbyPanos(ctx, curPano.Loc, maxSearchRadius)
	if err != nil {
		return nil, err
	}

	// Used by get_closest_pano_forward's fast-rejection check: if curPano's
	// own search location is offset from its actual location (a wormhole
	// pano), candidates up to that much farther away still need considering.
	originPanoOffset := 0.
	for _, p := range nearbyPanos {
		if p.ID == curPano.ID {
			originPanoOffset = geo.Distance(p.ActualLoc, p.SearchLoc)
			break
		}
	}

	var opts []Option

	if _, links, ok := e.store.LookupGetMetadata(curPano.ID); ok {
		for _, link := range links {
			if geo.CalculateHeadingDiff(link.Heading, curHeading) > 100. {
				continue
			}
			opts = append(opts, Option{Pano: link.Pano, Heading: link.Heading})
		}
	}

	for _, direction := range [5]float32{0., -45., 45., 90., -90.} {
		pano, ok := getClosestPanoForward(curPano.Loc, originPanoOffset, curHeading+direction, 13., nearbyPanos)
		if !ok || pano.ID == curPano.ID {
			continue
		}

		heading := geo.CalculateHeading(curPano.Loc, pano.Loc)
		if geo.CalculateHeadingDiff(curHeading, heading) > 100. {
			continue
		}

		if optionTooCloseToExisting(opts, pano, heading) {
			continue
		}
		opts = append(opts, Option{Pano: pano, Heading: heading})
	}

	opts = maybeGetFurtherStraight(curPano, originPanoOffset, curHeading, opts, nearbyPanos)

	if useCache {
		e.cache.Add(key, opts)
	}
	return opts, nil
}

func optionTooCloseToExisting(opts []Option, pano model.Pano, heading float32) bool {
	for _, opt := range opts {
		if opt.Pano.ID == pano.ID || opt.Pano.Loc == pano.Loc {
			return true
		}
		if geo.CalculateHeadingDiff(opt.Heading, heading) < 15. {
			return true
		}
	}
	return false
}

// maybeGetFurtherStraight replaces the option set with a single
// farther-out-but-still-straight-ahead pano when the nearby candidates were
// all close together and a pano further down the same road exists - this is
// what lets the pathfinder take long straight stretches of road in a
// handful of A* steps instead of one step per every few meters.
func maybeGetFurtherStraight(curPano model.Pano, originPanoOffset float64, curHeading float32, opts []Option, nearbyPanos []model.PanoWithBothLocations) []Option {
	if len(opts) > 1 {
		return opts
	}

	var onlyOption *Option
	if len(opts) == 1 {
		onlyOption = &opts[0]
	}

	sideCheck := false
	if onlyOption != nil {
		if geo.CalculateHeadingDiff(onlyOption.Heading, curHeading) >= 20. {
			return opts
		}
		sideCheck = true
	}

	distance := 20.
	if sideCheck {
		distance = 30.
	}

	furtherStraight, ok := getClosestPanoForward(curPano.Loc, originPanoOffset, curHeading, distance, nearbyPanos)
	if !ok {
		return opts
	}
	if onlyOption != nil && onlyOption.Pano.ID == furtherStraight.ID {
		return opts
	}
	if furtherStraight.ID == curPano.ID {
		return opts
	}

	furtherStraightHeading := geo.CalculateHeading(curPano.Loc, furtherStraight.Loc)
	if geo.CalculateHeadingDiff(curHeading, furtherStraightHeading) > 100. {
		return opts
	}

	straightOption := Option{Pano: furtherStraight, Heading: furtherStraightHeading}

	if !sideCheck {
		return []Option{straightOption}
	}

	filteredSidePanosCount := 0
	for _, direction := range [2]float32{-45., 45.} {
		pano, ok := getClosestPanoForward(curPano.Loc, originPanoOffset, curHeading+direction, distance/0.707, nearbyPanos)
		if !ok {
			continue
		}
		if pano.ID == straightOption.Pano.ID || pano.ID == curPano.ID {
			continue
		}
		filteredSidePanosCount++
	}

	if filteredSidePanosCount == 0 {
		return []Option{straightOption}
	}
	return opts
}

// getClosestPanoForward looks for the closest pano to the point forwardDistance
// meters from originLoc along direction - equivalent to the provider's own
// SingleImageSearch, so it returns actual (not search) coordinates to make
// wormhole panos work.
func getClosestPanoForward(originLoc geo.Location, originPanoOffset float64, direction float32, forwardDistance float64, candidatePanos []model.PanoWithBothLocations) (model.Pano, bool) {
	forward := geo.PointAtDistance(originLoc, direction, forwardDistance)
	approxLngMPerDegree := originLoc.LngMPerDegree()

	// the max distance can exceed forwardDistance*2 if the current position's
	// search coordinate is offset from its actual one by a lot.
	maxDist := forwardDistance*2. + originPanoOffset

	closest, ok := findClosestPano(candidatePanos, forward, maxDist, approxLngMPerDegree)
	if !ok {
		return model.Pano{}, false
	}
	return model.Pano{ID: closest.ID, Loc: closest.ActualLoc}, true
}

// findClosestPano does a tightening-upper-bound nearest-neighbor search:
// first finds the closest candidate by the cheap (but admissible-as-a-lower-
// bound) underestimate distance, then only computes the exact haversine
// distance for candidates that could possibly beat the current best.
func findClosestPano(candidatePanos []model.PanoWithBothLocations, loc geo.Location, maxDist, approxLngMPerDegree float64) (model.PanoWithBothLocations, bool) {
	if len(candidatePanos) == 0 {
		return model.PanoWithBothLocations{}, false
	}

	originalMaxDistSqr := maxDist * maxDist

	underestimatedDistsSqr := make([]float64, len(candidatePanos))
	nearestUnderestimatedDistSqr := maxFloat64
	for i, p := range candidatePanos {
		d := geo.UnderestimateDistanceSqr(p.SearchLoc, loc, approxLngMPerDegree)
		underestimatedDistsSqr[i] = d
		if d < nearestUnderestimatedDistSqr {
			nearestUnderestimatedDistSqr = d
		}
	}
	if nearestUnderestimatedDistSqr > originalMaxDistSqr {
		return model.PanoWithBothLocations{}, false
	}

	// 1.001 is enough to turn the admissible lower bound into a safe upper
	// bound to start tightening from.
	maxDistSqr := nearestUnderestimatedDistSqr * 1.001
	if maxDistSqr > originalMaxDistSqr {
		maxDistSqr = originalMaxDistSqr
	}
	maxDist = math.Sqrt(maxDistSqr)

	var closest model.PanoWithBothLocations
	found := false
	for i, p := range candidatePanos {
		if underestimatedDistsSqr[i] > maxDistSqr {
			continue
		}

		distanceToForward := geo.Distance(p.SearchLoc, loc)
		if !found || distanceToForward < maxDist {
			closest = p
			found = true
			maxDist = distanceToForward
			maxDistSqr = maxDist * maxDist
		}
	}

	return closest, found
}

const maxFloat64 = math.MaxFloat64
