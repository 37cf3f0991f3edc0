// Package spatial answers "what panos are near this location" queries,
// fetching and caching upstream listentityphotos tiles as needed and
// prefiltering their contents down to a tight candidate set.
package spatial

import (
	"context"
	"fmt"
	"log"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/store"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/upstream"
)

// tileCacheCapacity bounds the in-memory tile cache; a miss just means
// falling back to the store (or upstream), not a correctness issue.
const tileCacheCapacity = 1024

// Index answers nearby-pano queries, backed by a persistent store and the
// upstream fetcher for cache misses.
type Index struct {
	store   *store.Store
	client  *upstream.Client
	fetcher *upstream.Fetcher

	tileCache *lru.Cache[geo.SizedTile, []model.PanoWithBothLocations]
}

// New builds an Index over db, fetching tile misses through client. Batch
// GetMetadata lookups go through a Fetcher so they're chunked to the
// provider's per-request cap and bounded by a worker semaphore, the same as
// the rest of the pack's downloader shapes.
func New(db *store.Store, client *upstream.Client) (*Index, error) {
	tileCache, err := lru.New[geo.SizedTile, []model.PanoWithBothLocations](tileCacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating tile cache: %w", err)
	}

	fetcher, err := upstream.NewFetcher(upstream.FetcherConfig{Client: client, Interner: db})
	if err != nil {
		return nil, fmt.Errorf("creating getmetadata fetcher: %w", err)
	}

	return &Index{store: db, client: client, fetcher: fetcher, tileCache: tileCache}, nil
}

// GetNearestPano returns the closest pano to loc within maxDistance meters,
// if any.
func (idx *Index) GetNearestPano(ctx context.Context, loc geo.Location, maxDistance float64) (model.Pano, bool, error) {
	panos, err := idx.GetNearbyPanos(ctx, loc, maxDistance)
	if err != nil {
		return model.Pano{}, false, err
	}
	pano, ok := NearestPanoInSlice(panos, loc, &maxDistance)
	return pano, ok, nil
}

// GetNearbyPanos returns every pano within minDistance meters of loc,
// fetching and caching whatever tiles are needed to answer the query.
func (idx *Index) GetNearbyPanos(ctx context.Context, loc geo.Location, minDistance float64) ([]model.PanoWithBothLocations, error) {
	var found []model.PanoWithBothLocations
	var checkedTiles []geo.SizedTile

	originTile := geo.SmallTileFromLoc(loc)
	minLat, maxLat := calculateLatBounds(loc, minDistance)
	minTile, maxTile := calculateTileBounds(loc, minDistance)

	for x := minTile.X; x <= maxTile.X; x++ {
		for y := minTile.Y; y <= maxTile.Y; y++ {
			tile := geo.SmallTile{X: x, Y: y}
			if tile != originTile && !tile.IsMaybeWithinRadius(loc, minDistance) {
				continue
			}

			sizedTile, panosAtTile, err := idx.GetPanosAtTile(ctx, tile)
			if err != nil {
				return nil, err
			}
			if containsTile(checkedTiles, sizedTile) {
				continue
			}
			checkedTiles = append(checkedTiles, sizedTile)

			filterPanosAtTileInto(loc, panosAtTile, minLat, maxLat, minDistance, &found)
		}
	}

	return found, nil
}

// ResetCacheNearby forces every tile within minDistance meters of loc to be
// re-fetched from upstream next time it's needed.
func (idx *Index) ResetCacheNearby(ctx context.Context, loc geo.Location, minDistance float64) error {
	log.Printf("resetting cache nearby %s", loc)

	var checkedTiles []geo.SizedTile
	originTile := geo.SmallTileFromLoc(loc)
	minTile, maxTile := calculateTileBounds(loc, minDistance)

	for x := minTile.X; x <= maxTile.X; x++ {
		for y := minTile.Y; y <= maxTile.Y; y++ {
			tile := geo.SmallTile{X: x, Y: y}
			if tile != originTile && !tile.IsMaybeWithinRadius(loc, minDistance) {
				continue
			}

			sizedTile, _, err := idx.GetPanosAtTile(ctx, tile)
			if err != nil {
				return err
			}
			if containsTile(checkedTiles, sizedTile) {
				continue
			}
			checkedTiles = append(checkedTiles, sizedTile)

			idx.tileCache.Remove(sizedTile)
			if err := idx.store.DeleteListEntityPhotos(sizedTile); err != nil {
				return err
			}
			if _, err := idx.fetchAndSaveTile(ctx, sizedTile); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetPanosAtTile returns the panos at (at least) baseTile, along with the
// actual SizedTile they were found at. Sizes are tried coarsest first (per
// SmallTile.AllSizes) so that an already-fetched coarse tile short-circuits
// the finer ones; a coarse tile only gets skipped in favor of a finer one
// when it was marked as having had too many results to cache.
func (idx *Index) GetPanosAtTile(ctx context.Context, baseTile geo.SmallTile) (geo.SizedTile, []model.PanoWithBothLocations, error) {
	for _, tile := range baseTile.AllSizes() {
		if panos, ok := idx.tileCache.Get(tile); ok {
			if panos != nil {
				return tile, panos, nil
			}
			// cached too-many marker; try the next, finer tile.
			continue
		}

		if panos, ok := idx.store.LookupListEntityPhotos(tile); ok {
			idx.tileCache.Add(tile, panos)
			if panos != nil {
				return tile, panos, nil
			}
			// too many panos at this size; try the next, finer tile.
			continue
		}

		panos, err := idx.fetchAndSaveTile(ctx, tile)
		if err != nil {
			return geo.SizedTile{}, nil, err
		}
		if panos != nil {
			return tile, panos, nil
		}
	}

	return geo.SizedTile{}, nil, fmt.Errorf("tile %+v had too many panos at every size; SmallTileZoom may need lowering", baseTile)
}

// fetchAndSaveTile fetches one tile from upstream, interns its pano ids,
// resolves their GetMetadata locations, and persists the result. A nil
// result (no error) means the tile had too many panos at this size.
func (idx *Index) fetchAndSaveTile(ctx context.Context, tile geo.SizedTile) ([]model.PanoWithBothLocations, error) {
	apiPanos, err := idx.client.TryGetPanosAtTile(ctx, tile)
	if err != nil {
		return nil, fmt.Errorf("fetching tile %+v: %w", tile, err)
	}
	if apiPanos == nil {
		if err := idx.store.SaveListEntityPhotos(tile, nil); err != nil {
			return nil, err
		}
		idx.tileCache.Add(tile, nil)
		return nil, nil
	}

	panoIDs := make([]model.ApiPanoId, len(apiPanos))
	converted := make([]model.Pano, len(apiPanos))
	for i, p := range apiPanos {
		id, err := idx.store.GetPanoID(string(p.ID))
		if err != nil {
			return nil, fmt.Errorf("interning pano id %q: %w", p.ID, err)
		}
		panoIDs[i] = p.ID
		converted[i] = model.Pano{ID: id, Loc: p.Loc}
	}

	if _, err := idx.fetchAndSaveGetMetadata(ctx, panoIDs); err != nil {
		return nil, err
	}

	res := make([]model.PanoWithBothLocations, len(converted))
	for i, p := range converted {
		actualLoc, ok := idx.store.LookupGetMetadataLocation(p.ID)
		if !ok {
			actualLoc = p.Loc
		}
		res[i] = model.PanoWithBothLocations{ID: p.ID, SearchLoc: p.Loc, ActualLoc: actualLoc}
	}

	if err := idx.store.SaveListEntityPhotos(tile, res); err != nil {
		return nil, err
	}
	idx.tileCache.Add(tile, res)
	return res, nil
}

func (idx *Index) fetchAndSaveGetMetadata(ctx context.Context, panoIDs []model.ApiPanoId) ([]model.GetMetadataResponse, error) {
	results, err := idx.fetcher.FetchAndInternGetMetadata(ctx, panoIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching getmetadata: %w", err)
	}

	for i := range results {
		if err := idx.store.SaveGetMetadata(&results[i]); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func containsTile(tiles []geo.SizedTile, tile geo.SizedTile) bool {
	for _, t := range tiles {
		if t == tile {
			return true
		}
	}
	return false
}

func calculateTileBounds(loc geo.Location, minDistance float64) (geo.SmallTile, geo.SmallTile) {
	minLat, maxLat := calculateLatBounds(loc, minDistance)
	minLng, maxLng := calculateLngBounds(loc, minDistance)

	tileA := geo.SmallTileFromLoc(geo.NewLocation(minLat, minLng))
	tileB := geo.SmallTileFromLoc(geo.NewLocation(maxLat, maxLng))

	minTile := geo.SmallTile{X: minUint32(tileA.X, tileB.X), Y: minUint32(tileA.Y, tileB.Y)}
	maxTile := geo.SmallTile{X: maxUint32(tileA.X, tileB.X), Y: maxUint32(tileA.Y, tileB.Y)}
	return minTile, maxTile
}

func calculateLatBounds(loc geo.Location, minDistance float64) (geo.Angle, geo.Angle) {
	latDiff := geo.FromDeg((minDistance * 1.01) / geo.LatMPerDegree)
	return loc.Lat.Sub(latDiff), loc.Lat.Add(latDiff)
}

func calculateLngBounds(loc geo.Location, minDistance float64) (geo.Angle, geo.Angle) {
	_, maxLat := calculateLatBounds(loc, minDistance)
	pointUp := geo.PointAtDistance(loc.WithLat(maxLat), 90., minDistance*1.01)
	pointDown := geo.PointAtDistance(loc, 270., minDistance*1.01)
	return pointDown.Lng, pointUp.Lng
}

// filterPanosAtTileInto appends every pano in panosAtTile within maxDistance
// of loc to collectInto. panosAtTile must be sorted by search latitude (the
// store guarantees this); binary-searching down to the [minLat, maxLat] band
// before the exact-distance check cuts candidates checked per tile from the
// hundreds/thousands down to a few dozen.
func filterPanosAtTileInto(loc geo.Location, panosAtTile []model.PanoWithBothLocations, minLat, maxLat geo.Angle, maxDistance float64, collectInto *[]model.PanoWithBothLocations) {
	lngMPerDegree := loc.LngMPerDegree()

	firstWithinLat := sort.Search(len(panosAtTile), func(i int) bool {
		return panosAtTile[i].SearchLoc.Lat >= minLat
	})
	if firstWithinLat >= len(panosAtTile) {
		return
	}
	firstOutsideLat := sort.Search(len(panosAtTile), func(i int) bool {
		return panosAtTile[i].SearchLoc.Lat >= maxLat
	})

	for _, p := range panosAtTile[firstWithinLat:firstOutsideLat] {
		if geo.IsAtLeastWithinRadius(loc, p.SearchLoc, maxDistance, lngMPerDegree) {
			*collectInto = append(*collectInto, p)
		}
	}
}

// NearestPanoInSlice returns the closest pano to origin among panos. If
// maxDistance is non-nil, only panos within that exact distance are
// considered and the exact haversine distance is used; otherwise the faster
// (but still admissible-for-comparison) underestimate distance is used,
// trading a small amount of accuracy for a meaningful speedup.
func NearestPanoInSlice(panos []model.PanoWithBothLocations, origin geo.Location, maxDistance *float64) (model.Pano, bool) {
	approxLngMPerDegree := origin.LngMPerDegree()

	var nearest model.Pano
	found := false
	nearestDistance := maxFloat64

	for _, p := range panos {
		var dist float64
		if maxDistance != nil {
			d, ok := geo.DistanceIfWithinRadius(origin, p.SearchLoc, *maxDistance)
			if !ok {
				continue
			}
			dist = d
		} else {
			dist = geo.UnderestimateDistanceSqr(origin, p.SearchLoc, approxLngMPerDegree)
		}
		if dist < nearestDistance {
			nearestDistance = dist
			nearest = model.Pano{ID: p.ID, Loc: p.ActualLoc}
			found = true
		}
	}
	return nearest, found
}

const maxFloat64 = 1.7976931348623157e+308

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
