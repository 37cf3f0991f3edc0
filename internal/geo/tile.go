package geo

import "math"

// SmallTileZoom is the fixed web-Mercator zoom level used to address
// individual panorama tiles. Google uses 17 internally (corner ~157m from
// center); 16 is close enough and keeps tile counts manageable.
const SmallTileZoom = 16

// LargestTileZoom is the coarsest zoom level the adaptive widening in the
// spatial index will fall back to. The right value depends on how dense
// panoramas are around a given search location; 13-14 tends to work best.
const LargestTileZoom = 13

const smallScale = float64(uint64(1) << SmallTileZoom)

// SmallTile identifies a fixed zoom-16 web-Mercator tile.
type SmallTile struct {
	X uint32 // lng
	Y uint32 // lat
}

// SmallTileFromLoc returns the zoom-16 tile containing loc.
func SmallTileFromLoc(loc Location) SmallTile {
	latRad := loc.LatRad()
	x := (loc.LngDeg() + 180.) * smallScale / 360.
	y := (1.0 - math.Asinh(math.Tan(latRad))/math.Pi) * smallScale / 2.

	return SmallTile{X: uint32(x), Y: uint32(y)}
}

// ToLoc returns the location of this tile's top-left corner.
func (t SmallTile) ToLoc() Location {
	lng := float64(t.X)/smallScale*360. - 180.
	lat := math.Atan(math.Sinh(math.Pi*(1.0-2.0*float64(t.Y)/smallScale))) * 180. / math.Pi
	return NewLocationDeg(lat, lng)
}

func (t SmallTile) Down() SmallTile  { return SmallTile{X: t.X, Y: t.Y + 1} }
func (t SmallTile) Up() SmallTile    { return SmallTile{X: t.X, Y: t.Y - 1} }
func (t SmallTile) Left() SmallTile  { return SmallTile{X: t.X - 1, Y: t.Y} }
func (t SmallTile) Right() SmallTile { return SmallTile{X: t.X + 1, Y: t.Y} }

// IsMaybeWithinRadius reports whether loc might be within radius meters of
// anywhere in this tile. A false result is a guarantee; true is not.
func (t SmallTile) IsMaybeWithinRadius(loc Location, radius float64) bool {
	baseTileLoc := t.ToLoc()
	downRightTileLoc := t.Down().Right().ToLoc()

	minLat, maxLat := minAngle(baseTileLoc.Lat, downRightTileLoc.Lat), maxAngle(baseTileLoc.Lat, downRightTileLoc.Lat)
	minLng, maxLng := minAngle(baseTileLoc.Lng, downRightTileLoc.Lng), maxAngle(baseTileLoc.Lng, downRightTileLoc.Lng)

	if loc.Lat >= minLat && loc.Lat <= maxLat && loc.Lng >= minLng && loc.Lng <= maxLng {
		return true
	}

	closest := NewLocation(clampAngle(loc.Lat, minLat, maxLat), clampAngle(loc.Lng, minLng, maxLng))
	return IsAtLeastWithinRadius(loc, closest, radius, loc.LngMPerDegree())
}

// AllSizes returns every SizedTile that contains this SmallTile, from
// largest (coarsest) to smallest (this tile, at SmallTileZoom).
func (t SmallTile) AllSizes() []SizedTile {
	sizes := make([]SizedTile, 0, SmallTileZoom-LargestTileZoom+1)
	cur := SizedTileFromSmall(t)
	sizes = append(sizes, cur)
	for cur.Size != LargestTileZoom {
		cur = cur.NextLarger()
		sizes = append(sizes, cur)
	}

	for i, j := 0, len(sizes)-1; i < j; i, j = i+1, j-1 {
		sizes[i], sizes[j] = sizes[j], sizes[i]
	}
	return sizes
}

// SizedTile identifies a tile at a variable zoom level between
// LargestTileZoom and SmallTileZoom.
type SizedTile struct {
	Size uint8
	X    uint32 // lng
	Y    uint32 // lat
}

// SizedTileFromSmall converts a fixed zoom-16 tile into its SizedTile form.
func SizedTileFromSmall(t SmallTile) SizedTile {
	return SizedTile{Size: SmallTileZoom, X: t.X, Y: t.Y}
}

// NextLarger returns the tile one zoom level coarser that contains this one.
func (t SizedTile) NextLarger() SizedTile {
	return SizedTile{Size: t.Size - 1, X: t.X / 2, Y: t.Y / 2}
}

func (t SizedTile) scale() float64 {
	return float64(uint64(1) << t.Size)
}

// CoordsAtCenter returns the location at the center of this tile.
func (t SizedTile) CoordsAtCenter() Location {
	scale := t.scale()
	latRad := math.Atan(math.Sinh(math.Pi * (1.0 - 2.0*(float64(t.Y)+0.5)/scale)))
	lngDeg := (float64(t.X)+0.5)/scale*360.0 - 180.0
	return NewLocation(FromRad(latRad), FromDeg(lngDeg))
}

// ToCoords returns the location of this tile's top-left corner.
func (t SizedTile) ToCoords() Location {
	scale := t.scale()
	latRad := math.Atan(math.Sinh(math.Pi * (1.0 - 2.0*float64(t.Y)/scale)))
	lngDeg := float64(t.X)/scale*360. - 180.
	return NewLocation(FromRad(latRad), FromDeg(lngDeg))
}

// DistanceFromCornerToCenter returns the distance, in meters, from this
// tile's corner to its center - used to size the search radius for a
// listentityphotos request covering the whole tile.
func (t SizedTile) DistanceFromCornerToCenter() float64 {
	return t.ToCoords().DistanceTo(t.CoordsAtCenter())
}

func minAngle(a, b Angle) Angle {
	if a < b {
		return a
	}
	return b
}
func maxAngle(a, b Angle) Angle {
	if a > b {
		return a
	}
	return b
}
func clampAngle(v, lo, hi Angle) Angle {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
