package geo

// Location is a point on the globe, stored as a pair of fixed-point angles
// (lat, lng) instead of raw float64s so that locations derived the same way
// compare and hash exactly.
type Location struct {
	Lat Angle
	Lng Angle
}

// NewLocationDeg builds a Location from degree values.
func NewLocationDeg(lat, lng float64) Location {
	return Location{Lat: FromDeg(lat), Lng: FromDeg(lng)}
}

// NewLocation builds a Location from two Angles.
func NewLocation(lat, lng Angle) Location {
	return Location{Lat: lat, Lng: lng}
}

// FromLatLng builds a Location from a [lat, lng] pair, matching the wire
// format used by the WebSocket path query.
func FromLatLng(latlng [2]float64) Location {
	return NewLocationDeg(latlng[0], latlng[1])
}

func (l Location) LatDeg() float64 { return l.Lat.Deg() }
func (l Location) LngDeg() float64 { return l.Lng.Deg() }
func (l Location) LatRad() float64 { return l.Lat.Rad() }
func (l Location) LngRad() float64 { return l.Lng.Rad() }

// ToGeoJSON returns the [lng, lat] pair used in progress-update path arrays.
func (l Location) ToGeoJSON() [2]float32 {
	return [2]float32{float32(l.LngDeg()), float32(l.LatDeg())}
}

// WithLat returns a copy of l with a different latitude.
func (l Location) WithLat(lat Angle) Location { return Location{Lat: lat, Lng: l.Lng} }

// WithLng returns a copy of l with a different longitude.
func (l Location) WithLng(lng Angle) Location { return Location{Lat: l.Lat, Lng: lng} }

// LngMPerDegree returns the derivative of longitude/degree for this location
// based on its latitude, used for approximating short distances.
func (l Location) LngMPerDegree() float64 {
	return l.Lat.LngMPerDegree()
}

// DistanceTo returns the haversine distance, in meters, to other.
func (l Location) DistanceTo(other Location) float64 {
	return Distance(l, other)
}

func (l Location) String() string {
	return l.Lat.String() + "," + l.Lng.String()
}
