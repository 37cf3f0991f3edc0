// Package geo implements the fixed-point angle representation, geodesic and
// planar distance math, and heading calculations that the pathfinder builds
// on top of.
package geo

import (
	"math"
	"strconv"
)

// Angle is a compact, exact representation of an angle between -180 and 180
// degrees, stored as a fraction of math.MaxInt32. Using a fixed-point
// representation instead of a raw float64 means two angles derived the same
// way always compare bit-for-bit equal, which matters for node-identity
// hashing in the pathfinder.
type Angle int32

// FromDeg converts a float64 degree value into an Angle.
func FromDeg(deg float64) Angle {
	return Angle(deg * (math.MaxInt32 / 180.))
}

// FromRad converts a float64 radian value into an Angle.
func FromRad(rad float64) Angle {
	return Angle(rad * (math.MaxInt32 / math.Pi))
}

// Deg returns the angle in degrees.
func (a Angle) Deg() float64 {
	return float64(a) * (180. / math.MaxInt32)
}

// Rad returns the angle in radians.
func (a Angle) Rad() float64 {
	return float64(a) * (math.Pi / math.MaxInt32)
}

// LngMPerDegree returns the derivative of longitude/degree assuming this
// angle holds a latitude, used to approximate short east-west distances.
func (a Angle) LngMPerDegree() float64 {
	return LatMPerDegree * math.Cos(a.Rad())
}

// FromBits reconstructs an Angle from its internal int32 representation.
func FromBits(bits int32) Angle { return Angle(bits) }

// Bits returns the internal int32 representation of the angle.
func (a Angle) Bits() int32 { return int32(a) }

func (a Angle) String() string {
	return strconv.FormatFloat(a.Deg(), 'g', -1, 64) + "°"
}

// Add returns a+b. Angle addition wraps the same way the underlying int32
// does, mirroring the original fixed-point implementation.
func (a Angle) Add(b Angle) Angle { return a + b }

// Sub returns a-b.
func (a Angle) Sub(b Angle) Angle { return a - b }
