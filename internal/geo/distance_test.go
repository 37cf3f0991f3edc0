package geo

import (
	"math"
	"testing"
)

func TestAngleRoundTrip(t *testing.T) {
	for deg := -179; deg < 180; deg++ {
		degF := float64(deg)
		a := FromDeg(degF)
		back := FromDeg(a.Deg())

		if a != back {
			t.Fatalf("angle %v didn't round-trip: got %v", a, back)
		}

		lngMPerDegree := LngMPerDegree(degF)
		lngMPerDegreeFromAngle := a.LngMPerDegree()
		if diff := lngMPerDegree - lngMPerDegreeFromAngle; diff > 0.001 || diff < -0.001 {
			t.Fatalf("%v - %v out of tolerance", lngMPerDegree, lngMPerDegreeFromAngle)
		}
	}
}

func TestUnderestimateDistanceSqrIsLowerBound(t *testing.T) {
	for lat := 20; lat < 60; lat++ {
		for lng := -80; lng < -40; lng++ {
			locA := NewLocationDeg(float64(lat), float64(lng))
			approxLngMPerDegree := locA.LngMPerDegree()

			for offsetLat := -10; offsetLat < 10; offsetLat++ {
				for offsetLng := -10; offsetLng < 10; offsetLng++ {
					locB := NewLocationDeg(
						locA.LatDeg()+float64(offsetLat)/100.,
						locA.LngDeg()+float64(offsetLng)/100.,
					)

					underestimate := UnderestimateDistanceSqr(locA, locB, approxLngMPerDegree)
					if underestimate < 0 {
						t.Fatalf("underestimate should never be negative: %v", underestimate)
					}
					actual := locA.DistanceTo(locB)

					underestimateDist := math.Sqrt(underestimate)
					if underestimateDist > actual {
						t.Fatalf("%v <= %v failed", underestimateDist, actual)
					}
				}
			}
		}
	}
}

func TestTileToAndFromCoordsMatches(t *testing.T) {
	for lat := -100; lat < 100; lat++ {
		for lng := -100; lng < 100; lng++ {
			loc := NewLocationDeg(float64(lat)/100., float64(lng)/100.)
			tile := SmallTileFromLoc(loc)
			if !tile.IsMaybeWithinRadius(loc, 1.) {
				t.Fatalf("%v wasn't in %v", loc, tile)
			}
		}
	}
}

func TestLocationAccuracy(t *testing.T) {
	lat, lng := 47.45647413331853, -69.99669220097549
	loc := NewLocationDeg(lat, lng)
	newLat, newLng := loc.LatDeg(), loc.LngDeg()

	dist := Distance(loc, NewLocationDeg(newLat, newLng))
	if dist >= 0.01 {
		t.Fatalf("expected round-tripped location to be within 1cm, got %vm", dist)
	}
}

func TestCalculateHeadingDiff(t *testing.T) {
	cases := []struct {
		a, b, want float32
	}{
		{0, 0, 0},
		{350, 10, 20},
		{10, 350, 20},
		{0, 180, 180},
		{90, 270, 180},
	}
	for _, c := range cases {
		got := CalculateHeadingDiff(c.a, c.b)
		if got != c.want {
			t.Errorf("CalculateHeadingDiff(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
