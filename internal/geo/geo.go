// Package geo verifies that a buyer is close enough to a seller's pickup
// point to confirm delivery in person.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/tidwall/geodesic"
)

// DefaultMaxDistanceKm is the delivery confirmation radius.
const DefaultMaxDistanceKm = 1.0

var ErrInvalidPoint = errors.New("geo: coordinate out of range")

// Point is a WGS-84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks the point lies on the globe.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidPoint, p.Lat, p.Lon)
	}
	return nil
}

// Result is the outcome of a proximity check.
type Result struct {
	Verified      bool    `json:"verified"`
	DistanceKm    float64 `json:"distanceKm"`
	MaxDistanceKm float64 `json:"maxDistanceKm"`
	Message       string  `json:"message"`
}

// Verify reports whether buyer is within maxKm of seller. The distance is
// rounded to 2 decimal places before comparison.
func Verify(seller, buyer Point, maxKm float64) Result {
	d := round2(DistanceKm(seller, buyer))
	r := Result{
		Verified:      d <= maxKm,
		DistanceKm:    d,
		MaxDistanceKm: maxKm,
	}
	if r.Verified {
		r.Message = fmt.Sprintf("Verified: Buyer is %.2fkm from pickup point", d)
	} else {
		r.Message = fmt.Sprintf("Too far: Buyer is %.2fkm away (max %gkm)", d, maxKm)
	}
	return r
}

// DistanceKm returns the geodesic distance between two points on the WGS-84
// ellipsoid.
func DistanceKm(a, b Point) float64 {
	if a == b {
		return 0
	}
	var meters float64
	geodesic.WGS84.Inverse(a.Lat, a.Lon, b.Lat, b.Lon, &meters, nil, nil)
	return meters / 1000
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
