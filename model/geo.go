package model

import (
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
)

// LatLng is a WGS84 coordinate in decimal degrees.
type LatLng struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Validate reports ErrInvalidCoordinate for non-finite or out-of-range values.
func (ll LatLng) Validate() error {
	if !isFinite(ll.Lat) || ll.Lat < -90 || ll.Lat > 90 {
		return fmt.Errorf("%w: latitude %v outside [-90, 90]", ErrInvalidCoordinate, ll.Lat)
	}
	if !isFinite(ll.Lng) || ll.Lng < -180 || ll.Lng > 180 {
		return fmt.Errorf("%w: longitude %v outside [-180, 180]", ErrInvalidCoordinate, ll.Lng)
	}
	return nil
}

// Point returns the coordinate as an orb.Point (lon, lat order).
func (ll LatLng) Point() orb.Point {
	return orb.Point{ll.Lng, ll.Lat}
}

func (ll LatLng) String() string {
	return fmt.Sprintf("(%.7f, %.7f)", ll.Lat, ll.Lng)
}

// ValidateAltitude rejects non-finite altitudes. A nil altitude is valid.
func ValidateAltitude(alt *float64) error {
	if alt != nil && !isFinite(*alt) {
		return fmt.Errorf("%w: altitude %v is not finite", ErrInvalidCoordinate, *alt)
	}
	return nil
}

// GeoPose is an immutable snapshot of the tracking runtime's geospatial
// pose estimate. Altitude is metres above the WGS84 ellipsoid; Heading is
// degrees clockwise from true north.
type GeoPose struct {
	Latitude  float64 `yaml:"lat"`
	Longitude float64 `yaml:"lng"`
	Altitude  float64 `yaml:"alt"`
	Heading   float64 `yaml:"heading"`

	HorizontalAccuracyMeters      float64 `yaml:"horizontal_accuracy"`
	VerticalAccuracyMeters        float64 `yaml:"vertical_accuracy"`
	OrientationYawAccuracyDegrees float64 `yaml:"yaw_accuracy"`

	Timestamp time.Time `yaml:"-"`
}

// LatLng returns the horizontal position of the pose.
func (p GeoPose) LatLng() LatLng {
	return LatLng{Lat: p.Latitude, Lng: p.Longitude}
}

// Validate checks coordinate ranges and that every accuracy is a
// non-negative finite number.
func (p GeoPose) Validate() error {
	if err := p.LatLng().Validate(); err != nil {
		return err
	}
	if !isFinite(p.Altitude) || !isFinite(p.Heading) {
		return fmt.Errorf("%w: altitude/heading not finite", ErrInvalidCoordinate)
	}
	for _, acc := range []float64{
		p.HorizontalAccuracyMeters,
		p.VerticalAccuracyMeters,
		p.OrientationYawAccuracyDegrees,
	} {
		if !isFinite(acc) || acc < 0 {
			return fmt.Errorf("%w: accuracy %v must be non-negative", ErrPoseUnavailable, acc)
		}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
