package core

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/geo"

	"github.com/signalsfoundry/geoanchor/model"
)

// DefaultMaxRangeMeters is the supported operating range for anchors.
const DefaultMaxRangeMeters = 10_000.0

// PoseResolver turns a GeoPose and a target coordinate into a
// camera-relative transform.
//
// Altitude fallback policy: when a target has no altitude, the anchor is
// placed at the session's current altitude plus DefaultAltitudeOffset, so it
// floats at eye level (offset 0) and follows the device vertically.
type PoseResolver struct {
	// Usable is the accuracy envelope below which a pose is treated as
	// NotTracking-equivalent.
	Usable AccuracyLimits
	// DefaultAltitudeOffset is added to the pose altitude for anchors
	// placed without an altitude.
	DefaultAltitudeOffset float64
	// MaxRangeMeters rejects targets farther than this great-circle
	// distance from the device. Zero disables the check.
	MaxRangeMeters float64
}

// NewPoseResolver returns a resolver using the usable thresholds and the
// default operating range.
func NewPoseResolver(th AccuracyThresholds) *PoseResolver {
	return &PoseResolver{
		Usable:         th.Usable,
		MaxRangeMeters: DefaultMaxRangeMeters,
	}
}

// TargetAltitude applies the altitude fallback policy.
func (r *PoseResolver) TargetAltitude(pose model.GeoPose, alt *float64) float64 {
	if alt != nil {
		return *alt
	}
	return pose.Altitude + r.DefaultAltitudeOffset
}

// Resolve computes the render transform of target as seen from pose.
// It fails with model.ErrPoseUnavailable when the pose is missing, invalid,
// outside the usable envelope, or the target is out of range.
func (r *PoseResolver) Resolve(pose *model.GeoPose, target model.LatLng, alt *float64) (model.Transform, error) {
	if pose == nil {
		return model.Transform{}, fmt.Errorf("%w: no pose", model.ErrPoseUnavailable)
	}
	if err := pose.Validate(); err != nil {
		return model.Transform{}, fmt.Errorf("%w: %v", model.ErrPoseUnavailable, err)
	}
	if !r.Usable.Admits(pose) {
		return model.Transform{}, fmt.Errorf("%w: accuracy h=%.1fm v=%.1fm yaw=%.1fdeg beyond usable limits",
			model.ErrPoseUnavailable,
			pose.HorizontalAccuracyMeters, pose.VerticalAccuracyMeters, pose.OrientationYawAccuracyDegrees)
	}
	if err := target.Validate(); err != nil {
		return model.Transform{}, err
	}
	if err := model.ValidateAltitude(alt); err != nil {
		return model.Transform{}, err
	}

	if r.MaxRangeMeters > 0 {
		// Haversine distance is antimeridian-safe; it is only a gate, the
		// transform itself comes from the ellipsoidal ENU offset.
		if d := geo.DistanceHaversine(pose.LatLng().Point(), target.Point()); d > r.MaxRangeMeters {
			return model.Transform{}, fmt.Errorf("%w: target %.0fm away exceeds range %.0fm",
				model.ErrPoseUnavailable, d, r.MaxRangeMeters)
		}
	}

	enu := ENUOffset(
		pose.Latitude, pose.Longitude, pose.Altitude,
		target.Lat, target.Lng, r.TargetAltitude(*pose, alt),
	)
	t := CameraRelative(enu, pose.Heading)
	if math.IsNaN(t.Position.X) || math.IsNaN(t.Position.Y) || math.IsNaN(t.Position.Z) {
		return model.Transform{}, fmt.Errorf("%w: degenerate transform", model.ErrPoseUnavailable)
	}
	return t, nil
}
