package core

import (
	"math"

	"github.com/signalsfoundry/geoanchor/model"
)

// WGS84 ellipsoid parameters (metres).
const (
	WGS84SemiMajorAxis = 6378137.0
	WGS84Flattening    = 1 / 298.257223563
	wgs84E2            = WGS84Flattening * (2 - WGS84Flattening)
)

const degToRad = math.Pi / 180.0

// GeodeticToECEF converts WGS84 latitude/longitude (degrees) and
// ellipsoidal altitude (metres) to Earth-centred Earth-fixed metres.
func GeodeticToECEF(lat, lng, alt float64) model.Vec3 {
	sinLat, cosLat := math.Sincos(lat * degToRad)
	sinLng, cosLng := math.Sincos(lng * degToRad)

	// Prime vertical radius of curvature.
	n := WGS84SemiMajorAxis / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	return model.Vec3{
		X: (n + alt) * cosLat * cosLng,
		Y: (n + alt) * cosLat * sinLng,
		Z: (n*(1-wgs84E2) + alt) * sinLat,
	}
}

// ENUOffset returns the East-North-Up offset of target relative to the
// reference point, in metres.
//
// The difference is taken in ECEF and rotated into the reference's local
// tangent frame, so longitudes are never subtracted directly: the
// anti-meridian needs no special case and the frame stays continuous up to
// the poles (where east/north follow the reference longitude).
func ENUOffset(refLat, refLng, refAlt, lat, lng, alt float64) model.Vec3 {
	d := GeodeticToECEF(lat, lng, alt).Sub(GeodeticToECEF(refLat, refLng, refAlt))

	sinLat, cosLat := math.Sincos(refLat * degToRad)
	sinLng, cosLng := math.Sincos(refLng * degToRad)

	return model.Vec3{
		X: -sinLng*d.X + cosLng*d.Y,
		Y: -sinLat*cosLng*d.X - sinLat*sinLng*d.Y + cosLat*d.Z,
		Z: cosLat*cosLng*d.X + cosLat*sinLng*d.Y + sinLat*d.Z,
	}
}

// CameraRelative maps an ENU offset into the renderer frame of a device
// facing heading degrees clockwise from north (+X right, +Y up, -Z forward)
// and returns the rotation that keeps an upright, north-aligned anchor
// oriented correctly in that frame.
func CameraRelative(enu model.Vec3, heading float64) model.Transform {
	rot := model.QuaternionFromYaw(heading * degToRad)
	// East-Up-South is the renderer frame at heading 0.
	eus := model.Vec3{X: enu.X, Y: enu.Z, Z: -enu.Y}
	return model.Transform{
		Position: rot.Rotate(eus),
		Rotation: rot,
	}
}

// NormalizeLongitude wraps lng into [-180, 180).
func NormalizeLongitude(lng float64) float64 {
	lng = math.Mod(lng+180, 360)
	if lng < 0 {
		lng += 360
	}
	return lng - 180
}
