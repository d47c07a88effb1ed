package model

import "math"

// Vec3 is a Cartesian vector in metres.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + other.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Quaternion is a unit rotation quaternion in (X, Y, Z, W) order.
type Quaternion struct {
	X, Y, Z, W float64
}

// IdentityQuaternion is the no-op rotation.
var IdentityQuaternion = Quaternion{W: 1}

// QuaternionFromYaw returns the rotation of angle radians about +Y (up).
func QuaternionFromYaw(angle float64) Quaternion {
	s, c := math.Sincos(angle / 2)
	return Quaternion{Y: s, W: c}
}

// Rotate applies the rotation to v.
func (q Quaternion) Rotate(v Vec3) Vec3 {
	m := q.rotationMatrix()
	return Vec3{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

func (q Quaternion) rotationMatrix() [3][3]float64 {
	x, y, z, w := q.X, q.Y, q.Z, q.W
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}
}

// Transform is a rigid camera-relative pose: rotate, then translate.
// Axes follow the renderer convention: +X right, +Y up, -Z forward.
type Transform struct {
	Position Vec3
	Rotation Quaternion
}

// Matrix returns the 4x4 model matrix in column-major (OpenGL) order.
func (t Transform) Matrix() [16]float64 {
	r := t.Rotation.rotationMatrix()
	return [16]float64{
		r[0][0], r[1][0], r[2][0], 0,
		r[0][1], r[1][1], r[2][1], 0,
		r[0][2], r[1][2], r[2][2], 0,
		t.Position.X, t.Position.Y, t.Position.Z, 1,
	}
}
