package raster

import (
	"errors"
	"fmt"
	"math"
)

// Epsilon nudges coordinates before truncation so values that land a hair
// below an integer boundary do not jitter into the neighbouring pixel.
const Epsilon = 1e-7

// ErrNotInvertible is returned for affine transforms with a zero determinant.
var ErrNotInvertible = errors.New("raster: transform is not invertible")

// Affine is a 2x3 affine transform in row-major order:
//
//	x' = A*x + B*y + C
//	y' = D*x + E*y + F
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{A: 1, E: 1}
}

// Translate returns a translation.
func Translate(x, y float64) Affine {
	return Affine{A: 1, C: x, E: 1, F: y}
}

// Scale returns a scaling.
func Scale(x, y float64) Affine {
	return Affine{A: x, E: y}
}

// Multiply returns m * o, the transform that applies o first and then m.
func (m Affine) Multiply(o Affine) Affine {
	return Affine{
		A: m.A*o.A + m.B*o.D,
		B: m.A*o.B + m.B*o.E,
		C: m.A*o.C + m.B*o.F + m.C,
		D: m.D*o.A + m.E*o.D,
		E: m.D*o.B + m.E*o.E,
		F: m.D*o.C + m.E*o.F + m.F,
	}
}

// Apply maps a point through the transform.
func (m Affine) Apply(x, y float64) (float64, float64) {
	return m.A*x + m.B*y + m.C, m.D*x + m.E*y + m.F
}

// Determinant returns A*E - B*D.
func (m Affine) Determinant() float64 {
	return m.A*m.E - m.B*m.D
}

// Invertible reports whether the transform has a usable inverse.
func (m Affine) Invertible() bool {
	det := m.Determinant()
	return !math.IsNaN(det) && !math.IsInf(det, 0) && math.Abs(det) > 1e-12
}

// Invert returns the inverse transform.
func (m Affine) Invert() (Affine, error) {
	if !m.Invertible() {
		return Affine{}, fmt.Errorf("%w: %+v", ErrNotInvertible, m)
	}
	inv := 1.0 / m.Determinant()
	return Affine{
		A: m.E * inv,
		B: -m.B * inv,
		C: (m.B*m.F - m.C*m.E) * inv,
		D: -m.D * inv,
		E: m.A * inv,
		F: (m.C*m.D - m.A*m.F) * inv,
	}, nil
}

// ScaleFactors returns the lengths of the transformed unit vectors.
func (m Affine) ScaleFactors() (sx, sy float64) {
	return math.Hypot(m.A, m.D), math.Hypot(m.B, m.E)
}

// IsIdentity reports whether m is exactly the identity.
func (m Affine) IsIdentity() bool {
	return m == Identity()
}

// Truncate returns the index of the pixel containing v.
func Truncate(v float64) int {
	return int(math.Floor(v + Epsilon))
}
