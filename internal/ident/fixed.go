package ident

import "fmt"

// FixedScale is the implicit denominator shared by every fixed-point quantity.
const FixedScale int64 = 1000

// Fixed is an integer with an implicit /1000 scale, used wherever gameplay
// math must stay bit-identical across architectures.
type Fixed int64

// FixedFromFloat quantises a float onto the fixed grid, rounding half away from zero.
func FixedFromFloat(v float64) Fixed {
	scaled := v * float64(FixedScale)
	if scaled >= 0 {
		return Fixed(int64(scaled + 0.5))
	}
	return Fixed(int64(scaled - 0.5))
}

// FixedFromInt lifts a whole number onto the fixed grid.
func FixedFromInt(v int64) Fixed {
	return Fixed(v * FixedScale)
}

// Float converts back to a float for display only; never feed the result into
// deterministic state.
func (f Fixed) Float() float64 {
	return float64(f) / float64(FixedScale)
}

// Raw exposes the underlying scaled integer for hashing and wire encoding.
func (f Fixed) Raw() int64 {
	return int64(f)
}

// Mul multiplies two fixed quantities, keeping the scale.
func (f Fixed) Mul(o Fixed) Fixed {
	return Fixed(int64(f) * int64(o) / FixedScale)
}

// Div divides two fixed quantities, keeping the scale. Division by zero yields zero.
func (f Fixed) Div(o Fixed) Fixed {
	if o == 0 {
		return 0
	}
	return Fixed(int64(f) * FixedScale / int64(o))
}

// String renders the quantity with its fractional part, e.g. "1.250".
func (f Fixed) String() string {
	whole := int64(f) / FixedScale
	frac := int64(f) % FixedScale
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%03d", whole, frac)
}

// Vec3 is a deterministic three-component vector on the fixed grid.
type Vec3 struct {
	X Fixed `json:"x"`
	Y Fixed `json:"y"`
	Z Fixed `json:"z"`
}

// Add returns the component-wise sum.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Sub returns the component-wise difference.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Scale multiplies every component by the supplied fixed factor.
func (v Vec3) Scale(k Fixed) Vec3 {
	return Vec3{X: v.X.Mul(k), Y: v.Y.Mul(k), Z: v.Z.Mul(k)}
}

// Dot returns the fixed-point dot product.
func (v Vec3) Dot(o Vec3) Fixed {
	return v.X.Mul(o.X) + v.Y.Mul(o.Y) + v.Z.Mul(o.Z)
}

// AngleScale fixes one full turn at 360000 milli-degrees.
const AngleScale int64 = 360 * FixedScale

// Angle is a fixed-point angle in milli-degrees, normalised to [0, 360000).
type Angle int64

// NormalizeAngle wraps an arbitrary milli-degree value into the canonical range.
func NormalizeAngle(raw int64) Angle {
	//1.- Use Euclidean remainder so negative inputs normalise without branching drift.
	r := raw % AngleScale
	if r < 0 {
		r += AngleScale
	}
	return Angle(r)
}

// Add rotates by another angle and renormalises.
func (a Angle) Add(o Angle) Angle {
	return NormalizeAngle(int64(a) + int64(o))
}

// Degrees converts to floating degrees for display only.
func (a Angle) Degrees() float64 {
	return float64(a) / float64(FixedScale)
}
