package ident

import "testing"

func TestFixedFromFloatRoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		in   float64
		want Fixed
	}{
		{1.2345, 1235},
		{1.2344, 1234},
		{-1.2345, -1235},
		{0, 0},
	}
	for _, tc := range cases {
		if got := FixedFromFloat(tc.in); got != tc.want {
			t.Fatalf("FixedFromFloat(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFixedMulDivKeepScale(t *testing.T) {
	a := FixedFromFloat(1.5)
	b := FixedFromFloat(2.0)
	if got := a.Mul(b); got != FixedFromFloat(3.0) {
		t.Fatalf("mul produced %v", got)
	}
	if got := a.Div(b); got != FixedFromFloat(0.75) {
		t.Fatalf("div produced %v", got)
	}
	//1.- Division by zero must stay total instead of panicking mid-tick.
	if got := a.Div(0); got != 0 {
		t.Fatalf("div by zero produced %v", got)
	}
}

func TestFixedString(t *testing.T) {
	if got := FixedFromFloat(-1.25).String(); got != "-1.250" {
		t.Fatalf("unexpected render %q", got)
	}
}

func TestVec3Arithmetic(t *testing.T) {
	a := Vec3{X: FixedFromInt(1), Y: FixedFromInt(2), Z: FixedFromInt(3)}
	b := Vec3{X: FixedFromInt(4), Y: FixedFromInt(5), Z: FixedFromInt(6)}
	sum := a.Add(b)
	if sum.X != FixedFromInt(5) || sum.Y != FixedFromInt(7) || sum.Z != FixedFromInt(9) {
		t.Fatalf("unexpected sum %+v", sum)
	}
	if got := a.Dot(b); got != FixedFromInt(32) {
		t.Fatalf("unexpected dot %v", got)
	}
}

func TestNormalizeAngleWraps(t *testing.T) {
	if got := NormalizeAngle(-90 * FixedScale); got != Angle(270*FixedScale) {
		t.Fatalf("negative wrap produced %v", got)
	}
	if got := Angle(350 * FixedScale).Add(Angle(20 * FixedScale)); got != Angle(10*FixedScale) {
		t.Fatalf("additive wrap produced %v", got)
	}
}
