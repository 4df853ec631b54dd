package model

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestPositionUnitConversionIsIdempotent(t *testing.T) {
	p, err := NewPosition(Degrees, 90, 180, -45, 0)
	if err != nil {
		t.Fatalf("NewPosition: %v", err)
	}
	r := p.InRadians()
	if r.Unit() != Radians {
		t.Fatalf("unit = %v, want rad", r.Unit())
	}
	if r.InRadians() != r {
		t.Fatalf("InRadians on a radian position must be a no-op")
	}
	if math.Abs(r.At(0)-math.Pi/2) > 1e-15 || math.Abs(r.At(2)+math.Pi/4) > 1e-15 {
		t.Fatalf("unexpected radians %v", r)
	}
	if !r.InDegrees().ApproxEqual(p, 1e-12) {
		t.Fatalf("degrees round trip: got %v want %v", r.InDegrees(), p)
	}
}

func TestPositionEqualityByValue(t *testing.T) {
	a, _ := NewPosition(Degrees, 1, 2, 3, 4)
	b, _ := NewPosition(Degrees, 1, 2, 3, 4)
	c, _ := NewPosition(Radians, 1, 2, 3, 4)
	if a != b {
		t.Fatalf("equal angles should compare equal")
	}
	if a == c {
		t.Fatalf("different units should not compare equal")
	}

	vals := a.Values()
	vals[0] = 99
	if a.At(0) != 1 {
		t.Fatalf("Values must return a copy")
	}
}

func TestPositionTooManyAxes(t *testing.T) {
	_, err := NewPosition(Degrees, make([]float64, MaxAxes+1)...)
	if !errors.Is(err, ErrTooManyAxes) {
		t.Fatalf("err = %v, want ErrTooManyAxes", err)
	}
}

func TestWavelengthEnergy(t *testing.T) {
	wl, err := WavelengthFromEnergy(HC)
	if err != nil {
		t.Fatalf("WavelengthFromEnergy: %v", err)
	}
	if wl != 1 {
		t.Fatalf("wavelength = %v, want 1", wl)
	}
	e, err := EnergyFromWavelength(wl)
	if err != nil {
		t.Fatalf("EnergyFromWavelength: %v", err)
	}
	if math.Abs(e-HC) > 1e-12 {
		t.Fatalf("energy = %v, want %v", e, HC)
	}

	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := WavelengthFromEnergy(bad); !errors.Is(err, ErrInvalidEnergy) {
			t.Fatalf("energy %v: err = %v, want ErrInvalidEnergy", bad, err)
		}
	}
}

func TestReflectionWavelengthDerivedFromEnergy(t *testing.T) {
	r := Reflection{Energy: 8}
	if got, want := r.Wavelength(), HC/8; got != want {
		t.Fatalf("Wavelength = %v, want %v", got, want)
	}
}

func TestTimestampTextRoundTrip(t *testing.T) {
	in := NewTimestamp(time.Date(2024, 3, 9, 14, 5, 6, 123456789, time.FixedZone("X", 3600)))
	text, err := in.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if string(text) != "2024-03-09T13:05:06.123456789Z" {
		t.Fatalf("text = %q", text)
	}
	out, err := ParseTimestamp(string(text))
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	if !out.Equal(in) {
		t.Fatalf("round trip = %v, want %v", out, in)
	}

	if _, err := ParseTimestamp("datetime.datetime(2024, 3, 9)"); err == nil {
		t.Fatalf("expected non-RFC3339 text to be rejected")
	}
	zero, err := ParseTimestamp("")
	if err != nil || !zero.IsZero() {
		t.Fatalf("empty text should give zero timestamp, got %v, %v", zero, err)
	}
}
