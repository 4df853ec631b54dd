package core

import (
	"fmt"
	"math"
)

// Lattice holds unit-cell lengths in Å and angles in degrees.
type Lattice struct {
	Name               string
	A, B, C            float64
	Alpha, Beta, Gamma float64
}

// CubicLattice returns a cubic cell with edge a.
func CubicLattice(name string, a float64) Lattice {
	return Lattice{Name: name, A: a, B: a, C: a, Alpha: 90, Beta: 90, Gamma: 90}
}

// Validate rejects non-positive lengths and angle sets that do not close a cell.
func (l Lattice) Validate() error {
	for _, v := range []float64{l.A, l.B, l.C} {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: cell length %v", ErrInvalidLattice, v)
		}
	}
	for _, v := range []float64{l.Alpha, l.Beta, l.Gamma} {
		if !(v > 0 && v < 180) {
			return fmt.Errorf("%w: cell angle %v", ErrInvalidLattice, v)
		}
	}
	if l.volumeFactor() <= Small {
		return fmt.Errorf("%w: angles %v/%v/%v do not form a cell", ErrInvalidLattice, l.Alpha, l.Beta, l.Gamma)
	}
	return nil
}

func (l Lattice) volumeFactor() float64 {
	ca, cb, cg := cosd(l.Alpha), cosd(l.Beta), cosd(l.Gamma)
	return 1 - ca*ca - cb*cb - cg*cg + 2*ca*cb*cg
}

// BMatrix returns the Busing & Levy B matrix including the 2π factor, so
// that B·hkl is in Å⁻¹.
func (l Lattice) BMatrix() (Mat3, error) {
	if err := l.Validate(); err != nil {
		return Mat3{}, err
	}
	a1, a2, a3 := l.A, l.B, l.C
	sa1, sa2, sa3 := sind(l.Alpha), sind(l.Beta), sind(l.Gamma)
	ca1, ca2, ca3 := cosd(l.Alpha), cosd(l.Beta), cosd(l.Gamma)

	v := a1 * a2 * a3 * math.Sqrt(l.volumeFactor())
	b1 := 2 * math.Pi * a2 * a3 * sa1 / v
	b2 := 2 * math.Pi * a1 * a3 * sa2 / v
	b3 := 2 * math.Pi * a1 * a2 * sa3 / v

	cb2 := (ca1*ca3 - ca2) / (sa1 * sa3)
	cb3 := (ca1*ca2 - ca3) / (sa1 * sa2)
	sb2 := math.Sqrt(1 - cb2*cb2)
	sb3 := math.Sqrt(1 - cb3*cb3)

	return Mat3{
		{b1, b2 * cb3, b3 * cb2},
		{0, b2 * sb3, -b3 * sb2 * ca1},
		{0, 0, 2 * math.Pi / a3},
	}, nil
}

func (l Lattice) String() string {
	return fmt.Sprintf("%s a=%.4f b=%.4f c=%.4f alpha=%.3f beta=%.3f gamma=%.3f",
		l.Name, l.A, l.B, l.C, l.Alpha, l.Beta, l.Gamma)
}

func cosd(x float64) float64 { return math.Cos(x * math.Pi / 180) }
func sind(x float64) float64 { return math.Sin(x * math.Pi / 180) }
