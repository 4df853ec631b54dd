package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// MaxAxes is the largest number of physical axes a Position can carry.
const MaxAxes = 8

// ErrTooManyAxes is returned when a Position is built with more than MaxAxes values.
var ErrTooManyAxes = errors.New("too many axes for position")

// Unit tags the angle unit of a Position.
type Unit int

const (
	Degrees Unit = iota
	Radians
)

func (u Unit) String() string {
	switch u {
	case Degrees:
		return "deg"
	case Radians:
		return "rad"
	default:
		return fmt.Sprintf("Unit(%d)", int(u))
	}
}

// Position is an immutable tuple of diffractometer angles with an explicit
// unit. It is a comparable value: two positions are == when they hold the
// same angles in the same unit.
type Position struct {
	unit   Unit
	n      int
	angles [MaxAxes]float64
}

// NewPosition builds a Position from angles given in unit.
func NewPosition(unit Unit, angles ...float64) (Position, error) {
	if len(angles) > MaxAxes {
		return Position{}, fmt.Errorf("%w: %d > %d", ErrTooManyAxes, len(angles), MaxAxes)
	}
	p := Position{unit: unit, n: len(angles)}
	copy(p.angles[:], angles)
	return p, nil
}

// Unit returns the unit the angles are expressed in.
func (p Position) Unit() Unit { return p.unit }

// Len returns the number of axes.
func (p Position) Len() int { return p.n }

// At returns the i-th angle. It panics on an out-of-range index like a slice would.
func (p Position) At(i int) float64 {
	if i < 0 || i >= p.n {
		panic(fmt.Sprintf("model: position index %d out of range [0,%d)", i, p.n))
	}
	return p.angles[i]
}

// Values returns a copy of the angles.
func (p Position) Values() []float64 {
	out := make([]float64, p.n)
	copy(out, p.angles[:p.n])
	return out
}

// InRadians returns p converted to radians. A position already in radians is
// returned unchanged, so the conversion is applied at most once.
func (p Position) InRadians() Position {
	if p.unit == Radians {
		return p
	}
	return p.scaled(math.Pi/180, Radians)
}

// InDegrees returns p converted to degrees.
func (p Position) InDegrees() Position {
	if p.unit == Degrees {
		return p
	}
	return p.scaled(180/math.Pi, Degrees)
}

func (p Position) scaled(f float64, unit Unit) Position {
	out := Position{unit: unit, n: p.n}
	for i := 0; i < p.n; i++ {
		out.angles[i] = p.angles[i] * f
	}
	return out
}

// ApproxEqual reports whether q holds the same angles as p within tol,
// comparing in p's unit.
func (p Position) ApproxEqual(q Position, tol float64) bool {
	if p.n != q.n {
		return false
	}
	if q.unit != p.unit {
		if p.unit == Radians {
			q = q.InRadians()
		} else {
			q = q.InDegrees()
		}
	}
	for i := 0; i < p.n; i++ {
		if math.Abs(p.angles[i]-q.angles[i]) > tol {
			return false
		}
	}
	return true
}

func (p Position) String() string {
	parts := make([]string, p.n)
	for i := 0; i < p.n; i++ {
		parts[i] = fmt.Sprintf("%.4f", p.angles[i])
	}
	return fmt.Sprintf("Position(%s %s)", strings.Join(parts, " "), p.unit)
}
