package core

import (
	"fmt"
	"math"
)

// Constraint names accepted by ParseConstraint and reported by Name.
const (
	ConstraintIncidence       = "betain"
	ConstraintExit            = "betaout"
	ConstraintIncidenceEqExit = "betain_eq_betaout"
)

// Constraint is the single active reference condition that makes the
// inverse map solvable. The set of implementations is closed: IncidenceFixed,
// ExitFixed and IncidenceEqualsExit.
type Constraint interface {
	Name() string
	// Value returns the fixed angle in radians and whether one is carried.
	Value() (float64, bool)
	isConstraint()
}

// IncidenceFixed fixes the incidence angle betain (radians).
type IncidenceFixed struct {
	Angle float64
}

// ExitFixed fixes the exit angle betaout (radians).
type ExitFixed struct {
	Angle float64
}

// IncidenceEqualsExit requires betain == betaout.
type IncidenceEqualsExit struct{}

func (IncidenceFixed) Name() string      { return ConstraintIncidence }
func (ExitFixed) Name() string           { return ConstraintExit }
func (IncidenceEqualsExit) Name() string { return ConstraintIncidenceEqExit }

func (c IncidenceFixed) Value() (float64, bool)    { return c.Angle, true }
func (c ExitFixed) Value() (float64, bool)         { return c.Angle, true }
func (IncidenceEqualsExit) Value() (float64, bool) { return 0, false }

func (IncidenceFixed) isConstraint()      {}
func (ExitFixed) isConstraint()           {}
func (IncidenceEqualsExit) isConstraint() {}

// ParseConstraint decodes a named constraint. value is in radians and is
// required for betain and betaout, ignored for betain_eq_betaout.
func ParseConstraint(name string, value *float64) (Constraint, error) {
	switch name {
	case ConstraintIncidence, ConstraintExit:
		if value == nil {
			return nil, fmt.Errorf("%w: %q needs a value", ErrUnknownConstraint, name)
		}
		if math.IsNaN(*value) || math.IsInf(*value, 0) {
			return nil, fmt.Errorf("%w: %q value %v", ErrUnknownConstraint, name, *value)
		}
		if name == ConstraintIncidence {
			return IncidenceFixed{Angle: *value}, nil
		}
		return ExitFixed{Angle: *value}, nil
	case ConstraintIncidenceEqExit:
		return IncidenceEqualsExit{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownConstraint, name)
	}
}

// ConstraintString renders c with its value in degrees.
func ConstraintString(c Constraint) string {
	if c == nil {
		return "<none>"
	}
	if v, ok := c.Value(); ok {
		return fmt.Sprintf("%s=%.4f", c.Name(), v*180/math.Pi)
	}
	return c.Name()
}
