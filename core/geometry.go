package core

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/signalsfoundry/hklcalc/model"
)

// BoundTolerance is how far past ±1 an inverse-trig argument may drift from
// rounding and still be clamped. Anything further is a caller error.
const BoundTolerance = 1e-8

// VirtualAngles are derived diagnostic angles reported alongside a position,
// all in radians.
type VirtualAngles struct {
	Theta   float64 // half the total scattering angle
	Betain  float64 // incidence angle
	Betaout float64 // exit angle
}

// Degrees returns the angles converted to degrees, keyed by name.
func (v VirtualAngles) Degrees() map[string]float64 {
	const toDeg = 180 / math.Pi
	return map[string]float64{
		"theta":   v.Theta * toDeg,
		"betain":  v.Betain * toDeg,
		"betaout": v.Betaout * toDeg,
	}
}

// SignPolicy picks the branch of the free square root in the inverse map.
// It is fixed per geometry instance and never depends on the data.
type SignPolicy int

const (
	// PositiveGamma takes the root that yields gamma in [0, π].
	PositiveGamma SignPolicy = iota
	// NegativeGamma takes the root that yields gamma in [-π, 0].
	NegativeGamma
)

func (p SignPolicy) String() string {
	switch p {
	case PositiveGamma:
		return "positive_gamma"
	case NegativeGamma:
		return "negative_gamma"
	default:
		return fmt.Sprintf("SignPolicy(%d)", int(p))
	}
}

// ParseSignPolicy decodes the names produced by SignPolicy.String.
func ParseSignPolicy(s string) (SignPolicy, error) {
	switch strings.ToLower(s) {
	case "", "positive_gamma":
		return PositiveGamma, nil
	case "negative_gamma":
		return NegativeGamma, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSignPolicy, s)
	}
}

// Geometry is the kinematic model of one diffractometer family. It maps
// angles to the scattering vector in the phi frame (units of 2π/λ) and back.
type Geometry interface {
	Name() string
	// AxisNames lists the internal axes in Position order.
	AxisNames() []string
	// PhysicalAxisNames lists the axes as addressed on the instrument.
	PhysicalAxisNames() []string
	// NewPosition validates raw angles and wraps them in a Position.
	NewPosition(unit model.Unit, angles ...float64) (model.Position, error)
	// ComposeRotations returns the per-axis rotation matrices in the
	// geometry's composition order.
	ComposeRotations(pos model.Position) ([]Mat3, error)
	// AnglesToQPhi is the forward map.
	AnglesToQPhi(pos model.Position) (Vec3, error)
	// QPhiToAngles is the inverse map under constraint c. The position is
	// returned in radians.
	QPhiToAngles(q Vec3, c Constraint) (model.Position, VirtualAngles, error)
	// VirtualAngles derives the diagnostic angles of a position.
	VirtualAngles(pos model.Position) (VirtualAngles, error)
	// ToPhysical converts a position to physical axis values in degrees.
	ToPhysical(pos model.Position) ([]float64, error)
	// FromPhysical builds a position from physical axis values in degrees.
	FromPhysical(angles []float64) (model.Position, error)
}

// GeometryFactory builds a geometry with the given sign policy.
type GeometryFactory func(policy SignPolicy) Geometry

var geometries = map[string]GeometryFactory{
	WillmottHorizontalName: func(p SignPolicy) Geometry { return NewWillmottHorizontal(p) },
}

// NewGeometry looks up a registered geometry by name.
func NewGeometry(name string, policy SignPolicy) (Geometry, error) {
	f, ok := geometries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownGeometry, name, strings.Join(GeometryNames(), ", "))
	}
	return f(policy), nil
}

// GeometryNames returns the registered geometry names, sorted.
func GeometryNames() []string {
	names := make([]string, 0, len(geometries))
	for n := range geometries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// bound clamps x into [-1, 1] when it overshoots by at most BoundTolerance.
func bound(x float64) (float64, error) {
	if math.IsNaN(x) || math.Abs(x) > 1+BoundTolerance {
		return 0, fmt.Errorf("%w: inverse-trig argument %.12g outside [-1, 1]", ErrUnreachableHkl, x)
	}
	return math.Max(-1, math.Min(1, x)), nil
}

func boundedAsin(x float64) (float64, error) {
	b, err := bound(x)
	if err != nil {
		return 0, err
	}
	return math.Asin(b), nil
}

// checkAngles verifies the axis count and that every angle is finite.
func checkAngles(g Geometry, angles []float64) error {
	if want := len(g.AxisNames()); len(angles) != want {
		return fmt.Errorf("%w: %s expects %d angles, got %d", ErrInvalidPosition, g.Name(), want, len(angles))
	}
	for i, a := range angles {
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidPosition, g.AxisNames()[i], a)
		}
	}
	return nil
}
