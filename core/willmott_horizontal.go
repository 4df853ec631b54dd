package core

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/hklcalc/model"
)

// WillmottHorizontalName is the registry name of the Willmott horizontal geometry.
const WillmottHorizontalName = "willmott_horizontal"

var willmottAxes = []string{"delta", "gamma", "omegah", "phi"}

// WillmottHorizontal is the four-circle surface geometry with a horizontal
// sample surface (Willmott notation): detector delta (about x) on gamma
// (about z), sample omegah (about x) carrying phi (about z). The beam
// travels along y.
type WillmottHorizontal struct {
	policy SignPolicy
}

// NewWillmottHorizontal returns the geometry with the given root policy.
func NewWillmottHorizontal(policy SignPolicy) *WillmottHorizontal {
	return &WillmottHorizontal{policy: policy}
}

func (g *WillmottHorizontal) Name() string { return WillmottHorizontalName }

func (g *WillmottHorizontal) AxisNames() []string {
	return append([]string(nil), willmottAxes...)
}

// PhysicalAxisNames matches the internal axes one to one.
func (g *WillmottHorizontal) PhysicalAxisNames() []string {
	return append([]string(nil), willmottAxes...)
}

// SignPolicy reports the root policy in effect.
func (g *WillmottHorizontal) SignPolicy() SignPolicy { return g.policy }

func (g *WillmottHorizontal) NewPosition(unit model.Unit, angles ...float64) (model.Position, error) {
	if err := checkAngles(g, angles); err != nil {
		return model.Position{}, err
	}
	return model.NewPosition(unit, angles...)
}

func (g *WillmottHorizontal) radians(pos model.Position) (delta, gamma, omegah, phi float64, err error) {
	if err = checkAngles(g, pos.Values()); err != nil {
		return
	}
	r := pos.InRadians()
	return r.At(0), r.At(1), r.At(2), r.At(3), nil
}

// ComposeRotations returns DELTA, GAMMA, OMEGAH and PHI in that order.
func (g *WillmottHorizontal) ComposeRotations(pos model.Position) ([]Mat3, error) {
	delta, gamma, omegah, phi, err := g.radians(pos)
	if err != nil {
		return nil, err
	}
	return []Mat3{RotX(delta), RotZ(gamma), RotX(omegah), RotZ(phi)}, nil
}

// AnglesToQPhi computes H_lab = (GAMMA·DELTA - I)·ŷ and rotates it back
// through OMEGAH and PHI into the phi frame.
func (g *WillmottHorizontal) AnglesToQPhi(pos model.Position) (Vec3, error) {
	rots, err := g.ComposeRotations(pos)
	if err != nil {
		return Vec3{}, err
	}
	DELTA, GAMMA, OMEGAH, PHI := rots[0], rots[1], rots[2], rots[3]
	beam := Vec3{Y: 1}
	hLab := GAMMA.Mul(DELTA).Sub(Identity3()).MulVec(beam)
	// rotation inverses are transposes
	return PHI.Transpose().MulVec(OMEGAH.Transpose().MulVec(hLab)), nil
}

// QPhiToAngles inverts the forward map. omegah is the incidence angle;
// the remaining angles come from the lab-frame components X, Y and Z of q.
func (g *WillmottHorizontal) QPhiToAngles(q Vec3, c Constraint) (model.Position, VirtualAngles, error) {
	var none VirtualAngles
	qNorm := q.Norm()
	if qNorm < Small {
		return model.Position{}, none, fmt.Errorf("%w: zero scattering vector", ErrDegenerateGeometry)
	}
	theta, err := boundedAsin(qNorm / 2)
	if err != nil {
		return model.Position{}, none, fmt.Errorf("|q|=%.6g beyond backscattering: %w", qNorm, err)
	}

	betain, betaout, err := resolveReference(q.Z, c)
	if err != nil {
		return model.Position{}, none, err
	}
	if math.Abs(betain) < Small {
		return model.Position{}, none, fmt.Errorf("%w: required betain was 0 degrees (requested q is perpendicular to surface normal)", ErrDegenerateGeometry)
	}
	if betain < -Small {
		return model.Position{}, none, fmt.Errorf("%w: betain was negative (%.4f deg)", ErrDegenerateGeometry, betain*180/math.Pi)
	}
	omegah := betain
	cosOmegah := math.Cos(omegah)
	if math.Abs(cosOmegah) < Small {
		return model.Position{}, none, fmt.Errorf("%w: betain is 90 degrees", ErrDegenerateGeometry)
	}

	Y := -(q.X*q.X + q.Y*q.Y + q.Z*q.Z) / 2
	Z := (math.Sin(betaout) + math.Sin(betain)*(Y+1)) / cosOmegah
	M := math.Cos(betain)*Y + math.Sin(betain)*Z

	// after a clamped asin X^2 may be short by BoundTolerance·|q|^2
	xSquared := q.X*q.X + q.Y*q.Y - M*M
	if xSquared < 0 {
		if -xSquared > BoundTolerance*(1+qNorm*qNorm) {
			return model.Position{}, none, fmt.Errorf("%w: no in-plane solution (X^2=%.3g)", ErrUnreachableHkl, xSquared)
		}
		xSquared = 0
	}
	X := math.Sqrt(xSquared)
	if g.policy == PositiveGamma {
		X = -X
	}

	gamma := math.Atan2(-X, Y+1)
	var delta float64
	if s := math.Sin(gamma); math.Abs(s) < Small {
		// no horizontal deflection: X = 0 and Y+1 = cos(gamma)·cos(delta)
		delta = math.Atan2(Z, (Y+1)/math.Cos(gamma))
	} else if s < 0 {
		delta = math.Atan2(-Z*s, X)
	} else {
		delta = math.Atan2(Z*s, -X)
	}
	phi := math.Atan2(q.X*M-q.Y*X, q.X*X+q.Y*M)

	pos, err := model.NewPosition(model.Radians, delta, gamma, omegah, phi)
	if err != nil {
		return model.Position{}, none, err
	}
	return pos, VirtualAngles{Theta: theta, Betain: betain, Betaout: betaout}, nil
}

// resolveReference decodes the constraint into betain and betaout using
// l_phi = sin(betain) + sin(betaout).
func resolveReference(lPhi float64, c Constraint) (betain, betaout float64, err error) {
	switch ref := c.(type) {
	case IncidenceFixed:
		betain = ref.Angle
		betaout, err = boundedAsin(lPhi - math.Sin(betain))
	case ExitFixed:
		betaout = ref.Angle
		betain, err = boundedAsin(lPhi - math.Sin(betaout))
	case IncidenceEqualsExit:
		betain, err = boundedAsin(lPhi / 2)
		betaout = betain
	case nil:
		err = fmt.Errorf("%w: no constraint set", ErrUnknownConstraint)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownConstraint, c.Name())
	}
	return betain, betaout, err
}

// VirtualAngles reports theta from cos(2θ) = cos(delta)·cos(gamma), betain
// as omegah and betaout from l_phi.
func (g *WillmottHorizontal) VirtualAngles(pos model.Position) (VirtualAngles, error) {
	delta, gamma, omegah, _, err := g.radians(pos)
	if err != nil {
		return VirtualAngles{}, err
	}
	q, err := g.AnglesToQPhi(pos)
	if err != nil {
		return VirtualAngles{}, err
	}
	betaout, err := boundedAsin(q.Z - math.Sin(omegah))
	if err != nil {
		return VirtualAngles{}, err
	}
	cos2theta, err := bound(math.Cos(delta) * math.Cos(gamma))
	if err != nil {
		return VirtualAngles{}, err
	}
	return VirtualAngles{
		Theta:   math.Acos(cos2theta) / 2,
		Betain:  omegah,
		Betaout: betaout,
	}, nil
}

func (g *WillmottHorizontal) ToPhysical(pos model.Position) ([]float64, error) {
	if err := checkAngles(g, pos.Values()); err != nil {
		return nil, err
	}
	return pos.InDegrees().Values(), nil
}

func (g *WillmottHorizontal) FromPhysical(angles []float64) (model.Position, error) {
	return g.NewPosition(model.Degrees, angles...)
}
