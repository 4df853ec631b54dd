package core

import (
	"fmt"

	"github.com/signalsfoundry/hklcalc/model"
)

// MinReflections is the number of independent reflections needed to fix U.
const MinReflections = 2

// collinearTolerance bounds |û1 × û2| below which two directions are
// treated as parallel. Measured directions carry encoder noise, so this is
// looser than Small.
const collinearTolerance = 1e-6

// Observation is one reference reflection reduced to the scattering vector
// it was measured at, in the phi frame and in units of 2π/λ.
type Observation struct {
	HKL  model.HKL
	QPhi Vec3
}

// Calibrator turns reference reflections into an orientation matrix using
// the forward map of its geometry.
type Calibrator struct {
	geometry Geometry
}

// NewCalibrator binds a calibrator to a geometry.
func NewCalibrator(g Geometry) *Calibrator {
	return &Calibrator{geometry: g}
}

// Observe computes the phi-frame scattering vector of a reflection. The
// result is not UB-scaled.
func (c *Calibrator) Observe(r model.Reflection) (Observation, error) {
	q, err := c.geometry.AnglesToQPhi(r.Position)
	if err != nil {
		return Observation{}, fmt.Errorf("observe %s: %w", r.HKL, err)
	}
	return Observation{HKL: r.HKL, QPhi: q}, nil
}

// CalculateUB fits U from the first two reflections whose hkl and measured
// directions are both non-collinear, and returns U·B.
func (c *Calibrator) CalculateUB(lattice Lattice, refs ...model.Reflection) (Mat3, error) {
	if len(refs) < MinReflections {
		return Mat3{}, fmt.Errorf("%w: need %d reflections, have %d", ErrInsufficientCalibrationData, MinReflections, len(refs))
	}
	B, err := lattice.BMatrix()
	if err != nil {
		return Mat3{}, err
	}
	obs := make([]Observation, 0, len(refs))
	for _, r := range refs {
		o, err := c.Observe(r)
		if err != nil {
			return Mat3{}, err
		}
		obs = append(obs, o)
	}
	return UBFromObservations(B, obs...)
}

// UBFromObservations implements the Busing & Levy two-reflection method:
// build orthonormal triads from the crystal-frame and phi-frame vectors and
// take U = Tphi·Tcᵀ.
func UBFromObservations(B Mat3, obs ...Observation) (Mat3, error) {
	for i := 0; i < len(obs); i++ {
		for j := i + 1; j < len(obs); j++ {
			h1 := B.MulVec(hklVec(obs[i].HKL))
			h2 := B.MulVec(hklVec(obs[j].HKL))
			tc, ok := triad(h1, h2)
			if !ok {
				continue
			}
			tphi, ok := triad(obs[i].QPhi, obs[j].QPhi)
			if !ok {
				continue
			}
			U := tphi.Mul(tc.Transpose())
			return U.Mul(B), nil
		}
	}
	return Mat3{}, fmt.Errorf("%w: no two non-collinear reflections among %d", ErrInsufficientCalibrationData, len(obs))
}

func triad(a, b Vec3) (Mat3, bool) {
	if a.Norm() < Small || b.Norm() < Small {
		return Mat3{}, false
	}
	t1 := a.Unit()
	n := t1.Cross(b.Unit())
	if n.Norm() < collinearTolerance {
		return Mat3{}, false
	}
	t3 := n.Unit()
	t2 := t3.Cross(t1)
	return ColumnMatrix(t1, t2, t3), true
}

func hklVec(m model.HKL) Vec3 {
	return Vec3{X: m.H, Y: m.K, Z: m.L}
}
