package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCubicBMatrix(t *testing.T) {
	B, err := CubicLattice("unit", 1).BMatrix()
	require.NoError(t, err)
	assert.True(t, B.ApproxEqual(Identity3().Scale(2*math.Pi), 1e-12), "B = %v", B)
}

func TestHexagonalBMatrix(t *testing.T) {
	l := Lattice{Name: "hex", A: 3, B: 3, C: 5, Alpha: 90, Beta: 90, Gamma: 120}
	B, err := l.BMatrix()
	require.NoError(t, err)

	// |a*| = 2/(a·√3) for a hexagonal cell
	assert.InDelta(t, 2*math.Pi*2/(3*math.Sqrt(3)), B.MulVec(Vec3{X: 1}).Norm(), 1e-12)
	assert.InDelta(t, 2*math.Pi/5, B.MulVec(Vec3{Z: 1}).Norm(), 1e-12)
	// a* and b* enclose 60 degrees
	cos := B.MulVec(Vec3{X: 1}).Unit().Dot(B.MulVec(Vec3{Y: 1}).Unit())
	assert.InDelta(t, 0.5, cos, 1e-12)
}

func TestLatticeValidate(t *testing.T) {
	bad := []Lattice{
		{A: 0, B: 1, C: 1, Alpha: 90, Beta: 90, Gamma: 90},
		{A: 1, B: -1, C: 1, Alpha: 90, Beta: 90, Gamma: 90},
		{A: 1, B: 1, C: math.Inf(1), Alpha: 90, Beta: 90, Gamma: 90},
		{A: 1, B: 1, C: 1, Alpha: 180, Beta: 90, Gamma: 90},
		{A: 1, B: 1, C: 1, Alpha: 60, Beta: 60, Gamma: 150},
	}
	for _, l := range bad {
		assert.ErrorIs(t, l.Validate(), ErrInvalidLattice, "%v", l)
		_, err := l.BMatrix()
		assert.ErrorIs(t, err, ErrInvalidLattice)
	}
	assert.NoError(t, CubicLattice("si", 5.431).Validate())
}
