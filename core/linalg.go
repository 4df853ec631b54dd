package core

import (
	"errors"
	"fmt"
	"math"
)

// Small is the tolerance used for every zero and degeneracy test.
const Small = 1e-10

// ErrSingularMatrix is returned when a matrix has no inverse.
var ErrSingularMatrix = errors.New("singular matrix")

// Vec3 is a 3×1 column vector.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3      { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Cross returns v × o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Unit returns v scaled to length one. A zero-length vector is returned as is.
func (v Vec3) Unit() Vec3 {
	n := v.Norm()
	if n < Small {
		return v
	}
	return v.Scale(1 / n)
}

// Mat3 is a row-major 3×3 matrix.
type Mat3 [3][3]float64

// Identity3 returns the 3×3 identity.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// RotX is the right-handed rotation by th radians about x.
func RotX(th float64) Mat3 {
	c, s := math.Cos(th), math.Sin(th)
	return Mat3{{1, 0, 0}, {0, c, -s}, {0, s, c}}
}

// RotY is the right-handed rotation by th radians about y.
func RotY(th float64) Mat3 {
	c, s := math.Cos(th), math.Sin(th)
	return Mat3{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
}

// RotZ is the right-handed rotation by th radians about z.
func RotZ(th float64) Mat3 {
	c, s := math.Cos(th), math.Sin(th)
	return Mat3{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

// ColumnMatrix builds a matrix whose columns are a, b and c.
func ColumnMatrix(a, b, c Vec3) Mat3 {
	return Mat3{
		{a.X, b.X, c.X},
		{a.Y, b.Y, c.Y},
		{a.Z, b.Z, c.Z},
	}
}

// Mul returns A·B.
func (A Mat3) Mul(B Mat3) Mat3 {
	var R Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += A[r][k] * B[k][c]
			}
			R[r][c] = sum
		}
	}
	return R
}

// MulVec returns A·v.
func (A Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		A[0][0]*v.X + A[0][1]*v.Y + A[0][2]*v.Z,
		A[1][0]*v.X + A[1][1]*v.Y + A[1][2]*v.Z,
		A[2][0]*v.X + A[2][1]*v.Y + A[2][2]*v.Z,
	}
}

func (A Mat3) Transpose() Mat3 {
	var R Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			R[r][c] = A[c][r]
		}
	}
	return R
}

// Scale multiplies every element by s.
func (A Mat3) Scale(s float64) Mat3 {
	var R Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			R[r][c] = A[r][c] * s
		}
	}
	return R
}

// Sub returns A-B.
func (A Mat3) Sub(B Mat3) Mat3 {
	var R Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			R[r][c] = A[r][c] - B[r][c]
		}
	}
	return R
}

// Det returns the determinant.
func (A Mat3) Det() float64 {
	return A[0][0]*(A[1][1]*A[2][2]-A[1][2]*A[2][1]) -
		A[0][1]*(A[1][0]*A[2][2]-A[1][2]*A[2][0]) +
		A[0][2]*(A[1][0]*A[2][1]-A[1][1]*A[2][0])
}

// Inverse returns A⁻¹ via the adjugate. The singularity test is relative to
// the matrix scale so that UB matrices carrying 2π factors are judged fairly.
func (A Mat3) Inverse() (Mat3, error) {
	det := A.Det()
	scale := A.maxAbs()
	if scale == 0 || math.Abs(det) < Small*scale*scale*scale {
		return Mat3{}, fmt.Errorf("%w: det=%g", ErrSingularMatrix, det)
	}
	inv := Mat3{
		{
			A[1][1]*A[2][2] - A[1][2]*A[2][1],
			A[0][2]*A[2][1] - A[0][1]*A[2][2],
			A[0][1]*A[1][2] - A[0][2]*A[1][1],
		},
		{
			A[1][2]*A[2][0] - A[1][0]*A[2][2],
			A[0][0]*A[2][2] - A[0][2]*A[2][0],
			A[0][2]*A[1][0] - A[0][0]*A[1][2],
		},
		{
			A[1][0]*A[2][1] - A[1][1]*A[2][0],
			A[0][1]*A[2][0] - A[0][0]*A[2][1],
			A[0][0]*A[1][1] - A[0][1]*A[1][0],
		},
	}
	return inv.Scale(1 / det), nil
}

// ApproxEqual reports whether every element differs by at most tol.
func (A Mat3) ApproxEqual(B Mat3, tol float64) bool {
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			if math.Abs(A[r][c]-B[r][c]) > tol {
				return false
			}
		}
	}
	return true
}

func (A Mat3) maxAbs() float64 {
	m := 0.0
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m = math.Max(m, math.Abs(A[r][c]))
		}
	}
	return m
}

// Flatten returns the elements in row-major order.
func (A Mat3) Flatten() []float64 {
	out := make([]float64, 0, 9)
	for r := 0; r < 3; r++ {
		out = append(out, A[r][:]...)
	}
	return out
}

// Mat3FromSlice builds a matrix from nine row-major values.
func Mat3FromSlice(v []float64) (Mat3, error) {
	if len(v) != 9 {
		return Mat3{}, fmt.Errorf("matrix needs 9 values, got %d", len(v))
	}
	var A Mat3
	for i, x := range v {
		A[i/3][i%3] = x
	}
	return A, nil
}
