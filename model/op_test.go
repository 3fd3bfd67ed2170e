//go:build unit
// +build unit

package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// finiteDiffDeriv numerically differentiates op.Matrix() over its local
// parameters for comparison with the analytic Jacobian.
func finiteDiffDeriv(t *testing.T, op Op) *mat.Dense {
	t.Helper()
	d := op.Dim()
	np := op.NumParams()
	theta := op.Params(nil)
	out := mat.NewDense(d*d, np, nil)
	const h = 1e-6
	work := append([]float64(nil), theta...)
	for l := 0; l < np; l++ {
		work[l] = theta[l] + h
		op.SetParams(work)
		plus := mat.DenseCopyOf(op.Matrix())
		work[l] = theta[l] - h
		op.SetParams(work)
		minus := mat.DenseCopyOf(op.Matrix())
		work[l] = theta[l]
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				out.Set(i*d+j, l, (plus.At(i, j)-minus.At(i, j))/(2*h))
			}
		}
	}
	op.SetParams(theta)
	return out
}

func assertDerivMatches(t *testing.T, op Op, tol float64) {
	t.Helper()
	want := finiteDiffDeriv(t, op)
	got := op.Deriv()
	require.NotNil(t, got)
	r, c := want.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			assert.InDelta(t, want.At(i, j), got.At(i, j), tol,
				"deriv entry (%d,%d)", i, j)
		}
	}
}

func TestFullOpParamsRoundTrip(t *testing.T) {
	op := NewFullOp(RotXPTM(math.Pi / 2))
	theta := op.Params(nil)
	assert.Len(t, theta, 16)
	theta[5] = 0.25
	op.SetParams(theta)
	assert.InDelta(t, 0.25, op.Matrix().At(1, 1), 1e-15)
	assertDerivMatches(t, op, 1e-9)
}

func TestTPOpPinsFirstRow(t *testing.T) {
	op, err := NewTPOp(RotYPTM(math.Pi / 2))
	require.NoError(t, err)
	assert.Equal(t, 12, op.NumParams())
	assert.InDelta(t, 1.0, op.Matrix().At(0, 0), 1e-15)

	theta := op.Params(nil)
	for i := range theta {
		theta[i] += 0.01
	}
	op.SetParams(theta)
	assert.InDelta(t, 1.0, op.Matrix().At(0, 0), 1e-15)
	assert.InDelta(t, 0.0, op.Matrix().At(0, 1), 1e-15)
	assertDerivMatches(t, op, 1e-9)

	bad := mat.NewDense(4, 4, nil)
	bad.Set(0, 0, 2) // not TP at all
	_, err = NewTPOp(bad)
	assert.Error(t, err)
}

func TestTPOpSetMatrixProjects(t *testing.T) {
	op, err := NewTPOp(IdlePTM(4))
	require.NoError(t, err)
	noisy := mat.DenseCopyOf(RotXPTM(math.Pi / 2))
	noisy.Set(0, 1, 1e-3) // small statistical leakage into the first row
	require.NoError(t, op.SetMatrix(noisy))
	assert.InDelta(t, 0.0, op.Matrix().At(0, 1), 1e-15)
	assert.InDelta(t, noisy.At(2, 3), op.Matrix().At(2, 3), 1e-15)
}

func TestStaticOp(t *testing.T) {
	op := NewStaticOp(IdlePTM(4))
	assert.Equal(t, 0, op.NumParams())
	assert.Nil(t, op.Deriv())
	assert.Error(t, op.SetMatrix(IdlePTM(4)))
}

func TestCPTPOpStaysTP(t *testing.T) {
	op := NewCPTPOpFromUnitary(UnitaryRotX(math.Pi / 2))
	got := op.Matrix()
	want := RotXPTM(math.Pi / 2)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, want.At(i, j), got.At(i, j), 1e-9)
		}
	}

	// Perturb the parameters: the map must stay trace preserving.
	theta := op.Params(nil)
	for i := range theta {
		theta[i] += 0.05 * float64(i%3)
	}
	op.SetParams(theta)
	assert.InDelta(t, 1.0, op.Matrix().At(0, 0), 1e-9)
	for j := 1; j < 4; j++ {
		assert.InDelta(t, 0.0, op.Matrix().At(0, j), 1e-9)
	}
	assert.Error(t, op.SetMatrix(IdlePTM(4)))
}

func TestCPTPOpDepolarizing(t *testing.T) {
	op := NewCPTPOpDepolarizing(0.1)
	want := DepolarizingPTM(4, 0.1)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, want.At(i, j), op.Matrix().At(i, j), 1e-9)
		}
	}
	assertDerivMatches(t, op, 1e-4)
}

func TestComposedOp(t *testing.T) {
	x, err := NewTPOp(RotXPTM(math.Pi / 2))
	require.NoError(t, err)
	y, err := NewTPOp(RotYPTM(math.Pi / 2))
	require.NoError(t, err)
	comp, err := NewComposedOp(x, y)
	require.NoError(t, err)
	assert.Equal(t, 24, comp.NumParams())

	// Factors apply in circuit order: y after x.
	want := mat.NewDense(4, 4, nil)
	want.Mul(RotYPTM(math.Pi/2), RotXPTM(math.Pi/2))
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, want.At(i, j), comp.Matrix().At(i, j), 1e-12)
		}
	}
	assertDerivMatches(t, comp, 1e-8)
}

func TestEmbeddedOp(t *testing.T) {
	x, err := NewTPOp(RotXPTM(math.Pi / 2))
	require.NoError(t, err)
	emb := NewEmbeddedOp(x, 1, 0)
	assert.Equal(t, 16, emb.Dim())
	assert.Equal(t, 12, emb.NumParams())

	// Identity on the leading line, the rotation on the trailing one.
	idx := IdlePTM(4)
	want := mat.NewDense(16, 16, nil)
	want.Kronecker(idx, RotXPTM(math.Pi/2))
	for i := 0; i < 16; i++ {
		for j := 0; j < 16; j++ {
			assert.InDelta(t, want.At(i, j), emb.Matrix().At(i, j), 1e-12)
		}
	}
	assertDerivMatches(t, emb, 1e-8)
}

func TestInvSqrtHermitian(t *testing.T) {
	m := c2{{4, 0}, {0, 9}}
	s := invSqrt2x2Hermitian(m)
	assert.InDelta(t, 0.5, real(s[0][0]), 1e-12)
	assert.InDelta(t, 1.0/3.0, real(s[1][1]), 1e-12)
}
