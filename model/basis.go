package model

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// The engine works in the normalized Pauli-product ("Liouville") basis:
// density operators become real column vectors, channels become real
// transfer matrices, and outcome probabilities become inner products.

// c2 is a 2x2 complex matrix, enough for single-line Hilbert-space algebra.
type c2 [2][2]complex128

var (
	pauliI = c2{{1, 0}, {0, 1}}
	pauliX = c2{{0, 1}, {1, 0}}
	pauliY = c2{{0, -1i}, {1i, 0}}
	pauliZ = c2{{1, 0}, {0, -1}}

	paulis = [4]c2{pauliI, pauliX, pauliY, pauliZ}
)

func mul2(a, b c2) c2 {
	var out c2
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			out[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j]
		}
	}
	return out
}

func dag2(a c2) c2 {
	return c2{
		{cmplx.Conj(a[0][0]), cmplx.Conj(a[1][0])},
		{cmplx.Conj(a[0][1]), cmplx.Conj(a[1][1])},
	}
}

func add2(a, b c2) c2 {
	var out c2
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			out[i][j] = a[i][j] + b[i][j]
		}
	}
	return out
}

func trace2(a c2) complex128 {
	return a[0][0] + a[1][1]
}

// PTMFromKraus builds the 4x4 Pauli transfer matrix of the single-line
// channel rho -> sum_k K rho K^dag.
func PTMFromKraus(kraus []c2) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var acc complex128
			for _, k := range kraus {
				acc += trace2(mul2(paulis[i], mul2(k, mul2(paulis[j], dag2(k)))))
			}
			out.Set(i, j, real(acc)/2)
		}
	}
	return out
}

// PTMFromUnitary2 is PTMFromKraus for a single unitary Kraus operator.
func PTMFromUnitary2(u c2) *mat.Dense {
	return PTMFromKraus([]c2{u})
}

// UnitaryRotX returns exp(-i*theta/2 * X) as a complex matrix.
func UnitaryRotX(theta float64) c2 {
	c := complex(math.Cos(theta/2), 0)
	s := complex(0, -math.Sin(theta/2))
	return c2{{c, s}, {s, c}}
}

func UnitaryRotY(theta float64) c2 {
	c := complex(math.Cos(theta/2), 0)
	s := complex(math.Sin(theta/2), 0)
	return c2{{c, -s}, {s, c}}
}

func UnitaryRotZ(theta float64) c2 {
	return c2{
		{cmplx.Exp(complex(0, -theta/2)), 0},
		{0, cmplx.Exp(complex(0, theta/2))},
	}
}

// RotXPTM returns the transfer matrix of a rotation about X by theta.
func RotXPTM(theta float64) *mat.Dense { return PTMFromUnitary2(UnitaryRotX(theta)) }

func RotYPTM(theta float64) *mat.Dense { return PTMFromUnitary2(UnitaryRotY(theta)) }

func RotZPTM(theta float64) *mat.Dense { return PTMFromUnitary2(UnitaryRotZ(theta)) }

// IdlePTM is the identity channel on dim-dimensional Liouville space.
func IdlePTM(dim int) *mat.Dense {
	out := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		out.Set(i, i, 1)
	}
	return out
}

// DepolarizingPTM shrinks every non-identity basis direction by rate.
func DepolarizingPTM(dim int, rate float64) *mat.Dense {
	out := mat.NewDense(dim, dim, nil)
	out.Set(0, 0, 1)
	for i := 1; i < dim; i++ {
		out.Set(i, i, 1-rate)
	}
	return out
}

// Prep0Vec is the |0...0> state over nLines lines in the normalized
// Pauli-product basis.
func Prep0Vec(nLines int) *mat.VecDense {
	line := []float64{1 / math.Sqrt2, 0, 0, 1 / math.Sqrt2}
	coords := line
	for i := 1; i < nLines; i++ {
		coords = kronVec(coords, line)
	}
	return mat.NewVecDense(len(coords), coords)
}

// CompBasisEffects returns the computational-basis effect vectors over
// nLines lines, with the outcome bitstrings in counting order.
func CompBasisEffects(nLines int) ([]string, []*mat.VecDense) {
	e0 := []float64{1 / math.Sqrt2, 0, 0, 1 / math.Sqrt2}
	e1 := []float64{1 / math.Sqrt2, 0, 0, -1 / math.Sqrt2}
	n := 1 << nLines
	labels := make([]string, 0, n)
	effects := make([]*mat.VecDense, 0, n)
	for b := 0; b < n; b++ {
		label := ""
		coords := []float64{1}
		for q := 0; q < nLines; q++ {
			if b&(1<<(nLines-1-q)) == 0 {
				label += "0"
				coords = kronVec(coords, e0)
			} else {
				label += "1"
				coords = kronVec(coords, e1)
			}
		}
		labels = append(labels, label)
		effects = append(effects, mat.NewVecDense(len(coords), coords))
	}
	return labels, effects
}

// IdentityVec is the identity operator as a Liouville vector; summing a
// complete POVM's effects yields exactly this vector.
func IdentityVec(dim int) *mat.VecDense {
	v := mat.NewVecDense(dim, nil)
	v.SetVec(0, math.Sqrt(math.Sqrt(float64(dim))))
	return v
}

func kronVec(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			out = append(out, x*y)
		}
	}
	return out
}

// liouvilleDim maps a line count to the Liouville-space dimension.
func liouvilleDim(nLines int) (int, error) {
	if nLines < 1 {
		return 0, fmt.Errorf("model needs at least one line")
	}
	dim := 1
	for i := 0; i < nLines; i++ {
		dim *= 4
	}
	return dim, nil
}
