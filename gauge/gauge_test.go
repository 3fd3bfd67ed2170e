//go:build unit
// +build unit

package gauge

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/qforge-team/gst-engine/circuit"
	"github.com/qforge-team/gst-engine/model"
)

func tpPerturbation() *mat.Dense {
	g := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		g.Set(i, i, 1)
	}
	g.Set(1, 2, 0.08)
	g.Set(2, 0, -0.05)
	g.Set(3, 1, 0.04)
	g.Set(2, 2, 1.1)
	return g
}

func TestGroupMatrices(t *testing.T) {
	full := FullGroup{Dim: 4}
	assert.Equal(t, 16, full.NumParams())
	g := full.Matrix(full.Initial())
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.Equal(t, want, g.At(i, j))
		}
	}

	tp := TPGroup{Dim: 4}
	assert.Equal(t, 12, tp.NumParams())
	theta := tp.Initial()
	for i := range theta {
		theta[i] = 0.01 * float64(i+1)
	}
	g = tp.Matrix(theta)
	assert.Equal(t, 1.0, g.At(0, 0))
	for j := 1; j < 4; j++ {
		assert.Equal(t, 0.0, g.At(0, j))
	}
}

func TestGroupByName(t *testing.T) {
	g, err := GroupByName("TP", 4)
	require.NoError(t, err)
	assert.Equal(t, "TP", g.Name())
	g, err = GroupByName("full", 4)
	require.NoError(t, err)
	assert.Equal(t, "full", g.Name())
	_, err = GroupByName("unitary", 4)
	assert.Error(t, err)
}

func TestOptimizeRecoversGaugeFrame(t *testing.T) {
	truth, err := model.NewTP1QModel("Gi", "Gx", "Gy")
	require.NoError(t, err)
	source := truth.Clone()
	require.NoError(t, source.GaugeTransform(tpPerturbation()))

	before, err := source.FrobeniusDistance(truth, nil)
	require.NoError(t, err)
	require.Greater(t, before, 1e-3)

	res, err := Optimize(context.Background(), source, truth, Params{
		Group: TPGroup{Dim: 4},
	})
	require.NoError(t, err)
	assert.Less(t, res.Distance, 1e-6)
	assert.NotNil(t, res.G)

	// Gauge optimization never changes observable behavior.
	for _, s := range []string{"Gx", "Gx Gy", "Gy^3 Gx"} {
		c := circuit.MustParse(s)
		want, err := source.Probabilities(c)
		require.NoError(t, err)
		got, err := res.Model.Probabilities(c)
		require.NoError(t, err)
		for o, p := range want {
			assert.InDelta(t, p, got[o], 1e-8, "circuit %s outcome %s", s, o)
		}
	}
}

func TestOptimizeIdempotent(t *testing.T) {
	truth, err := model.NewTP1QModel("Gi", "Gx", "Gy")
	require.NoError(t, err)
	source := truth.Clone()
	require.NoError(t, source.GaugeTransform(tpPerturbation()))

	first, err := Optimize(context.Background(), source, truth, Params{Group: TPGroup{Dim: 4}})
	require.NoError(t, err)
	second, err := Optimize(context.Background(), first.Model, truth, Params{Group: TPGroup{Dim: 4}})
	require.NoError(t, err)
	assert.Less(t, math.Abs(second.Distance-first.Distance), 1e-8)
}

func TestOptimizeWithWeights(t *testing.T) {
	truth, err := model.NewTP1QModel("Gi", "Gx", "Gy")
	require.NoError(t, err)
	source := truth.Clone()
	require.NoError(t, source.GaugeTransform(tpPerturbation()))

	res, err := Optimize(context.Background(), source, truth, Params{
		Group:       TPGroup{Dim: 4},
		ItemWeights: map[string]float64{"gates": 1, "spam": 0.1},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Distance, 0.0)
	assert.Less(t, res.Distance, 1e-4)
}

func TestOptimizeDefaultsToTPGroup(t *testing.T) {
	truth, err := model.NewTP1QModel("Gx")
	require.NoError(t, err)
	res, err := Optimize(context.Background(), truth.Clone(), truth, Params{})
	require.NoError(t, err)
	assert.Less(t, res.Distance, 1e-9)
}

func TestIllConditionedGaugeRejected(t *testing.T) {
	truth, err := model.NewTP1QModel("Gx")
	require.NoError(t, err)
	prob, err := newProblem(truth.Clone(), truth, FullGroup{Dim: 4}, nil)
	require.NoError(t, err)

	g := mat.NewDense(4, 4, nil)
	g.Set(0, 0, 1)
	g.Set(1, 1, 1)
	g.Set(2, 2, 1)
	g.Set(3, 3, 1e-12)
	_, err = prob.transformed(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ill-conditioned")
}

func TestLineLocalOpsRejected(t *testing.T) {
	// A two-line model built from single-line primitives cannot be gauge
	// optimized: the conjugation needs full-dimension operations.
	m, err := model.NewExplicitModel([]string{"0", "1"})
	require.NoError(t, err)
	require.NoError(t, m.SetPrep("rho0", model.NewTPVec(model.Prep0Vec(2))))
	labels, effects := model.CompBasisEffects(2)
	vecs := make([]model.Vec, len(effects))
	for i, e := range effects {
		vecs[i] = model.NewFullVec(e)
	}
	povm, err := model.NewTPPOVM(labels, vecs)
	require.NoError(t, err)
	require.NoError(t, m.SetPOVM("Mdefault", povm))
	xop, err := model.NewTPOp(model.RotXPTM(math.Pi / 2))
	require.NoError(t, err)
	require.NoError(t, m.SetOp("Gx:0", xop))

	_, err = Optimize(context.Background(), m.Clone(), m, Params{Group: TPGroup{Dim: m.Dim()}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full-dimension")
}

func TestMismatchedDimensions(t *testing.T) {
	one, err := model.NewTP1QModel("Gx")
	require.NoError(t, err)
	two, err := model.NewExplicitModel([]string{"0", "1"})
	require.NoError(t, err)
	_, err = newProblem(one, two, TPGroup{Dim: 4}, nil)
	assert.Error(t, err)
}
