//go:build unit
// +build unit

package lgst

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qforge-team/gst-engine/circuit"
	"github.com/qforge-team/gst-engine/dataset"
	"github.com/qforge-team/gst-engine/model"
)

var fiducialStrings = []string{"{}", "Gx", "Gy", "Gx Gx"}

func fiducials(t *testing.T) []*circuit.Circuit {
	t.Helper()
	out := make([]*circuit.Circuit, len(fiducialStrings))
	for i, s := range fiducialStrings {
		out[i] = circuit.MustParse(s)
	}
	return out
}

// lgstCircuits enumerates every circuit Solve reads: bare fiducials, fiducial
// pairs, and fiducial sandwiches around each label.
func lgstCircuits(t *testing.T, labels []string) []*circuit.Circuit {
	t.Helper()
	fids := fiducials(t)
	seen := map[string]bool{}
	var out []*circuit.Circuit
	add := func(c *circuit.Circuit) {
		if !seen[c.Key()] {
			seen[c.Key()] = true
			out = append(out, c)
		}
	}
	for _, f := range fids {
		add(f)
	}
	for _, fi := range fids {
		for _, fj := range fids {
			add(fi.Append(fj))
			for _, label := range labels {
				add(fi.Append(circuit.MustParse(label)).Append(fj))
			}
		}
	}
	return out
}

// exactDataSet encodes model probabilities as counts out of 1e12 shots, so
// frequencies match the model to better than 1e-12.
func exactDataSet(t *testing.T, m *model.Model, circuits []*circuit.Circuit) *dataset.DataSet {
	t.Helper()
	const shots = 1e12
	ds := dataset.New()
	for _, c := range circuits {
		probs, err := m.Probabilities(c)
		require.NoError(t, err)
		for outcome, p := range probs {
			require.NoError(t, ds.AddCount(c, outcome, int64(math.Round(p*shots))))
		}
	}
	ds.Done()
	return ds
}

func TestSolveRecoversProbabilities(t *testing.T) {
	truth, err := model.NewTP1QModel("Gi", "Gx", "Gy")
	require.NoError(t, err)
	labels := []string{"Gi", "Gx", "Gy"}
	ds := exactDataSet(t, truth, lgstCircuits(t, labels))

	target, err := model.NewTP1QModel("Gi", "Gx", "Gy")
	require.NoError(t, err)
	est, err := Solve(ds, target, fiducials(t), fiducials(t), labels)
	require.NoError(t, err)

	// The estimate sits in some gauge frame, but every probability it
	// assigns must match the data-generating model.
	checks := []string{"{}", "Gx", "Gy Gy", "Gx Gy Gx", "Gx^4 Gy", "Gi Gx Gi"}
	for _, s := range checks {
		c := circuit.MustParse(s)
		want, err := truth.Probabilities(c)
		require.NoError(t, err)
		got, err := est.Probabilities(c)
		require.NoError(t, err)
		for outcome, p := range want {
			assert.InDelta(t, p, got[outcome], 1e-8, "circuit %s outcome %s", s, outcome)
		}
	}
}

func TestSolveRestoresTPFrame(t *testing.T) {
	truth, err := model.NewTP1QModel("Gi", "Gx", "Gy")
	require.NoError(t, err)
	labels := []string{"Gx", "Gy"}
	ds := exactDataSet(t, truth, lgstCircuits(t, labels))

	est, err := Solve(ds, truth.Clone(), fiducials(t), fiducials(t), labels)
	require.NoError(t, err)

	for _, label := range labels {
		op, ok := est.Op(label)
		require.True(t, ok)
		assert.InDelta(t, 1.0, op.Matrix().At(0, 0), 1e-9, "%s first row", label)
		for j := 1; j < 4; j++ {
			assert.InDelta(t, 0.0, op.Matrix().At(0, j), 1e-9, "%s first row col %d", label, j)
		}
	}
	prep, ok := est.Prep("rho0")
	require.True(t, ok)
	assert.InDelta(t, 1/math.Sqrt2, prep.Vector().AtVec(0), 1e-9)
}

func TestSolveNoisyModel(t *testing.T) {
	truth, err := model.NewTP1QModel("Gi", "Gx", "Gy")
	require.NoError(t, err)
	noisy, err := truth.Depolarized(0.1)
	require.NoError(t, err)
	labels := []string{"Gi", "Gx", "Gy"}
	ds := exactDataSet(t, noisy, lgstCircuits(t, labels))

	est, err := Solve(ds, truth.Clone(), fiducials(t), fiducials(t), labels)
	require.NoError(t, err)

	c := circuit.MustParse("Gx Gx")
	want, err := noisy.Probabilities(c)
	require.NoError(t, err)
	got, err := est.Probabilities(c)
	require.NoError(t, err)
	assert.InDelta(t, want["1"], got["1"], 1e-8)
}

func TestSolveInstrumentBranches(t *testing.T) {
	truth, err := model.NewTP1QModel("Gi", "Gx", "Gy")
	require.NoError(t, err)
	inst, err := model.ProjectiveInstrument()
	require.NoError(t, err)
	require.NoError(t, truth.SetInstrument("Imeas", inst))

	labels := []string{"Gx", "Gy", "Imeas"}
	ds := exactDataSet(t, truth, lgstCircuits(t, labels))

	target := truth.Clone()
	est, err := Solve(ds, target, fiducials(t), fiducials(t), labels)
	require.NoError(t, err)

	c := circuit.MustParse("Gx Imeas Gx")
	want, err := truth.Probabilities(c)
	require.NoError(t, err)
	got, err := est.Probabilities(c)
	require.NoError(t, err)
	for outcome, p := range want {
		assert.InDelta(t, p, got[outcome], 1e-7, "outcome %s", outcome)
	}
}

func TestSolveMissingCircuitsWarnsAndZeroFills(t *testing.T) {
	truth, err := model.NewTP1QModel("Gi", "Gx", "Gy")
	require.NoError(t, err)
	labels := []string{"Gx"}
	circuits := lgstCircuits(t, labels)
	// Drop some sandwiches to exercise the zero-fill path.
	ds := exactDataSet(t, truth, circuits[:len(circuits)-3])

	_, err = Solve(ds, truth.Clone(), fiducials(t), fiducials(t), labels)
	require.NoError(t, err)
}

func TestSolveErrors(t *testing.T) {
	truth, err := model.NewTP1QModel("Gi", "Gx")
	require.NoError(t, err)
	ds := exactDataSet(t, truth, lgstCircuits(t, []string{"Gx"}))
	fids := fiducials(t)

	_, err = Solve(ds, truth.Clone(), nil, fids, []string{"Gx"})
	assert.Error(t, err)

	// Too few preparation fiducials to span the state space.
	_, err = Solve(ds, truth.Clone(), fids[:2], fids, []string{"Gx"})
	assert.Error(t, err)

	_, err = Solve(ds, truth.Clone(), fids, fids, []string{"Gq"})
	assert.Error(t, err)
}
