//go:build unit
// +build unit

package estimation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qforge-team/gst-engine/dataset"
	"github.com/qforge-team/gst-engine/gauge"
	"github.com/qforge-team/gst-engine/model"
	"github.com/qforge-team/gst-engine/objective"
	"github.com/qforge-team/gst-engine/optimizer"
)

// scenario builds the standard single-qubit benchmark: ideal {Gi, Gx, Gy}
// target, 10% depolarized truth, 1000 shots per circuit.
func scenario(t *testing.T) (target, truth *model.Model, ds *dataset.DataSet, d Design) {
	t.Helper()
	target, err := model.NewTP1QModel("Gi", "Gx", "Gy")
	require.NoError(t, err)
	truth, err = target.Depolarized(0.1)
	require.NoError(t, err)

	d = testDesign(t)
	circuits, err := ExperimentList(target, d)
	require.NoError(t, err)
	ds, err = dataset.Simulate(truth, circuits, 1000, 42)
	require.NoError(t, err)
	return target, truth, ds, d
}

func TestRunRecoversDepolarizedModel(t *testing.T) {
	target, truth, ds, d := scenario(t)
	runner := &Runner{
		Target:  target,
		DataSet: ds,
		Design:  d,
		Config: Config{
			Objective: objective.KindPoisson,
			Optimizer: optimizer.Settings{MaxIter: 200},
		},
	}

	est, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, est.FinalModel)
	require.Len(t, est.Models, 3)
	for _, l := range d.Lengths {
		assert.Contains(t, est.Models, l)
	}
	require.Len(t, est.ObjectiveTrace, 3)
	for _, entry := range est.ObjectiveTrace {
		assert.True(t, entry.Converged, "length %d: %s", entry.Length, est.Warnings())
	}

	// The estimate matches the true (noisy) model after gauge alignment.
	res, err := gauge.Optimize(context.Background(), est.FinalModel, truth,
		gauge.Params{Group: gauge.TPGroup{Dim: 4}})
	require.NoError(t, err)
	est.AddGaugeVariant("truth-frame", &GaugeVariant{
		Model: res.Model, G: res.G, Distance: res.Distance,
	})
	assert.Less(t, res.Distance, 0.02)
}

func TestRunMonotonicRefinement(t *testing.T) {
	target, _, ds, d := scenario(t)
	runner := &Runner{
		Target:  target,
		DataSet: ds,
		Design:  d,
		Config:  Config{Objective: objective.KindChi2, Optimizer: optimizer.Settings{MaxIter: 150}},
	}
	est, err := runner.Run(context.Background())
	require.NoError(t, err)

	lists, err := MakeLSGSTLists(d)
	require.NoError(t, err)

	// Starting each length from the previous θ means the optimized value on
	// list i+1 can only improve on the previous model's value there.
	for i := 1; i < len(d.Lengths); i++ {
		prev := est.Models[d.Lengths[i-1]].Clone()
		cur := est.Models[d.Lengths[i]].Clone()

		layout, err := objective.NewLayout(ds, cur, lists[i])
		require.NoError(t, err)
		fCur := objective.NewChi2(cur, layout, objective.Config{Workers: 1})
		vCur, err := fCur.Value(cur.Params(nil))
		require.NoError(t, err)

		layoutPrev, err := objective.NewLayout(ds, prev, lists[i])
		require.NoError(t, err)
		fPrev := objective.NewChi2(prev, layoutPrev, objective.Config{Workers: 1})
		vPrev, err := fPrev.Value(prev.Params(nil))
		require.NoError(t, err)

		assert.LessOrEqual(t, vCur, vPrev*(1+1e-9), "length %d", d.Lengths[i])
	}
}

func TestRunRobustScalingPass(t *testing.T) {
	target, _, ds, d := scenario(t)
	runner := &Runner{
		Target:  target,
		DataSet: ds,
		Design:  d,
		Config: Config{
			Objective:        objective.KindChi2,
			Optimizer:        optimizer.Settings{MaxIter: 150},
			RobustScaling:    true,
			RobustConfidence: 0.5, // aggressive, guarantees downweighting
		},
	}
	est, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, est.FinalModel)

	last := est.ObjectiveTrace[len(est.ObjectiveTrace)-1]
	assert.True(t, last.Robust)
	assert.NotEmpty(t, est.Warnings())
}

func TestRunCanceledContext(t *testing.T) {
	target, _, ds, d := scenario(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &Runner{Target: target, DataSet: ds, Design: d}
	est, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.NotNil(t, est.FinalModel)
	assert.Empty(t, est.Models)
	assert.NotEmpty(t, est.Warnings())
}

func TestRunLGSTFallback(t *testing.T) {
	target, err := model.NewTP1QModel("Gi", "Gx", "Gy")
	require.NoError(t, err)
	truth, err := target.Depolarized(0.05)
	require.NoError(t, err)

	d := testDesign(t)
	// Dataset without the LGST fiducial sandwiches for instruments is fine,
	// but an empty fiducial set breaks the bootstrap.
	lists, err := MakeLSGSTLists(d)
	require.NoError(t, err)
	ds, err := dataset.Simulate(truth, lists[0], 1000, 9)
	require.NoError(t, err)

	broken := d
	broken.PrepFids = nil
	runner := &Runner{Target: target, DataSet: ds, Design: broken}
	_, err = runner.Run(context.Background())
	assert.Error(t, err) // design validation rejects it outright

	// With SkipLGST the run starts from the target and still works.
	runner = &Runner{Target: target, DataSet: ds, Design: d,
		Config: Config{SkipLGST: true, Optimizer: optimizer.Settings{MaxIter: 60}}}
	est, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, est.FinalModel)
}
