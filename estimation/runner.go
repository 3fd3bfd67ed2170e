package estimation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/qforge-team/gst-engine/dataset"
	"github.com/qforge-team/gst-engine/lgst"
	"github.com/qforge-team/gst-engine/model"
	"github.com/qforge-team/gst-engine/objective"
	"github.com/qforge-team/gst-engine/optimizer"
)

// Config tunes a GST run.
type Config struct {
	Objective        objective.Kind
	ObjectiveConfig  objective.Config
	Optimizer        optimizer.Settings
	SkipLGST         bool
	RobustScaling    bool
	RobustConfidence float64 // default 0.95
}

func (c Config) withDefaults() Config {
	if c.Objective == "" {
		c.Objective = objective.KindPoisson
	}
	if c.RobustConfidence <= 0 || c.RobustConfidence >= 1 {
		c.RobustConfidence = 0.95
	}
	return c
}

// Runner executes one iterative GST run against a dataset.
type Runner struct {
	Target  *model.Model
	DataSet *dataset.DataSet
	Design  Design
	Config  Config
}

// Run performs LGST bootstrap then per-length optimization, carrying the
// parameter vector between lengths. Cancellation between iterations returns
// the best estimate so far with a warning attached.
func (r *Runner) Run(ctx context.Context) (*Estimate, error) {
	cfg := r.Config.withDefaults()
	est := NewEstimate()
	defer func() { est.Ended = strfmtNow() }()

	lists, err := MakeLSGSTLists(r.Design)
	if err != nil {
		return nil, err
	}

	current := r.bootstrap(est)
	theta := current.Params(nil)

	for i, budget := range r.Design.Lengths {
		if err := ctx.Err(); err != nil {
			est.AddWarning(fmt.Errorf("run canceled before length %d (%w)", budget, err))
			break
		}
		zap.L().Info(fmt.Sprintf("optimizing at length budget %d (%d circuits)", budget, len(lists[i])))

		layout, err := objective.NewLayout(r.DataSet, current, lists[i])
		if err != nil {
			return nil, err
		}
		f, err := objective.New(cfg.Objective, current, layout, cfg.ObjectiveConfig)
		if err != nil {
			return nil, err
		}
		res, err := optimizer.Minimize(ctx, f, theta, cfg.Optimizer)
		if err != nil {
			return nil, fmt.Errorf("optimization at length %d failed: %w", budget, err)
		}
		if !res.Converged {
			est.AddWarning(fmt.Errorf("length %d did not converge: %s", budget, res.Message))
		}
		theta = res.Theta
		if err := current.SetParams(theta); err != nil {
			return nil, err
		}
		est.Models[budget] = current.Clone()
		est.FinalModel = est.Models[budget]
		est.ObjectiveTrace = append(est.ObjectiveTrace, TraceEntry{
			Length: budget, Value: res.F, NumIters: res.NumIters, Converged: res.Converged,
		})

		if cfg.RobustScaling && i == len(r.Design.Lengths)-1 {
			if err := r.robustPass(ctx, est, f, layout, current, theta, budget); err != nil {
				return nil, err
			}
		}
	}

	if est.FinalModel == nil {
		est.FinalModel = current.Clone()
	}
	zap.L().Info(fmt.Sprintf("estimate %s finished with %d per-length models", est.ID, len(est.Models)))
	return est, nil
}

// bootstrap seeds the iteration with an LGST estimate, falling back to the
// target itself when the linear inversion cannot run.
func (r *Runner) bootstrap(est *Estimate) *model.Model {
	if r.Config.SkipLGST {
		return r.Target.Clone()
	}
	labels := append(r.Target.OpLabels(), r.Target.InstrumentLabels()...)
	seed, err := lgst.Solve(r.DataSet, r.Target, r.Design.PrepFids, r.Design.MeasFids, labels)
	if err != nil {
		est.AddWarning(fmt.Errorf("LGST bootstrap failed, starting from the target model: %w", err))
		return r.Target.Clone()
	}
	return seed
}

// robustPass downweights statistical outliers once and re-optimizes from the
// current point. The scaled objective value is recorded as a separate trace
// entry; scaling is not iterated.
func (r *Runner) robustPass(ctx context.Context, est *Estimate, f objective.Func,
	layout *objective.Layout, current *model.Model, theta []float64, budget int) error {
	perCircuit, err := f.PerCircuitValues(theta)
	if err != nil {
		return err
	}
	scaled := layout.ApplyRobustScaling(perCircuit, r.Config.withDefaults().RobustConfidence)
	if scaled == 0 {
		zap.L().Debug("robust scaling found no outlier circuits")
		return nil
	}
	est.AddWarning(fmt.Errorf("robust scaling downweighted %d circuits", scaled))
	f.Invalidate()

	res, err := optimizer.Minimize(ctx, f, theta, r.Config.Optimizer)
	if err != nil {
		return fmt.Errorf("robust re-optimization failed: %w", err)
	}
	if err := current.SetParams(res.Theta); err != nil {
		return err
	}
	est.Models[budget] = current.Clone()
	est.FinalModel = est.Models[budget]
	est.ObjectiveTrace = append(est.ObjectiveTrace, TraceEntry{
		Length: budget, Value: res.F, NumIters: res.NumIters, Converged: res.Converged, Robust: true,
	})
	return nil
}
