// Package optimizer implements a trust-region Levenberg-Marquardt solver
// for least-squares problems expressed as residual vector + Jacobian.
// Rank-deficient Jacobians are tolerated through damping; non-convergence
// is reported on the result, never as an error.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/qforge-team/gst-engine/common"
)

// Problem is a least-squares objective: r(θ) with Jacobian ∂r/∂θ.
type Problem interface {
	NumParams() int
	NumResiduals() int
	Residuals(theta []float64, dst []float64) error
	Jacobian(theta []float64, dst *mat.Dense) error
}

// Settings bound an optimization run. Zero values select defaults.
type Settings struct {
	MaxIter    int     // default 100
	FTol       float64 // relative objective decrease, default 1e-8
	XTol       float64 // step norm relative to parameter norm, default 1e-8
	MaxSeconds float64 // wall-clock budget, 0 means none
	InitLambda float64 // initial damping, default 1e-3
}

func (s Settings) withDefaults() Settings {
	if s.MaxIter <= 0 {
		s.MaxIter = 100
	}
	if s.FTol <= 0 {
		s.FTol = 1e-8
	}
	if s.XTol <= 0 {
		s.XTol = 1e-8
	}
	if s.InitLambda <= 0 {
		s.InitLambda = 1e-3
	}
	return s
}

// Result carries the best point found, whether or not the run converged.
type Result struct {
	Theta     []float64
	F         float64
	NumIters  int
	Converged bool
	Message   string
}

// Minimize runs Levenberg-Marquardt from theta0. Cancellation via ctx and
// the wall-time budget both return the best point so far with
// Converged=false.
func Minimize(ctx context.Context, p Problem, theta0 []float64, settings Settings) (*Result, error) {
	s := settings.withDefaults()
	np := p.NumParams()
	nr := p.NumResiduals()
	if len(theta0) != np {
		return nil, fmt.Errorf("starting point has %d parameters, problem wants %d", len(theta0), np)
	}
	start := time.Now()

	theta := append([]float64(nil), theta0...)
	r := make([]float64, nr)
	if err := p.Residuals(theta, r); err != nil {
		return nil, err
	}
	f := sumSquares(r)

	jac := mat.NewDense(nr, np, nil)
	jtj := mat.NewSymDense(np, nil)
	g := mat.NewVecDense(np, nil)
	delta := mat.NewVecDense(np, nil)
	trial := make([]float64, np)
	rTrial := make([]float64, nr)

	lambda := s.InitLambda
	res := &Result{Theta: theta, F: f}

	for iter := 1; iter <= s.MaxIter; iter++ {
		res.NumIters = iter
		if err := ctx.Err(); err != nil {
			res.Message = fmt.Sprintf("canceled after %d iterations (%s)", iter-1, err)
			zap.L().Warn(res.Message)
			return res, nil
		}
		if s.MaxSeconds > 0 && time.Since(start).Seconds() > s.MaxSeconds {
			res.Message = fmt.Sprintf("wall-time budget exhausted after %d iterations", iter-1)
			zap.L().Warn(res.Message)
			return res, nil
		}

		if err := p.Jacobian(theta, jac); err != nil {
			return nil, err
		}
		symMulT(jtj, jac)
		g.MulVec(jac.T(), mat.NewVecDense(nr, r))

		if mat.Norm(g, math.Inf(1)) < 1e-14 {
			res.Converged = true
			res.Message = "gradient vanished"
			break
		}

		// Inner loop: grow damping until a step reduces the objective.
		accepted := false
		for tries := 0; tries < 30; tries++ {
			if err := common.SolveDamped(delta, jtj, lambda, g); err != nil {
				return nil, fmt.Errorf("damped normal equations failed (%s)", err)
			}
			for i := 0; i < np; i++ {
				trial[i] = theta[i] - delta.AtVec(i)
			}
			if err := p.Residuals(trial, rTrial); err != nil {
				return nil, err
			}
			fTrial := sumSquares(rTrial)

			if fTrial < f {
				// Gain ratio: actual vs. predicted (linearized) decrease.
				rho := (f - fTrial) / math.Max(predictedDecrease(delta, g, jtj, lambda), 1e-300)
				copy(theta, trial)
				copy(r, rTrial)
				stepNorm := mat.Norm(delta, 2)
				relDrop := (f - fTrial) / math.Max(f, 1e-300)
				f = fTrial
				res.Theta, res.F = theta, f

				if rho > 0.75 {
					lambda = math.Max(lambda/3, 1e-12)
				} else if rho < 0.25 {
					lambda = math.Min(lambda*2, 1e12)
				}
				accepted = true

				if relDrop < s.FTol {
					res.Converged = true
					res.Message = "relative objective decrease below FTol"
				} else if stepNorm < s.XTol*(mat.Norm(mat.NewVecDense(np, theta), 2)+s.XTol) {
					res.Converged = true
					res.Message = "step norm below XTol"
				}
				break
			}
			lambda = math.Min(lambda*10, 1e12)
		}
		if !accepted {
			res.Converged = true
			res.Message = "no descent direction at maximum damping"
			break
		}
		if res.Converged {
			break
		}
	}

	if !res.Converged && res.Message == "" {
		res.Message = fmt.Sprintf("iteration budget %d exhausted", s.MaxIter)
		zap.L().Warn(fmt.Sprintf("optimizer did not converge: %s (f=%g)", res.Message, res.F))
	} else {
		zap.L().Debug(fmt.Sprintf("optimizer finished after %d iterations: %s (f=%g)",
			res.NumIters, res.Message, res.F))
	}
	return res, nil
}

func sumSquares(r []float64) float64 {
	sum := 0.0
	for _, v := range r {
		sum += v * v
	}
	return sum
}

// symMulT sets dst = JᵀJ.
func symMulT(dst *mat.SymDense, j *mat.Dense) {
	_, np := j.Dims()
	var full mat.Dense
	full.Mul(j.T(), j)
	for i := 0; i < np; i++ {
		for k := i; k < np; k++ {
			dst.SetSym(i, k, full.At(i, k))
		}
	}
}

// predictedDecrease is the linear-model decrease δᵀ(λ·diag(JᵀJ)·δ + g),
// the standard LM gain-ratio denominator.
func predictedDecrease(delta, g *mat.VecDense, jtj *mat.SymDense, lambda float64) float64 {
	n := delta.Len()
	sum := 0.0
	for i := 0; i < n; i++ {
		d := jtj.At(i, i)
		if d <= 0 {
			d = 1e-12
		}
		sum += delta.AtVec(i) * (lambda*d*delta.AtVec(i) + g.AtVec(i))
	}
	return sum
}
