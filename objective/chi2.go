package objective

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/qforge-team/gst-engine/model"
)

// Chi2 is the weighted least-squares objective
// Σ (N·p − n)² / (N·p + ε), exposed element-wise as residuals
// r = (N·p − n) / √(N·p + ε).
type Chi2 struct {
	ev  *evaluator
	eps float64
}

func NewChi2(m *model.Model, layout *Layout, cfg Config) *Chi2 {
	ev := newEvaluator(m, layout, cfg.Workers, cfg.MaxBatchElements)
	logEvalSetup("chi-squared", layout, ev.workers)
	return &Chi2{ev: ev, eps: cfg.epsOrDefault()}
}

func (f *Chi2) NumParams() int    { return f.ev.numParams() }
func (f *Chi2) NumResiduals() int { return f.ev.layout.NumElements() }
func (f *Chi2) Layout() *Layout   { return f.ev.layout }

// Invalidate drops cached evaluations after the layout's effective totals
// change (robust scaling).
func (f *Chi2) Invalidate() { f.ev.invalidate() }

// scale returns r's denominator and its derivative setup for one element:
// s = √(N·max(p,0) + ε).
func (f *Chi2) scale(total, p float64) float64 {
	pp := p
	if pp < 0 {
		pp = 0
	}
	return math.Sqrt(total*pp + f.eps)
}

func (f *Chi2) Residuals(theta []float64, dst []float64) error {
	if err := f.ev.eval(theta, false); err != nil {
		return err
	}
	l := f.ev.layout
	for ci := range l.circuits {
		total := l.total(ci)
		for k := range l.outcomes[ci] {
			idx := l.offsets[ci] + k
			p := f.ev.probs[idx]
			dst[idx] = (total*p - l.count(ci, k)) / f.scale(total, p)
		}
	}
	return nil
}

func (f *Chi2) Jacobian(theta []float64, dst *mat.Dense) error {
	if err := f.ev.eval(theta, true); err != nil {
		return err
	}
	l := f.ev.layout
	np := f.NumParams()
	for ci := range l.circuits {
		total := l.total(ci)
		for k := range l.outcomes[ci] {
			idx := l.offsets[ci] + k
			p := f.ev.probs[idx]
			s := f.scale(total, p)
			drdp := total / s
			if p > 0 {
				// d(1/s)/dp contribution from the denominator
				drdp -= (total*p - l.count(ci, k)) * total / (2 * s * s * s)
			}
			for lp := 0; lp < np; lp++ {
				dst.Set(idx, lp, drdp*f.ev.jac.At(idx, lp))
			}
		}
	}
	return nil
}

func (f *Chi2) Value(theta []float64) (float64, error) {
	r := make([]float64, f.NumResiduals())
	if err := f.Residuals(theta, r); err != nil {
		return 0, err
	}
	sum := 0.0
	for _, v := range r {
		sum += v * v
	}
	return sum, nil
}

// Gradient is 2·Jᵀr.
func (f *Chi2) Gradient(theta []float64, dst []float64) error {
	r := make([]float64, f.NumResiduals())
	if err := f.Residuals(theta, r); err != nil {
		return err
	}
	jac := mat.NewDense(f.NumResiduals(), f.NumParams(), nil)
	if err := f.Jacobian(theta, jac); err != nil {
		return err
	}
	g := mat.NewVecDense(f.NumParams(), dst)
	g.MulVec(jac.T(), mat.NewVecDense(len(r), r))
	g.ScaleVec(2, g)
	return nil
}

// PerCircuitValues reports each circuit's squared-residual contribution.
func (f *Chi2) PerCircuitValues(theta []float64) ([]float64, error) {
	r := make([]float64, f.NumResiduals())
	if err := f.Residuals(theta, r); err != nil {
		return nil, err
	}
	return f.ev.layout.PerCircuit(r), nil
}
