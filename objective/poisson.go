package objective

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/qforge-team/gst-engine/model"
)

// PoissonLogL is twice the Poisson log-likelihood ratio
// Σ 2·(N·p − n + n·log(n / (N·p))), which is zero at p = n/N and grows like
// chi-squared nearby. Element-wise residuals r = sign(N·p − n)·√term fit the
// least-squares optimizer contract; the scalar value and analytic gradient
// are exposed for direct consumers.
type PoissonLogL struct {
	ev   *evaluator
	clip float64
}

func NewPoissonLogL(m *model.Model, layout *Layout, cfg Config) *PoissonLogL {
	ev := newEvaluator(m, layout, cfg.Workers, cfg.MaxBatchElements)
	logEvalSetup("poisson log-likelihood", layout, ev.workers)
	return &PoissonLogL{ev: ev, clip: cfg.clipOrDefault()}
}

func (f *PoissonLogL) NumParams() int    { return f.ev.numParams() }
func (f *PoissonLogL) NumResiduals() int { return f.ev.layout.NumElements() }
func (f *PoissonLogL) Layout() *Layout   { return f.ev.layout }
func (f *PoissonLogL) Invalidate()       { f.ev.invalidate() }

// logClipped extends log(p) quadratically below the clip so the objective
// stays smooth and keeps a restoring gradient for out-of-range probabilities.
func (f *PoissonLogL) logClipped(p float64) (val, deriv float64) {
	if p >= f.clip {
		return math.Log(p), 1 / p
	}
	d := p - f.clip
	return math.Log(f.clip) + d/f.clip - d*d/(2*f.clip*f.clip),
		1/f.clip - d/(f.clip*f.clip)
}

// term computes one element's contribution t ≥ 0 and dt/dp. Zero-count
// elements use a quadratic patch below the clip so t stays positive and
// smooth even for (transiently) negative model probabilities.
func (f *PoissonLogL) term(total, n, p float64) (t, dtdp float64) {
	if n == 0 {
		if p >= f.clip {
			return 2 * total * p, 2 * total
		}
		return total * (p*p + f.clip*f.clip) / f.clip, 2 * total * p / f.clip
	}
	logp, dlogp := f.logClipped(p)
	t = 2 * (total*p - n + n*(math.Log(n)-math.Log(total)-logp))
	if t < 0 {
		t = 0 // roundoff near the minimum
	}
	return t, 2 * (total - n*dlogp)
}

func (f *PoissonLogL) Residuals(theta []float64, dst []float64) error {
	if err := f.ev.eval(theta, false); err != nil {
		return err
	}
	l := f.ev.layout
	for ci := range l.circuits {
		total := l.total(ci)
		for k := range l.outcomes[ci] {
			idx := l.offsets[ci] + k
			n := l.count(ci, k)
			t, _ := f.term(total, n, f.ev.probs[idx])
			r := math.Sqrt(t)
			// Zero-count terms never vanish, so a sign would jump at p = 0.
			if n > 0 && total*f.ev.probs[idx] < n {
				r = -r
			}
			dst[idx] = r
		}
	}
	return nil
}

func (f *PoissonLogL) Jacobian(theta []float64, dst *mat.Dense) error {
	if err := f.ev.eval(theta, true); err != nil {
		return err
	}
	l := f.ev.layout
	np := f.NumParams()
	for ci := range l.circuits {
		total := l.total(ci)
		for k := range l.outcomes[ci] {
			idx := l.offsets[ci] + k
			n := l.count(ci, k)
			p := f.ev.probs[idx]
			t, dtdp := f.term(total, n, p)
			rt := math.Sqrt(t)
			var drdp float64
			switch {
			case n == 0:
				drdp = dtdp / (2 * rt) // t is bounded away from zero
			case rt > 1e-8:
				sign := 1.0
				if total*p < n {
					sign = -1
				}
				drdp = sign * dtdp / (2 * rt)
			default:
				// limit of dr/dp at the residual zero crossing
				drdp = total / math.Sqrt(n)
			}
			for lp := 0; lp < np; lp++ {
				dst.Set(idx, lp, drdp*f.ev.jac.At(idx, lp))
			}
		}
	}
	return nil
}

func (f *PoissonLogL) Value(theta []float64) (float64, error) {
	if err := f.ev.eval(theta, false); err != nil {
		return 0, err
	}
	l := f.ev.layout
	sum := 0.0
	for ci := range l.circuits {
		total := l.total(ci)
		for k := range l.outcomes[ci] {
			idx := l.offsets[ci] + k
			t, _ := f.term(total, l.count(ci, k), f.ev.probs[idx])
			sum += t
		}
	}
	return sum, nil
}

// Gradient is the analytic Σ dt/dp · ∂p/∂θ, cheaper than 2·Jᵀr.
func (f *PoissonLogL) Gradient(theta []float64, dst []float64) error {
	if err := f.ev.eval(theta, true); err != nil {
		return err
	}
	l := f.ev.layout
	np := f.NumParams()
	for lp := 0; lp < np; lp++ {
		dst[lp] = 0
	}
	for ci := range l.circuits {
		total := l.total(ci)
		for k := range l.outcomes[ci] {
			idx := l.offsets[ci] + k
			_, dtdp := f.term(total, l.count(ci, k), f.ev.probs[idx])
			for lp := 0; lp < np; lp++ {
				dst[lp] += dtdp * f.ev.jac.At(idx, lp)
			}
		}
	}
	return nil
}

// PerCircuitValues reports each circuit's contribution to the scalar value.
func (f *PoissonLogL) PerCircuitValues(theta []float64) ([]float64, error) {
	r := make([]float64, f.NumResiduals())
	if err := f.Residuals(theta, r); err != nil {
		return nil, err
	}
	return f.ev.layout.PerCircuit(r), nil
}
