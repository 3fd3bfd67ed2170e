package objective

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/qforge-team/gst-engine/model"
)

// Func is the contract between an objective form and the optimizer: a
// least-squares residual vector with Jacobian, plus the scalar value and its
// gradient for diagnostics and line-search-free consumers.
type Func interface {
	NumParams() int
	NumResiduals() int
	Residuals(theta []float64, dst []float64) error
	Jacobian(theta []float64, dst *mat.Dense) error
	Value(theta []float64) (float64, error)
	Gradient(theta []float64, dst []float64) error
	Layout() *Layout
	// PerCircuitValues reports each circuit's squared-residual contribution,
	// the input to robust scaling.
	PerCircuitValues(theta []float64) ([]float64, error)
	// Invalidate drops cached evaluations after layout totals change.
	Invalidate()
}

// Config tunes an objective evaluation.
type Config struct {
	// Workers evaluating circuit batches concurrently. <1 means NumCPU.
	Workers int
	// MaxBatchElements caps the (circuit, outcome) elements per batch.
	MaxBatchElements int
	// Eps floors the chi-squared denominator N·p + Eps.
	Eps float64
	// ProbClip is the probability below which the Poisson log term switches
	// to its quadratic extension.
	ProbClip float64
}

func (c Config) epsOrDefault() float64 {
	if c.Eps <= 0 {
		return 1e-4
	}
	return c.Eps
}

func (c Config) clipOrDefault() float64 {
	if c.ProbClip <= 0 {
		return 1e-4
	}
	return c.ProbClip
}

// Kind selects an objective form by name.
type Kind string

const (
	KindChi2    Kind = "chi2"
	KindPoisson Kind = "logl"
)

// New builds the named objective form over a model and layout.
func New(kind Kind, m *model.Model, layout *Layout, cfg Config) (Func, error) {
	switch kind {
	case KindChi2:
		return NewChi2(m, layout, cfg), nil
	case KindPoisson:
		return NewPoissonLogL(m, layout, cfg), nil
	default:
		return nil, fmt.Errorf("unknown objective kind %s", kind)
	}
}
