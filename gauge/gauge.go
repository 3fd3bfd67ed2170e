// Package gauge removes the non-identifiable degrees of freedom of an
// estimated model: transformations prep → G·prep, effect → G⁻ᵀ·effect,
// op → G·op·G⁻¹ leave every outcome probability unchanged, so the package
// picks the G minimizing a weighted Frobenius distance to a target model.
package gauge

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/qforge-team/gst-engine/common"
	"github.com/qforge-team/gst-engine/model"
	"github.com/qforge-team/gst-engine/optimizer"
)

// condLimit is the conditioning bound past which a candidate G is rejected.
const condLimit = 1e10

// Group parameterizes a family of invertible gauge transformations.
type Group interface {
	Name() string
	NumParams() int
	Matrix(theta []float64) *mat.Dense
	Initial() []float64
}

// FullGroup is the general linear group: G = I + Θ over all d² entries.
type FullGroup struct {
	Dim int
}

func (g FullGroup) Name() string      { return "full" }
func (g FullGroup) NumParams() int    { return g.Dim * g.Dim }
func (g FullGroup) Initial() []float64 { return make([]float64, g.NumParams()) }

func (g FullGroup) Matrix(theta []float64) *mat.Dense {
	out := mat.NewDense(g.Dim, g.Dim, nil)
	for i := 0; i < g.Dim; i++ {
		for j := 0; j < g.Dim; j++ {
			v := theta[i*g.Dim+j]
			if i == j {
				v++
			}
			out.Set(i, j, v)
		}
	}
	return out
}

// TPGroup restricts to transformations whose first row is (1, 0, …, 0),
// which preserve trace-preserving structure on every member.
type TPGroup struct {
	Dim int
}

func (g TPGroup) Name() string      { return "TP" }
func (g TPGroup) NumParams() int    { return g.Dim * (g.Dim - 1) }
func (g TPGroup) Initial() []float64 { return make([]float64, g.NumParams()) }

func (g TPGroup) Matrix(theta []float64) *mat.Dense {
	out := mat.NewDense(g.Dim, g.Dim, nil)
	out.Set(0, 0, 1)
	for i := 1; i < g.Dim; i++ {
		for j := 0; j < g.Dim; j++ {
			v := theta[(i-1)*g.Dim+j]
			if i == j {
				v++
			}
			out.Set(i, j, v)
		}
	}
	return out
}

// GroupByName resolves a group selector from configuration.
func GroupByName(name string, dim int) (Group, error) {
	switch name {
	case "full":
		return FullGroup{Dim: dim}, nil
	case "TP", "tp":
		return TPGroup{Dim: dim}, nil
	default:
		return nil, fmt.Errorf("unknown gauge group %s", name)
	}
}

// Params configures one gauge optimization call.
type Params struct {
	Group Group
	// ItemWeights weight members by label, with "gates" and "spam" as class
	// fallbacks. Missing entries weigh 1.
	ItemWeights map[string]float64
	// Optimizer overrides the LM settings.
	Optimizer optimizer.Settings
	// ReturnAll requests the transformation matrix and distance on the
	// result even when the caller only needs the model.
	ReturnAll bool
}

// Result is a gauge-optimized variant of a source model.
type Result struct {
	Model    *model.Model
	G        *mat.Dense
	Distance float64
	Opt      *optimizer.Result
}

// Optimize finds the group element minimizing the weighted Frobenius
// distance between the transformed source and the target. Both models must
// register only full-dimension operations: the gauge action conjugates by a
// general G and cannot be pushed down onto line-local primitives. An
// ill-conditioned G encountered during the search aborts this call only.
func Optimize(ctx context.Context, source, target *model.Model, p Params) (*Result, error) {
	if p.Group == nil {
		p.Group = TPGroup{Dim: source.Dim()}
	}
	prob, err := newProblem(source, target, p.Group, p.ItemWeights)
	if err != nil {
		return nil, err
	}

	settings := p.Optimizer
	if settings.MaxIter == 0 {
		settings.MaxIter = 200
	}
	optRes, err := optimizer.Minimize(ctx, prob, p.Group.Initial(), settings)
	if err != nil {
		return nil, fmt.Errorf("gauge optimization over %s group failed: %w", p.Group.Name(), err)
	}

	g := p.Group.Matrix(optRes.Theta)
	out, err := prob.transformed(g)
	if err != nil {
		return nil, err
	}
	distance, err := out.FrobeniusDistance(target, p.ItemWeights)
	if err != nil {
		return nil, err
	}
	zap.L().Info(fmt.Sprintf("gauge optimization (%s group) reached distance %g in %d iterations",
		p.Group.Name(), distance, optRes.NumIters))
	return &Result{Model: out, G: g, Distance: distance, Opt: optRes}, nil
}

// problem adapts the weighted member-difference elements to the optimizer's
// least-squares contract. The Jacobian over the handful of group parameters
// is taken by central finite differences.
type problem struct {
	source  *model.Model
	target  *model.Model
	group   Group
	weights map[string]float64
	nr      int
}

func newProblem(source, target *model.Model, group Group, weights map[string]float64) (*problem, error) {
	if source.Dim() != target.Dim() {
		return nil, fmt.Errorf("source dimension %d does not match target %d", source.Dim(), target.Dim())
	}
	for _, m := range []*model.Model{source, target} {
		for _, label := range m.OpLabels() {
			op, _ := m.Op(label)
			if op.Dim() != m.Dim() {
				return nil, fmt.Errorf("gauge optimization requires full-dimension operations, op %s has dimension %d", label, op.Dim())
			}
		}
	}
	p := &problem{source: source, target: target, group: group, weights: weights}
	n, err := p.residualLen()
	if err != nil {
		return nil, err
	}
	p.nr = n
	return p, nil
}

func (p *problem) NumParams() int    { return p.group.NumParams() }
func (p *problem) NumResiduals() int { return p.nr }

func (p *problem) transformed(g *mat.Dense) (*model.Model, error) {
	cond, err := common.CondNumber(g)
	if err != nil {
		return nil, err
	}
	if cond > condLimit {
		return nil, fmt.Errorf("gauge transformation is ill-conditioned (cond=%g)", cond)
	}
	out := p.source.Clone()
	if err := out.GaugeTransform(g); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *problem) Residuals(theta []float64, dst []float64) error {
	out, err := p.transformed(p.group.Matrix(theta))
	if err != nil {
		return err
	}
	return p.fill(out, dst)
}

func (p *problem) Jacobian(theta []float64, dst *mat.Dense) error {
	const h = 1e-6
	work := append([]float64(nil), theta...)
	plus := make([]float64, p.nr)
	minus := make([]float64, p.nr)
	for l := 0; l < p.NumParams(); l++ {
		work[l] = theta[l] + h
		if err := p.Residuals(work, plus); err != nil {
			return err
		}
		work[l] = theta[l] - h
		if err := p.Residuals(work, minus); err != nil {
			return err
		}
		work[l] = theta[l]
		for i := 0; i < p.nr; i++ {
			dst.Set(i, l, (plus[i]-minus[i])/(2*h))
		}
	}
	return nil
}

func (p *problem) weight(label, class string) float64 {
	if w, ok := p.weights[label]; ok {
		return w
	}
	if w, ok := p.weights[class]; ok {
		return w
	}
	return 1
}

func (p *problem) residualLen() (int, error) {
	n := 0
	err := p.visit(p.target, func(w float64, diff []float64) {
		n += len(diff)
	})
	return n, err
}

func (p *problem) fill(transformed *model.Model, dst []float64) error {
	i := 0
	err := p.visit(transformed, func(w float64, diff []float64) {
		for _, v := range diff {
			dst[i] = w * v
			i++
		}
	})
	return err
}

// visit walks ops, instrument branches, preps and effects in deterministic
// label order, handing the visitor each member's sqrt-weight and its
// element-wise difference from the target. All ops are full-dimension,
// enforced by newProblem.
func (p *problem) visit(m *model.Model, fn func(w float64, diff []float64)) error {
	for _, label := range p.target.OpLabels() {
		op, ok := m.Op(label)
		top, tok := p.target.Op(label)
		if !ok || !tok {
			return fmt.Errorf("operation %s is not present in both models", label)
		}
		fn(sqrtWeight(p.weight(label, "gates")), matDiff(op.Matrix(), top.Matrix()))
	}
	for _, label := range p.target.InstrumentLabels() {
		inst, ok := m.Instrument(label)
		tinst, tok := p.target.Instrument(label)
		if !ok || !tok {
			return fmt.Errorf("instrument %s is not present in both models", label)
		}
		for _, b := range tinst.BranchLabels() {
			branch, err := inst.Branch(b)
			if err != nil {
				return err
			}
			tbranch, err := tinst.Branch(b)
			if err != nil {
				return err
			}
			fn(sqrtWeight(p.weight(label, "gates")), matDiff(branch.Matrix(), tbranch.Matrix()))
		}
	}
	for _, label := range p.target.PrepLabels() {
		prep, ok := m.Prep(label)
		tprep, tok := p.target.Prep(label)
		if !ok || !tok {
			return fmt.Errorf("preparation %s is not present in both models", label)
		}
		fn(sqrtWeight(p.weight(label, "spam")), vecDiff(prep.Vector(), tprep.Vector()))
	}
	for _, label := range p.target.POVMLabels() {
		povm, ok := m.POVM(label)
		tpovm, tok := p.target.POVM(label)
		if !ok || !tok {
			return fmt.Errorf("POVM %s is not present in both models", label)
		}
		for _, e := range tpovm.EffectLabels() {
			ev, err := povm.Effect(e)
			if err != nil {
				return err
			}
			tev, err := tpovm.Effect(e)
			if err != nil {
				return err
			}
			fn(sqrtWeight(p.weight(label, "spam")), vecDiff(ev, tev))
		}
	}
	return nil
}

func sqrtWeight(w float64) float64 {
	if w < 0 {
		w = 0
	}
	return math.Sqrt(w)
}

func matDiff(a, b mat.Matrix) []float64 {
	r, c := a.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, a.At(i, j)-b.At(i, j))
		}
	}
	return out
}

func vecDiff(a, b *mat.VecDense) []float64 {
	out := make([]float64, a.Len())
	for i := range out {
		out[i] = a.AtVec(i) - b.AtVec(i)
	}
	return out
}
