package model

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// POVM is a complete measurement: an ordered set of effect vectors owned as
// a single model member. When built with a complement effect, the last
// effect is identity minus the sum of the others, which keeps outcome
// probabilities summing to one for every parameter value.
type POVM struct {
	dim        int
	labels     []string
	effects    map[string]Vec // nil entry for the complement label
	complement string
	identity   *mat.VecDense
	offsets    map[string]int
	np         int
}

// NewFullPOVM owns one independently parameterized effect per label.
func NewFullPOVM(labels []string, effects []Vec) (*POVM, error) {
	return newPOVM(labels, effects, false)
}

// NewTPPOVM replaces the last effect with the complement of the others.
// The provided last effect is only used to validate completeness.
func NewTPPOVM(labels []string, effects []Vec) (*POVM, error) {
	return newPOVM(labels, effects, true)
}

func newPOVM(labels []string, effects []Vec, complement bool) (*POVM, error) {
	if len(labels) != len(effects) || len(labels) < 2 {
		return nil, fmt.Errorf("POVM needs at least two labeled effects")
	}
	p := &POVM{
		dim:     effects[0].Dim(),
		effects: map[string]Vec{},
		offsets: map[string]int{},
	}
	p.identity = IdentityVec(p.dim)
	for i, label := range labels {
		if _, ok := p.effects[label]; ok {
			return nil, fmt.Errorf("duplicate effect label %s", label)
		}
		p.labels = append(p.labels, label)
		if complement && i == len(labels)-1 {
			p.complement = label
			p.effects[label] = nil
			continue
		}
		if effects[i].Dim() != p.dim {
			return nil, fmt.Errorf("effect %s has mismatched dimension", label)
		}
		p.effects[label] = effects[i]
		p.offsets[label] = p.np
		p.np += effects[i].NumParams()
	}
	return p, nil
}

func (p *POVM) Dim() int               { return p.dim }
func (p *POVM) NumParams() int         { return p.np }
func (p *POVM) EffectLabels() []string { return append([]string(nil), p.labels...) }

func (p *POVM) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, p.np)
	}
	for _, label := range p.labels {
		if label == p.complement {
			continue
		}
		e := p.effects[label]
		e.Params(dst[p.offsets[label] : p.offsets[label]+e.NumParams()])
	}
	return dst
}

func (p *POVM) SetParams(theta []float64) {
	for _, label := range p.labels {
		if label == p.complement {
			continue
		}
		e := p.effects[label]
		e.SetParams(theta[p.offsets[label] : p.offsets[label]+e.NumParams()])
	}
}

// Effect returns the effect vector for an outcome label.
func (p *POVM) Effect(label string) (*mat.VecDense, error) {
	if label == p.complement && p.complement != "" {
		out := mat.VecDenseCopyOf(p.identity)
		for _, l := range p.labels {
			if l == p.complement {
				continue
			}
			out.SubVec(out, p.effects[l].Vector())
		}
		return out, nil
	}
	e, ok := p.effects[label]
	if !ok {
		return nil, fmt.Errorf("unknown effect label %s", label)
	}
	return e.Vector(), nil
}

// EffectDeriv returns d(effect)/d(POVM params) as a dim x NumParams matrix,
// or nil when the POVM has no parameters.
func (p *POVM) EffectDeriv(label string) *mat.Dense {
	if p.np == 0 {
		return nil
	}
	out := mat.NewDense(p.dim, p.np, nil)
	if label == p.complement && p.complement != "" {
		for _, l := range p.labels {
			if l == p.complement {
				continue
			}
			p.addEffectBlock(out, l, -1)
		}
		return out
	}
	p.addEffectBlock(out, label, 1)
	return out
}

func (p *POVM) addEffectBlock(dst *mat.Dense, label string, sign float64) {
	e := p.effects[label]
	d := e.Deriv()
	if d == nil {
		return
	}
	offset := p.offsets[label]
	for i := 0; i < p.dim; i++ {
		for l := 0; l < e.NumParams(); l++ {
			dst.Set(i, offset+l, dst.At(i, offset+l)+sign*d.At(i, l))
		}
	}
}

// SetEffects assigns estimated effect vectors, e.g. from LGST or a gauge
// transformation. A complement effect is implied by the others; a supplied
// value for it is only checked for consistency.
func (p *POVM) SetEffects(vecs map[string]*mat.VecDense) error {
	for label, v := range vecs {
		if label == p.complement && p.complement != "" {
			continue
		}
		e, ok := p.effects[label]
		if !ok {
			return fmt.Errorf("unknown effect label %s", label)
		}
		if err := e.SetVector(v); err != nil {
			return fmt.Errorf("effect %s: %w", label, err)
		}
	}
	if p.complement != "" {
		if want, ok := vecs[p.complement]; ok {
			got, _ := p.Effect(p.complement)
			diff := mat.NewVecDense(p.dim, nil)
			diff.SubVec(got, want)
			if n := mat.Norm(diff, 2); n > 1e-6 {
				zap.L().Warn(fmt.Sprintf(
					"complement effect %s deviates from assigned value by %g", p.complement, n))
			}
		}
	}
	return nil
}

func (p *POVM) Copy() *POVM {
	cp := &POVM{
		dim:        p.dim,
		labels:     append([]string(nil), p.labels...),
		effects:    map[string]Vec{},
		complement: p.complement,
		identity:   mat.VecDenseCopyOf(p.identity),
		offsets:    map[string]int{},
		np:         p.np,
	}
	for label, e := range p.effects {
		if e == nil {
			cp.effects[label] = nil
			continue
		}
		cp.effects[label] = e.CopyVec()
	}
	for label, off := range p.offsets {
		cp.offsets[label] = off
	}
	return cp
}
