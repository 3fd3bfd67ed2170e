package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Instrument is a quantum operation with classical sub-outcomes: each branch
// maps the running state and tags the outcome tuple with its label. The
// branches together form a single model member; their matrices should sum to
// a trace-preserving map.
type Instrument struct {
	dim      int
	labels   []string
	branches map[string]Op
	offsets  map[string]int
	np       int
}

func NewInstrument(labels []string, branches []Op) (*Instrument, error) {
	if len(labels) != len(branches) || len(labels) < 2 {
		return nil, fmt.Errorf("instrument needs at least two labeled branches")
	}
	inst := &Instrument{
		dim:      branches[0].Dim(),
		branches: map[string]Op{},
		offsets:  map[string]int{},
	}
	for i, label := range labels {
		if _, ok := inst.branches[label]; ok {
			return nil, fmt.Errorf("duplicate branch label %s", label)
		}
		if branches[i].Dim() != inst.dim {
			return nil, fmt.Errorf("branch %s has mismatched dimension", label)
		}
		inst.labels = append(inst.labels, label)
		inst.branches[label] = branches[i]
		inst.offsets[label] = inst.np
		inst.np += branches[i].NumParams()
	}
	return inst, nil
}

func (inst *Instrument) Dim() int               { return inst.dim }
func (inst *Instrument) NumParams() int         { return inst.np }
func (inst *Instrument) BranchLabels() []string { return append([]string(nil), inst.labels...) }

func (inst *Instrument) Branch(label string) (Op, error) {
	b, ok := inst.branches[label]
	if !ok {
		return nil, fmt.Errorf("unknown instrument branch %s", label)
	}
	return b, nil
}

func (inst *Instrument) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, inst.np)
	}
	for _, label := range inst.labels {
		b := inst.branches[label]
		b.Params(dst[inst.offsets[label] : inst.offsets[label]+b.NumParams()])
	}
	return dst
}

func (inst *Instrument) SetParams(theta []float64) {
	for _, label := range inst.labels {
		b := inst.branches[label]
		b.SetParams(theta[inst.offsets[label] : inst.offsets[label]+b.NumParams()])
	}
}

// BranchDeriv maps a branch's local Jacobian into the instrument's full
// parameter block. Returns nil when the instrument has no parameters.
func (inst *Instrument) BranchDeriv(label string) *mat.Dense {
	if inst.np == 0 {
		return nil
	}
	b := inst.branches[label]
	out := mat.NewDense(inst.dim*inst.dim, inst.np, nil)
	d := b.Deriv()
	if d == nil {
		return out
	}
	offset := inst.offsets[label]
	r, c := d.Dims()
	for i := 0; i < r; i++ {
		for l := 0; l < c; l++ {
			out.Set(i, offset+l, d.At(i, l))
		}
	}
	return out
}

// SetBranchMatrices assigns estimated branch matrices.
func (inst *Instrument) SetBranchMatrices(ms map[string]*mat.Dense) error {
	for label, m := range ms {
		b, ok := inst.branches[label]
		if !ok {
			return fmt.Errorf("unknown instrument branch %s", label)
		}
		if err := b.SetMatrix(m); err != nil {
			return fmt.Errorf("branch %s: %w", label, err)
		}
	}
	return nil
}

func (inst *Instrument) Copy() *Instrument {
	labels := append([]string(nil), inst.labels...)
	branches := make([]Op, len(labels))
	for i, label := range labels {
		branches[i] = inst.branches[label].CopyOp()
	}
	cp, _ := NewInstrument(labels, branches)
	return cp
}
