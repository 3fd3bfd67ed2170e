package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Vec is a state preparation or a POVM effect in the Liouville
// representation. Deriv may return nil when NumParams is zero.
type Vec interface {
	Member
	Dim() int
	Vector() *mat.VecDense
	Deriv() *mat.Dense
	SetVector(v *mat.VecDense) error
	CopyVec() Vec
}

// FullVec parameterizes every coordinate.
type FullVec struct {
	dim   int
	v     *mat.VecDense
	deriv *mat.Dense
}

func NewFullVec(v *mat.VecDense) *FullVec {
	d := v.Len()
	fv := &FullVec{dim: d, v: mat.VecDenseCopyOf(v)}
	fv.deriv = mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		fv.deriv.Set(i, i, 1)
	}
	return fv
}

func (o *FullVec) Dim() int              { return o.dim }
func (o *FullVec) NumParams() int        { return o.dim }
func (o *FullVec) Vector() *mat.VecDense { return o.v }
func (o *FullVec) Deriv() *mat.Dense     { return o.deriv }

func (o *FullVec) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, o.dim)
	}
	copy(dst, o.v.RawVector().Data)
	return dst
}

func (o *FullVec) SetParams(theta []float64) {
	copy(o.v.RawVector().Data, theta)
}

func (o *FullVec) SetVector(v *mat.VecDense) error {
	o.v.CopyVec(v)
	return nil
}

func (o *FullVec) CopyVec() Vec { return NewFullVec(o.v) }

// TPVec pins the identity coordinate (the trace component) and
// parameterizes the rest.
type TPVec struct {
	dim    int
	pinned float64
	v      *mat.VecDense
	deriv  *mat.Dense
}

func NewTPVec(v *mat.VecDense) *TPVec {
	d := v.Len()
	tv := &TPVec{dim: d, pinned: v.AtVec(0), v: mat.VecDenseCopyOf(v)}
	tv.deriv = mat.NewDense(d, d-1, nil)
	for i := 1; i < d; i++ {
		tv.deriv.Set(i, i-1, 1)
	}
	return tv
}

func (o *TPVec) Dim() int              { return o.dim }
func (o *TPVec) NumParams() int        { return o.dim - 1 }
func (o *TPVec) Vector() *mat.VecDense { return o.v }
func (o *TPVec) Deriv() *mat.Dense     { return o.deriv }

func (o *TPVec) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, o.dim-1)
	}
	copy(dst, o.v.RawVector().Data[1:])
	return dst
}

func (o *TPVec) SetParams(theta []float64) {
	copy(o.v.RawVector().Data[1:], theta)
}

// SetVector projects onto the fixed-trace constraint, keeping the pinned
// coordinate from construction time.
func (o *TPVec) SetVector(v *mat.VecDense) error {
	if math.Abs(v.AtVec(0)-o.pinned) > 0.5 {
		return fmt.Errorf("vector trace coordinate %g is too far from pinned %g",
			v.AtVec(0), o.pinned)
	}
	o.v.CopyVec(v)
	o.v.SetVec(0, o.pinned)
	return nil
}

func (o *TPVec) CopyVec() Vec {
	cp := NewTPVec(o.v)
	cp.pinned = o.pinned
	return cp
}

// StaticVec has no free parameters.
type StaticVec struct {
	dim int
	v   *mat.VecDense
}

func NewStaticVec(v *mat.VecDense) *StaticVec {
	return &StaticVec{dim: v.Len(), v: mat.VecDenseCopyOf(v)}
}

func (o *StaticVec) Dim() int              { return o.dim }
func (o *StaticVec) NumParams() int        { return 0 }
func (o *StaticVec) Vector() *mat.VecDense { return o.v }
func (o *StaticVec) Deriv() *mat.Dense     { return nil }
func (o *StaticVec) Params(dst []float64) []float64 {
	if dst == nil {
		return []float64{}
	}
	return dst[:0]
}
func (o *StaticVec) SetParams(theta []float64) {}
func (o *StaticVec) SetVector(v *mat.VecDense) error {
	return fmt.Errorf("static vector cannot be assigned")
}
func (o *StaticVec) CopyVec() Vec { return NewStaticVec(o.v) }
