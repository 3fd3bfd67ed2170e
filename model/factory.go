package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// GatePTMFromName maps conventional gate names to their ideal single-line
// transfer matrices.
func GatePTMFromName(name string) (*mat.Dense, error) {
	switch name {
	case "Gi":
		return IdlePTM(4), nil
	case "Gx":
		return RotXPTM(math.Pi / 2), nil
	case "Gy":
		return RotYPTM(math.Pi / 2), nil
	case "Gz":
		return RotZPTM(math.Pi / 2), nil
	case "Gxpi":
		return RotXPTM(math.Pi), nil
	case "Gypi":
		return RotYPTM(math.Pi), nil
	case "Gzpi":
		return RotZPTM(math.Pi), nil
	default:
		return nil, fmt.Errorf("unknown gate name %s", name)
	}
}

// NewTP1QModel builds a single-line trace-preserving model with the named
// gates, a |0> preparation "rho0" and a computational POVM "Mdefault" whose
// last effect is the complement of the first.
func NewTP1QModel(gateNames ...string) (*Model, error) {
	m, err := NewExplicitModel([]string{"0"})
	if err != nil {
		return nil, err
	}
	if err := m.SetPrep("rho0", NewTPVec(Prep0Vec(1))); err != nil {
		return nil, err
	}
	labels, effects := CompBasisEffects(1)
	vecs := make([]Vec, len(effects))
	for i, e := range effects {
		vecs[i] = NewFullVec(e)
	}
	povm, err := NewTPPOVM(labels, vecs)
	if err != nil {
		return nil, err
	}
	if err := m.SetPOVM("Mdefault", povm); err != nil {
		return nil, err
	}
	for _, name := range gateNames {
		ptm, err := GatePTMFromName(name)
		if err != nil {
			return nil, err
		}
		op, err := NewTPOp(ptm)
		if err != nil {
			return nil, err
		}
		if err := m.SetOp(name, op); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewFull1QModel is NewTP1QModel with fully parameterized members.
func NewFull1QModel(gateNames ...string) (*Model, error) {
	m, err := NewExplicitModel([]string{"0"})
	if err != nil {
		return nil, err
	}
	if err := m.SetPrep("rho0", NewFullVec(Prep0Vec(1))); err != nil {
		return nil, err
	}
	labels, effects := CompBasisEffects(1)
	vecs := make([]Vec, len(effects))
	for i, e := range effects {
		vecs[i] = NewFullVec(e)
	}
	povm, err := NewFullPOVM(labels, vecs)
	if err != nil {
		return nil, err
	}
	if err := m.SetPOVM("Mdefault", povm); err != nil {
		return nil, err
	}
	for _, name := range gateNames {
		ptm, err := GatePTMFromName(name)
		if err != nil {
			return nil, err
		}
		if err := m.SetOp(name, NewFullOp(ptm)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ProjectiveInstrument builds the two-branch computational-basis instrument
// on a single line: each branch projects onto |0> or |1>.
func ProjectiveInstrument() (*Instrument, error) {
	p0 := c2{{1, 0}, {0, 0}}
	p1 := c2{{0, 0}, {0, 1}}
	return NewInstrument(
		[]string{"p0", "p1"},
		[]Op{NewFullOp(PTMFromKraus([]c2{p0})), NewFullOp(PTMFromKraus([]c2{p1}))},
	)
}
