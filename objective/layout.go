// Package objective maps a (model, dataset, circuit list) triple onto the
// residual/Jacobian contract the nonlinear optimizer consumes. Chi-squared
// and Poisson log-likelihood forms are interchangeable; both evaluate
// probabilities and parameter Jacobians in parallel over circuit batches.
package objective

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/qforge-team/gst-engine/circuit"
	"github.com/qforge-team/gst-engine/dataset"
	"github.com/qforge-team/gst-engine/model"
)

// Layout fixes the (circuit, outcome) → element index mapping once, so
// parallel workers write partial results at stable offsets and reductions
// are reproducible. It also owns the observed counts and the per-circuit
// effective totals, which robust scaling adjusts downward.
type Layout struct {
	circuits []*circuit.Circuit
	outcomes [][]string
	offsets  []int
	counts   []float64 // per element
	totals   []float64 // per circuit, effective
	raw      []float64 // per circuit, as observed
	elements int
}

// NewLayout enumerates each circuit's outcome labels in the model's
// deterministic order. Outcomes present in the dataset but impossible in the
// model indicate a structural mismatch and fail loudly.
func NewLayout(ds *dataset.DataSet, m *model.Model, circuits []*circuit.Circuit) (*Layout, error) {
	l := &Layout{circuits: circuits}
	for _, c := range circuits {
		labels, err := m.OutcomeLabels(c)
		if err != nil {
			return nil, fmt.Errorf("circuit %s: %w", c.String(), err)
		}
		row := ds.Counts(c)
		known := map[string]bool{}
		for _, label := range labels {
			known[label] = true
		}
		for label := range row {
			if !known[label] {
				return nil, fmt.Errorf(
					"dataset outcome %s for circuit %s is not producible by the model", label, c.String())
			}
		}
		l.outcomes = append(l.outcomes, labels)
		l.offsets = append(l.offsets, l.elements)
		for _, label := range labels {
			l.counts = append(l.counts, float64(row[label]))
		}
		total := float64(row.Total())
		l.totals = append(l.totals, total)
		l.raw = append(l.raw, total)
		l.elements += len(labels)
	}
	return l, nil
}

func (l *Layout) NumElements() int             { return l.elements }
func (l *Layout) NumCircuits() int             { return len(l.circuits) }
func (l *Layout) Circuits() []*circuit.Circuit { return append([]*circuit.Circuit(nil), l.circuits...) }

// Count returns the observed count for one element, scaled by the circuit's
// effective-total adjustment.
func (l *Layout) count(ci, k int) float64 {
	if l.raw[ci] == 0 {
		return 0
	}
	return l.counts[l.offsets[ci]+k] * l.totals[ci] / l.raw[ci]
}

func (l *Layout) total(ci int) float64 { return l.totals[ci] }

// PerCircuit sums squared residual elements circuit by circuit.
func (l *Layout) PerCircuit(residuals []float64) []float64 {
	out := make([]float64, len(l.circuits))
	for ci := range l.circuits {
		for k := range l.outcomes[ci] {
			r := residuals[l.offsets[ci]+k]
			out[ci] += r * r
		}
	}
	return out
}

// ApplyRobustScaling shrinks the effective sample size of circuits whose
// squared-residual contribution exceeds the chi-squared quantile for their
// outcome count at the given confidence level. One pass; returns how many
// circuits were downweighted.
func (l *Layout) ApplyRobustScaling(perCircuit []float64, confidence float64) int {
	scaled := 0
	for ci := range l.circuits {
		dof := float64(len(l.outcomes[ci]) - 1)
		if dof < 1 {
			dof = 1
		}
		threshold := distuv.ChiSquared{K: dof}.Quantile(confidence)
		if perCircuit[ci] > threshold && perCircuit[ci] > 0 {
			l.totals[ci] = l.raw[ci] * threshold / perCircuit[ci]
			scaled++
		}
	}
	return scaled
}

// ResetScaling restores the observed totals.
func (l *Layout) ResetScaling() {
	copy(l.totals, l.raw)
}

// batches partitions circuit indices so no batch exceeds the element budget.
func (l *Layout) batches(maxElements int) [][]int {
	if maxElements < 1 {
		maxElements = 1
	}
	var out [][]int
	var cur []int
	elems := 0
	for ci := range l.circuits {
		n := len(l.outcomes[ci])
		if len(cur) > 0 && elems+n > maxElements {
			out = append(out, cur)
			cur, elems = nil, 0
		}
		cur = append(cur, ci)
		elems += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
