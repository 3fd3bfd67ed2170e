package objective

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/enriquebris/goconcurrentqueue"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/qforge-team/gst-engine/model"
)

// defaultMaxBatchElements bounds how many (circuit, outcome) elements a
// worker evaluates as one in-core batch.
const defaultMaxBatchElements = 256

// evaluator computes probabilities and parameter Jacobians for every layout
// element at a given θ. The model is written once per evaluation by the
// coordinator; workers only read it, so circuit batches run concurrently.
type evaluator struct {
	m       *model.Model
	layout  *Layout
	workers int
	batch   int

	probs []float64
	jac   *mat.Dense

	theta   []float64
	haveJac bool
}

func newEvaluator(m *model.Model, layout *Layout, workers, maxBatchElements int) *evaluator {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if maxBatchElements < 1 {
		maxBatchElements = defaultMaxBatchElements
	}
	return &evaluator{
		m:       m,
		layout:  layout,
		workers: workers,
		batch:   maxBatchElements,
		probs:   make([]float64, layout.NumElements()),
		jac:     mat.NewDense(layout.NumElements(), m.NumParams(), nil),
	}
}

func (ev *evaluator) numParams() int { return ev.m.NumParams() }

// eval applies θ and fills probs (and the Jacobian when withJac). Repeated
// calls at the same θ reuse the previous evaluation.
func (ev *evaluator) eval(theta []float64, withJac bool) error {
	if ev.cached(theta, withJac) {
		return nil
	}
	if err := ev.m.SetParams(theta); err != nil {
		return fmt.Errorf("failed to apply parameters (%s)", err)
	}
	if err := ev.m.WarmLayerCache(ev.layout.circuits); err != nil {
		return err
	}

	queue := goconcurrentqueue.NewFIFO()
	for _, b := range ev.layout.batches(ev.batch) {
		if err := queue.Enqueue(b); err != nil {
			return fmt.Errorf("failed to enqueue evaluation batch (%s)", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error
	for w := 0; w < ev.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := queue.Dequeue()
				if err != nil {
					return // drained
				}
				if err := ev.evalBatch(item.([]int), withJac); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if errs != nil {
		return errs
	}

	ev.theta = append(ev.theta[:0], theta...)
	ev.haveJac = withJac
	return nil
}

func (ev *evaluator) cached(theta []float64, withJac bool) bool {
	if ev.theta == nil || len(ev.theta) != len(theta) {
		return false
	}
	if withJac && !ev.haveJac {
		return false
	}
	for i := range theta {
		if theta[i] != ev.theta[i] {
			return false
		}
	}
	return true
}

// invalidate drops the cached evaluation, e.g. after layout totals change.
func (ev *evaluator) invalidate() {
	ev.theta = nil
	ev.haveJac = false
}

func (ev *evaluator) evalBatch(indices []int, withJac bool) error {
	for _, ci := range indices {
		c := ev.layout.circuits[ci]
		offset := ev.layout.offsets[ci]
		if withJac {
			probs, derivs, err := ev.m.ProbsAndDerivs(c)
			if err != nil {
				return fmt.Errorf("circuit %s: %w", c.String(), err)
			}
			for k, label := range ev.layout.outcomes[ci] {
				ev.probs[offset+k] = probs[label]
				ev.jac.SetRow(offset+k, derivs[label])
			}
			continue
		}
		probs, err := ev.m.Probabilities(c)
		if err != nil {
			return fmt.Errorf("circuit %s: %w", c.String(), err)
		}
		for k, label := range ev.layout.outcomes[ci] {
			ev.probs[offset+k] = probs[label]
		}
	}
	return nil
}

func logEvalSetup(kind string, layout *Layout, workers int) {
	zap.L().Debug(fmt.Sprintf("%s objective over %d circuits (%d elements, %d workers)",
		kind, layout.NumCircuits(), layout.NumElements(), workers))
}
