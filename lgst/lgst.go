// Package lgst implements linear-inversion gate set tomography: a one-shot
// estimator that inverts fiducial-sandwich frequency matrices to produce an
// initial model, correct up to a gauge transformation on noiseless data.
package lgst

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/qforge-team/gst-engine/circuit"
	"github.com/qforge-team/gst-engine/dataset"
	"github.com/qforge-team/gst-engine/model"
)

// singular values below this fraction of the largest are treated as zero
const rankTol = 1e-10

// Solve estimates one matrix per op label (and branch matrices for
// instrument labels) plus the default preparation and POVM of the target,
// returning a clone of the target with the estimates assigned. The target
// supplies the structure: dimension, member labels, parameterizations.
//
// The raw linear-inversion estimate lives in an arbitrary gauge frame; Solve
// moves it into the trace-preserving frame before assignment so that
// TP-constrained members absorb it without projection loss.
//
// Fiducial pairs missing from the dataset are zero-filled with a warning;
// a Gram matrix with numerical rank below the model dimension is reported
// but still inverted in the least-squares sense.
func Solve(ds *dataset.DataSet, target *model.Model, prepFids, measFids []*circuit.Circuit, labels []string) (*model.Model, error) {
	d := target.Dim()
	nI, nJ := len(prepFids), len(measFids)
	if nI == 0 || nJ == 0 {
		return nil, fmt.Errorf("LGST needs at least one preparation and one measurement fiducial")
	}

	povmLabel := target.DefaultPOVM()
	povm, ok := target.POVM(povmLabel)
	if !ok {
		return nil, fmt.Errorf("target has no POVM %s", povmLabel)
	}
	effects := povm.EffectLabels()
	nE := len(effects)
	if nE*nJ < d || nI < d {
		return nil, fmt.Errorf(
			"fiducials span at most %dx%d directions, need %d (model dimension)", nE*nJ, nI, d)
	}

	g := &gramData{ds: ds, effects: effects, prepFids: prepFids, measFids: measFids}

	// AB[(e,j), i] = f(prepFid_i · measFid_j -> e)
	ab := mat.NewDense(nE*nJ, nI, nil)
	for row, e, j := 0, 0, 0; row < nE*nJ; row++ {
		for i := 0; i < nI; i++ {
			ab.Set(row, i, g.freq(prepFids[i].Append(measFids[j]), effects[e]))
		}
		if j++; j == nJ {
			j, e = 0, e+1
		}
	}

	var svd mat.SVD
	if !svd.Factorize(ab, mat.SVDThin) {
		return nil, fmt.Errorf("SVD of the %dx%d Gram matrix failed", nE*nJ, nI)
	}
	s := svd.Values(nil)
	rank := 0
	for _, v := range s {
		if v > s[0]*rankTol {
			rank++
		}
	}
	if rank < d {
		zap.L().Warn(fmt.Sprintf(
			"Gram matrix rank %d is below model dimension %d, estimate will be degenerate", rank, d))
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	ud := u.Slice(0, nE*nJ, 0, d) // (nE*nJ) x d
	vd := v.Slice(0, nI, 0, d)    // nI x d
	invSigma := mat.NewDense(d, d, nil)
	for k := 0; k < d; k++ {
		if s[k] > s[0]*rankTol {
			invSigma.Set(k, k, 1/s[k])
		}
	}

	// project(X) = invSigma · Ud^T · X · Vd
	project := func(x mat.Matrix) *mat.Dense {
		tmp := mat.NewDense(d, nI, nil)
		tmp.Product(invSigma, ud.T(), x)
		out := mat.NewDense(d, d, nil)
		out.Mul(tmp, vd)
		return out
	}

	raw := rawEstimate{
		ops:      map[string]*mat.Dense{},
		branches: map[string]map[string]*mat.Dense{},
		effects:  map[string]*mat.VecDense{},
	}

	for _, label := range labels {
		mid, err := circuit.Parse(label)
		if err != nil {
			return nil, fmt.Errorf("op label %s: %w", label, err)
		}
		if inst, ok := target.Instrument(label); ok {
			branches := map[string]*mat.Dense{}
			for _, b := range inst.BranchLabels() {
				branches[b] = project(g.branchMatrix(mid, b))
			}
			raw.branches[label] = branches
			continue
		}
		if _, ok := target.Op(label); !ok {
			return nil, fmt.Errorf("target has no operation %s", label)
		}
		raw.ops[label] = project(g.opMatrix(mid))
	}

	// rho = invSigma · Ud^T · x, with x[(e,j)] = f(measFid_j -> e)
	x := mat.NewVecDense(nE*nJ, nil)
	for row, e, j := 0, 0, 0; row < nE*nJ; row++ {
		x.SetVec(row, g.freq(measFids[j], effects[e]))
		if j++; j == nJ {
			j, e = 0, e+1
		}
	}
	raw.rho = mat.NewVecDense(d, nil)
	tmp := mat.NewVecDense(d, nil)
	tmp.MulVec(ud.T(), x)
	raw.rho.MulVec(invSigma, tmp)

	// effect_e = Vd^T · y_e, with y_e[i] = f(prepFid_i -> e)
	for _, e := range effects {
		y := mat.NewVecDense(nI, nil)
		for i := 0; i < nI; i++ {
			y.SetVec(i, g.freq(prepFids[i], e))
		}
		ev := mat.NewVecDense(d, nil)
		ev.MulVec(vd.T(), y)
		raw.effects[e] = ev
	}

	if err := raw.fixTPFrame(d); err != nil {
		zap.L().Warn(fmt.Sprintf("keeping raw LGST gauge frame (%s)", err))
	}

	est := target.Clone()
	if err := raw.assign(est, povmLabel); err != nil {
		return nil, err
	}

	if g.missing > 0 {
		zap.L().Warn(fmt.Sprintf(
			"%d of %d fiducial circuits were missing from the dataset and zero-filled",
			g.missing, g.queried))
	}
	zap.L().Info(fmt.Sprintf(
		"LGST estimated %d operations from a rank-%d Gram matrix (%d preparation x %d measurement fiducials)",
		len(labels), rank, nI, nJ))
	return est, nil
}

// rawEstimate holds the linear-inversion matrices before gauge fixing and
// assignment into a structured model.
type rawEstimate struct {
	ops      map[string]*mat.Dense
	branches map[string]map[string]*mat.Dense
	rho      *mat.VecDense
	effects  map[string]*mat.VecDense
}

// fixTPFrame applies the gauge transformation that restores the
// trace-preserving frame. The sum of the estimated effects is the identity
// vector as seen in the raw frame; rotating it back onto the true identity
// direction makes every trace-preserving gate's first row exactly
// (1, 0, …, 0) and pins the preparation's trace coordinate.
func (raw *rawEstimate) fixTPFrame(d int) error {
	w := mat.NewVecDense(d, nil)
	for _, e := range raw.effects {
		w.AddVec(w, e)
	}
	ivec0 := model.IdentityVec(d).AtVec(0)
	w.ScaleVec(1/ivec0, w)
	if math.Abs(w.AtVec(0)) < 1e-6 {
		return fmt.Errorf("identity direction has vanishing trace component %g", w.AtVec(0))
	}

	m := mat.NewDense(d, d, nil)
	for i := 1; i < d; i++ {
		m.Set(i, i, 1)
	}
	for j := 0; j < d; j++ {
		m.Set(0, j, w.AtVec(j))
	}
	var minv mat.Dense
	if err := minv.Inverse(m); err != nil {
		return fmt.Errorf("gauge frame matrix is singular (%s)", err)
	}

	conjugate := func(x *mat.Dense) *mat.Dense {
		out := mat.NewDense(d, d, nil)
		out.Product(m, x, &minv)
		return out
	}
	for label, op := range raw.ops {
		raw.ops[label] = conjugate(op)
	}
	for label, branches := range raw.branches {
		for b, op := range branches {
			raw.branches[label][b] = conjugate(op)
		}
	}
	rho := mat.NewVecDense(d, nil)
	rho.MulVec(m, raw.rho)
	raw.rho = rho
	for e, ev := range raw.effects {
		out := mat.NewVecDense(d, nil)
		out.MulVec(minv.T(), ev)
		raw.effects[e] = out
	}
	return nil
}

// assign writes the estimate into the model's members, which may further
// constrain it (trace-preserving projections are exact after fixTPFrame).
func (raw *rawEstimate) assign(est *model.Model, povmLabel string) error {
	for label, x := range raw.ops {
		op, _ := est.Op(label)
		if err := op.SetMatrix(x); err != nil {
			return fmt.Errorf("operation %s: %w", label, err)
		}
	}
	for label, branches := range raw.branches {
		inst, _ := est.Instrument(label)
		if err := inst.SetBranchMatrices(branches); err != nil {
			return fmt.Errorf("instrument %s: %w", label, err)
		}
	}
	prep, ok := est.Prep(est.DefaultPrep())
	if !ok {
		return fmt.Errorf("target has no preparation %s", est.DefaultPrep())
	}
	if err := prep.SetVector(raw.rho); err != nil {
		return fmt.Errorf("preparation %s: %w", est.DefaultPrep(), err)
	}
	povm, _ := est.POVM(povmLabel)
	if err := povm.SetEffects(raw.effects); err != nil {
		return fmt.Errorf("POVM %s: %w", povmLabel, err)
	}
	return nil
}

// gramData reads fiducial-sandwich frequencies out of the dataset, tracking
// circuits with no data.
type gramData struct {
	ds       *dataset.DataSet
	effects  []string
	prepFids []*circuit.Circuit
	measFids []*circuit.Circuit
	missing  int
	queried  int
	seen     map[string]bool
}

func (g *gramData) freq(c *circuit.Circuit, outcome string) float64 {
	if g.seen == nil {
		g.seen = map[string]bool{}
	}
	if !g.seen[c.Key()] {
		g.seen[c.Key()] = true
		g.queried++
		if !g.ds.Contains(c) {
			g.missing++
			zap.L().Debug(fmt.Sprintf("no data for fiducial circuit %s", c.String()))
		}
	}
	return g.ds.Frequency(c, outcome)
}

// opMatrix assembles X[(e,j), i] = f(prepFid_i · mid · measFid_j -> e).
func (g *gramData) opMatrix(mid *circuit.Circuit) *mat.Dense {
	return g.outcomeMatrix(mid, func(e string) string { return e })
}

// branchMatrix is opMatrix for one instrument branch: the outcome carries the
// branch label as a prefix.
func (g *gramData) branchMatrix(mid *circuit.Circuit, branch string) *mat.Dense {
	return g.outcomeMatrix(mid, func(e string) string { return branch + ":" + e })
}

func (g *gramData) outcomeMatrix(mid *circuit.Circuit, outcome func(string) string) *mat.Dense {
	nE, nI, nJ := len(g.effects), len(g.prepFids), len(g.measFids)
	x := mat.NewDense(nE*nJ, nI, nil)
	for row, e, j := 0, 0, 0; row < nE*nJ; row++ {
		for i := 0; i < nI; i++ {
			c := g.prepFids[i].Append(mid).Append(g.measFids[j])
			x.Set(row, i, g.freq(c, outcome(g.effects[e])))
		}
		if j++; j == nJ {
			j, e = 0, e+1
		}
	}
	return x
}
