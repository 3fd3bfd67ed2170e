package model

import (
	"fmt"
	"math"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/qforge-team/gst-engine/circuit"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

var jsonIter = jsoniter.ConfigCompatibleWithStandardLibrary

// OutcomeMap maps an outcome tuple (instrument branch labels then the final
// effect label, joined by ":") to its probability.
type OutcomeMap map[string]float64

func (o OutcomeMap) String() string {
	st, err := jsonIter.Marshal(o)
	if err != nil {
		zap.L().Error("Failed to marshal model.OutcomeMap")
		return ""
	}
	return string(st)
}

func (o OutcomeMap) Sum() float64 {
	s := 0.0
	for _, p := range o {
		s += p
	}
	return s
}

// MissingOperatorError reports a circuit label with no registered operator.
type MissingOperatorError struct {
	Label string
}

func (e *MissingOperatorError) Error() string {
	return fmt.Sprintf("no operator registered for label %q", e.Label)
}

type memberKind int

const (
	prepKind memberKind = iota
	povmKind
	opKind
	instKind
)

type memberEntry struct {
	kind   memberKind
	key    string
	np     int
	offset int
}

// Model owns a flat parameter vector and the label registries needed to turn
// a circuit into outcome probabilities.
type Model struct {
	lines       []string
	dim         int
	preps       map[string]Vec
	povms       map[string]*POVM
	ops         map[string]Op
	instruments map[string]*Instrument
	defaultPrep string
	defaultPOVM string

	layout []memberEntry
	np     int

	synth    map[string]*resolvedOp
	identity *resolvedOp
}

func NewExplicitModel(lines []string) (*Model, error) {
	dim, err := liouvilleDim(len(lines))
	if err != nil {
		return nil, err
	}
	m := &Model{
		lines:       append([]string(nil), lines...),
		dim:         dim,
		preps:       map[string]Vec{},
		povms:       map[string]*POVM{},
		ops:         map[string]Op{},
		instruments: map[string]*Instrument{},
		synth:       map[string]*resolvedOp{},
	}
	m.identity = &resolvedOp{matrix: IdlePTM(dim)}
	return m, nil
}

func (m *Model) Dim() int        { return m.dim }
func (m *Model) Lines() []string { return append([]string(nil), m.lines...) }

func (m *Model) SetPrep(label string, v Vec) error {
	if v.Dim() != m.dim {
		return fmt.Errorf("prep %s has dimension %d, model wants %d", label, v.Dim(), m.dim)
	}
	m.preps[label] = v
	if m.defaultPrep == "" {
		m.defaultPrep = label
	}
	m.rebuild()
	return nil
}

func (m *Model) SetPOVM(label string, p *POVM) error {
	if p.Dim() != m.dim {
		return fmt.Errorf("POVM %s has dimension %d, model wants %d", label, p.Dim(), m.dim)
	}
	m.povms[label] = p
	if m.defaultPOVM == "" {
		m.defaultPOVM = label
	}
	m.rebuild()
	return nil
}

func (m *Model) SetOp(label string, op Op) error {
	nLines := len(circuitLabelLines(label, len(m.lines)))
	want, _ := liouvilleDim(nLines)
	if op.Dim() != want {
		return fmt.Errorf("op %s has dimension %d, label spans dimension %d", label, op.Dim(), want)
	}
	m.ops[label] = op
	m.rebuild()
	return nil
}

func (m *Model) SetInstrument(label string, inst *Instrument) error {
	if inst.Dim() != m.dim {
		return fmt.Errorf("instrument %s has dimension %d, model wants %d", label, inst.Dim(), m.dim)
	}
	m.instruments[label] = inst
	m.rebuild()
	return nil
}

// circuitLabelLines extracts the line identifiers of a registry key;
// a key without line suffixes spans all model lines.
func circuitLabelLines(key string, modelLines int) []string {
	parts := strings.Split(key, ":")
	if len(parts) == 1 {
		out := make([]string, modelLines)
		return out
	}
	return parts[1:]
}

func (m *Model) Prep(label string) (Vec, bool)                { v, ok := m.preps[label]; return v, ok }
func (m *Model) POVM(label string) (*POVM, bool)              { p, ok := m.povms[label]; return p, ok }
func (m *Model) Op(label string) (Op, bool)                   { o, ok := m.ops[label]; return o, ok }
func (m *Model) Instrument(label string) (*Instrument, bool)  { i, ok := m.instruments[label]; return i, ok }

func (m *Model) PrepLabels() []string       { return sortedKeysVec(m.preps) }
func (m *Model) POVMLabels() []string       { return sortedKeysPOVM(m.povms) }
func (m *Model) OpLabels() []string         { return sortedKeysOp(m.ops) }
func (m *Model) InstrumentLabels() []string { return sortedKeysInst(m.instruments) }

func (m *Model) DefaultPrep() string { return m.defaultPrep }
func (m *Model) DefaultPOVM() string { return m.defaultPOVM }

func (m *Model) SetDefaults(prep, povm string) error {
	if _, ok := m.preps[prep]; !ok {
		return &MissingOperatorError{Label: prep}
	}
	if _, ok := m.povms[povm]; !ok {
		return &MissingOperatorError{Label: povm}
	}
	m.defaultPrep = prep
	m.defaultPOVM = povm
	return nil
}

func (m *Model) rebuild() {
	m.layout = m.layout[:0]
	m.np = 0
	add := func(kind memberKind, key string, np int) {
		m.layout = append(m.layout, memberEntry{kind: kind, key: key, np: np, offset: m.np})
		m.np += np
	}
	for _, k := range sortedKeysVec(m.preps) {
		add(prepKind, k, m.preps[k].NumParams())
	}
	for _, k := range sortedKeysPOVM(m.povms) {
		add(povmKind, k, m.povms[k].NumParams())
	}
	for _, k := range sortedKeysOp(m.ops) {
		add(opKind, k, m.ops[k].NumParams())
	}
	for _, k := range sortedKeysInst(m.instruments) {
		add(instKind, k, m.instruments[k].NumParams())
	}
	m.synth = map[string]*resolvedOp{}
}

func (m *Model) member(e memberEntry) Member {
	switch e.kind {
	case prepKind:
		return m.preps[e.key]
	case povmKind:
		return m.povms[e.key]
	case opKind:
		return m.ops[e.key]
	default:
		return m.instruments[e.key]
	}
}

func (m *Model) NumParams() int { return m.np }

func (m *Model) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, m.np)
	}
	for _, e := range m.layout {
		m.member(e).Params(dst[e.offset : e.offset+e.np])
	}
	return dst
}

func (m *Model) SetParams(theta []float64) error {
	if len(theta) != m.np {
		return fmt.Errorf("parameter vector has length %d, model wants %d", len(theta), m.np)
	}
	for _, e := range m.layout {
		m.member(e).SetParams(theta[e.offset : e.offset+e.np])
	}
	m.synth = map[string]*resolvedOp{}
	return nil
}

// ParamOffset is the member's slice start in the flat parameter vector.
func (m *Model) paramOffset(kind memberKind, key string) int {
	for _, e := range m.layout {
		if e.kind == kind && e.key == key {
			return e.offset
		}
	}
	return -1
}

type derivContrib struct {
	kind  memberKind
	key   string
	deriv *mat.Dense
}

type resolvedOp struct {
	matrix   *mat.Dense
	contribs []derivContrib
}

type evalPath struct {
	prefix []string
	steps  []*resolvedOp
}

// resolveStep turns a layer into either a concrete operator or an
// instrument branch point.
func (m *Model) resolveStep(ly circuit.Layer) (*resolvedOp, *Instrument, string, error) {
	if len(ly) == 0 {
		return m.identity, nil, "", nil
	}
	key := ly.String()
	if len(ly) == 1 {
		if inst, ok := m.instruments[key]; ok {
			return nil, inst, key, nil
		}
	}
	if op, ok := m.ops[key]; ok {
		return &resolvedOp{
			matrix:   op.Matrix(),
			contribs: []derivContrib{{kind: opKind, key: key, deriv: op.Deriv()}},
		}, nil, "", nil
	}
	if cached, ok := m.synth[key]; ok {
		return cached, nil, "", nil
	}
	ro, err := m.synthesize(ly)
	if err != nil {
		return nil, nil, "", err
	}
	m.synth[key] = ro
	return ro, nil, "", nil
}

// synthesize builds a layer operator on demand from registered per-line
// primitives, embedding each by its line position. The result is cached by
// layer key until the parameters change.
func (m *Model) synthesize(ly circuit.Layer) (*resolvedOp, error) {
	type segment struct {
		key    string
		op     Op
		nLines int
	}
	linePos := map[string]int{}
	for i, l := range m.lines {
		linePos[l] = i
	}

	used := make([]bool, len(m.lines))
	type placed struct {
		start int
		seg   segment
	}
	var comps []placed
	for _, lb := range ly {
		key := lb.String()
		op, ok := m.ops[key]
		if !ok || len(lb.Lines) == 0 {
			return nil, &MissingOperatorError{Label: key}
		}
		start, ok := linePos[lb.Lines[0]]
		if !ok {
			return nil, fmt.Errorf("label %s references line %s outside the model", key, lb.Lines[0])
		}
		for k, line := range lb.Lines {
			pos, ok := linePos[line]
			if !ok || pos != start+k {
				return nil, fmt.Errorf("label %s must act on consecutive model lines", key)
			}
			used[pos] = true
		}
		comps = append(comps, placed{start: start, seg: segment{key: key, op: op, nLines: len(lb.Lines)}})
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i].start < comps[j].start })

	// Assemble the per-line segment list, identities on untouched lines.
	var segs []segment
	pos := 0
	ci := 0
	for pos < len(m.lines) {
		if ci < len(comps) && comps[ci].start == pos {
			segs = append(segs, comps[ci].seg)
			pos += comps[ci].seg.nLines
			ci++
			continue
		}
		if used[pos] {
			return nil, fmt.Errorf("layer %s has overlapping components", ly.String())
		}
		segs = append(segs, segment{nLines: 1})
		pos++
	}

	mats := make([]*mat.Dense, len(segs))
	for i, s := range segs {
		if s.op != nil {
			mats[i] = s.op.Matrix()
		} else {
			mats[i] = IdlePTM(4)
		}
	}
	ro := &resolvedOp{matrix: kronAll(mats)}

	for i, s := range segs {
		if s.op == nil || s.op.NumParams() == 0 {
			continue
		}
		di := s.op.Dim()
		sd := s.op.Deriv()
		full := mat.NewDense(m.dim*m.dim, s.op.NumParams(), nil)
		col := mat.NewDense(di, di, nil)
		for l := 0; l < s.op.NumParams(); l++ {
			for r := 0; r < di; r++ {
				for c := 0; c < di; c++ {
					col.Set(r, c, sd.At(r*di+c, l))
				}
			}
			work := make([]*mat.Dense, len(mats))
			copy(work, mats)
			work[i] = col
			dm := kronAll(work)
			for r := 0; r < m.dim; r++ {
				for c := 0; c < m.dim; c++ {
					full.Set(r*m.dim+c, l, dm.At(r, c))
				}
			}
		}
		ro.contribs = append(ro.contribs, derivContrib{kind: opKind, key: s.key, deriv: full})
	}
	return ro, nil
}

func kronAll(mats []*mat.Dense) *mat.Dense {
	acc := mats[0]
	for _, next := range mats[1:] {
		ra, _ := acc.Dims()
		rb, _ := next.Dims()
		out := mat.NewDense(ra*rb, ra*rb, nil)
		out.Kronecker(acc, next)
		acc = out
	}
	return mat.DenseCopyOf(acc)
}

// resolvePaths expands a circuit into evaluation paths, one per combination
// of instrument branch choices.
func (m *Model) resolvePaths(c *circuit.Circuit) (Vec, *POVM, string, []evalPath, error) {
	prepLabel := c.Prep()
	if prepLabel == "" {
		prepLabel = m.defaultPrep
	}
	prep, ok := m.preps[prepLabel]
	if !ok {
		return nil, nil, "", nil, &MissingOperatorError{Label: prepLabel}
	}
	povmLabel := c.POVM()
	if povmLabel == "" {
		povmLabel = m.defaultPOVM
	}
	povm, ok := m.povms[povmLabel]
	if !ok {
		return nil, nil, "", nil, &MissingOperatorError{Label: povmLabel}
	}

	paths := []evalPath{{}}
	for _, ly := range c.Layers() {
		ro, inst, instKey, err := m.resolveStep(ly)
		if err != nil {
			return nil, nil, "", nil, err
		}
		if inst == nil {
			for i := range paths {
				paths[i].steps = append(paths[i].steps, ro)
			}
			continue
		}
		var branched []evalPath
		for _, p := range paths {
			for _, bl := range inst.BranchLabels() {
				b, _ := inst.Branch(bl)
				step := &resolvedOp{
					matrix:   b.Matrix(),
					contribs: []derivContrib{{kind: instKind, key: instKey, deriv: inst.BranchDeriv(bl)}},
				}
				np := evalPath{
					prefix: append(append([]string(nil), p.prefix...), bl),
					steps:  append(append([]*resolvedOp(nil), p.steps...), step),
				}
				branched = append(branched, np)
			}
		}
		paths = branched
	}
	return prep, povm, povmLabel, paths, nil
}

func outcomeKey(prefix []string, effect string) string {
	if len(prefix) == 0 {
		return effect
	}
	return strings.Join(prefix, ":") + ":" + effect
}

// OutcomeLabels lists the circuit's outcome tuples in deterministic registry
// order: instrument branch choices first, final effect last.
func (m *Model) OutcomeLabels(c *circuit.Circuit) ([]string, error) {
	_, povm, _, paths, err := m.resolvePaths(c)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range paths {
		for _, el := range povm.EffectLabels() {
			out = append(out, outcomeKey(p.prefix, el))
		}
	}
	return out, nil
}

// Validate resolves every layer of the circuit against the registry without
// evaluating it, so callers can reject a circuit list up front.
func (m *Model) Validate(c *circuit.Circuit) error {
	_, _, _, _, err := m.resolvePaths(c)
	return err
}

// Probabilities evaluates the circuit: the preparation vector is propagated
// through each layer operator (branching at instruments) and paired with
// every effect. The empty circuit pairs the preparation with the effects
// directly.
func (m *Model) Probabilities(c *circuit.Circuit) (OutcomeMap, error) {
	prep, povm, _, paths, err := m.resolvePaths(c)
	if err != nil {
		return nil, err
	}
	out := OutcomeMap{}
	f := mat.NewVecDense(m.dim, nil)
	next := mat.NewVecDense(m.dim, nil)
	for _, p := range paths {
		f.CopyVec(prep.Vector())
		for _, step := range p.steps {
			next.MulVec(step.matrix, f)
			f.CopyVec(next)
		}
		for _, el := range povm.EffectLabels() {
			e, err := povm.Effect(el)
			if err != nil {
				return nil, err
			}
			out[outcomeKey(p.prefix, el)] = mat.Dot(e, f)
		}
	}
	if dev := math.Abs(out.Sum() - 1); dev > 1e-6 {
		zap.L().Warn(fmt.Sprintf("outcome probabilities of %s sum to 1%+g", c.String(), out.Sum()-1))
	}
	return out, nil
}

// ProbsAndDerivs returns probabilities and their gradients with respect to
// the model's flat parameter vector, propagating each member's local
// Jacobian through the layer composition by the chain rule.
func (m *Model) ProbsAndDerivs(c *circuit.Circuit) (OutcomeMap, map[string][]float64, error) {
	prep, povm, povmLabel, paths, err := m.resolvePaths(c)
	if err != nil {
		return nil, nil, err
	}
	probs := OutcomeMap{}
	derivs := map[string][]float64{}
	povmOffset := m.paramOffset(povmKind, povmLabel)

	for _, p := range paths {
		// Forward states f_0..f_S.
		fs := make([]*mat.VecDense, len(p.steps)+1)
		fs[0] = mat.VecDenseCopyOf(prep.Vector())
		for s, step := range p.steps {
			fs[s+1] = mat.NewVecDense(m.dim, nil)
			fs[s+1].MulVec(step.matrix, fs[s])
		}
		for _, el := range povm.EffectLabels() {
			e, err := povm.Effect(el)
			if err != nil {
				return nil, nil, err
			}
			key := outcomeKey(p.prefix, el)
			probs[key] = mat.Dot(e, fs[len(p.steps)])
			dp := make([]float64, m.np)

			// Backward adjoint pass: b_s with p = b_s^T f_s.
			b := mat.VecDenseCopyOf(e)
			tmp := mat.NewVecDense(m.dim, nil)
			for s := len(p.steps) - 1; s >= 0; s-- {
				step := p.steps[s]
				for _, contrib := range step.contribs {
					if contrib.deriv == nil {
						continue
					}
					offset := m.paramOffset(contrib.kind, contrib.key)
					accumulateStepDeriv(dp[offset:], contrib.deriv, b, fs[s])
				}
				tmp.MulVec(step.matrix.T(), b)
				b.CopyVec(tmp)
			}
			if pd := prep.Deriv(); pd != nil {
				offset := m.paramOffset(prepKind, prepLabelOf(c, m))
				accumulateVecDeriv(dp[offset:], pd, b)
			}
			if ed := povm.EffectDeriv(el); ed != nil {
				accumulateVecDeriv(dp[povmOffset:], ed, fs[len(p.steps)])
			}
			derivs[key] = dp
		}
	}
	return probs, derivs, nil
}

func prepLabelOf(c *circuit.Circuit, m *Model) string {
	if c.Prep() != "" {
		return c.Prep()
	}
	return m.defaultPrep
}

// accumulateStepDeriv adds J^T (b (x) f) into dst, with J laid out row-major
// over the step matrix entries.
func accumulateStepDeriv(dst []float64, deriv *mat.Dense, b, f *mat.VecDense) {
	d := b.Len()
	_, np := deriv.Dims()
	for i := 0; i < d; i++ {
		bi := b.AtVec(i)
		if bi == 0 {
			continue
		}
		for j := 0; j < d; j++ {
			w := bi * f.AtVec(j)
			if w == 0 {
				continue
			}
			row := i*d + j
			for l := 0; l < np; l++ {
				dst[l] += w * deriv.At(row, l)
			}
		}
	}
}

// accumulateVecDeriv adds D^T v into dst.
func accumulateVecDeriv(dst []float64, deriv *mat.Dense, v *mat.VecDense) {
	d, np := deriv.Dims()
	for i := 0; i < d; i++ {
		vi := v.AtVec(i)
		if vi == 0 {
			continue
		}
		for l := 0; l < np; l++ {
			dst[l] += vi * deriv.At(i, l)
		}
	}
}

// WarmLayerCache resolves every layer of the given circuits so that later
// evaluations from concurrent workers only read the synthesis cache.
func (m *Model) WarmLayerCache(circuits []*circuit.Circuit) error {
	for _, c := range circuits {
		for _, ly := range c.Layers() {
			if _, _, _, err := m.resolveStep(ly); err != nil {
				return err
			}
		}
	}
	return nil
}

// GaugeTransform rewrites the model in a new internal frame: preparations
// become G*rho, effects become G^{-T}*E, and operations become G*M*G^{-1}.
// Circuit outcome probabilities are unchanged as long as every transformed
// member stays inside its parameterization; when a constrained member (a TP
// op under a non-TP G, say) projects the assignment, probabilities can
// shift and a warning is logged.
func (m *Model) GaugeTransform(g *mat.Dense) error {
	var ginv mat.Dense
	if err := ginv.Inverse(g); err != nil {
		return fmt.Errorf("gauge matrix is not invertible: %w", err)
	}
	projected := 0.0
	work := mat.NewDense(m.dim, m.dim, nil)
	for key, op := range m.ops {
		if op.Dim() != m.dim {
			return fmt.Errorf("gauge transform requires full-dimension operations, op %s has dimension %d", key, op.Dim())
		}
		work.Product(g, op.Matrix(), &ginv)
		if err := op.SetMatrix(work); err != nil {
			return fmt.Errorf("op %s: %w", key, err)
		}
		projected = math.Max(projected, maxAbsDiffMat(op.Matrix(), work))
	}
	for key, inst := range m.instruments {
		for _, bl := range inst.BranchLabels() {
			b, _ := inst.Branch(bl)
			work.Product(g, b.Matrix(), &ginv)
			if err := b.SetMatrix(work); err != nil {
				return fmt.Errorf("instrument %s branch %s: %w", key, bl, err)
			}
			projected = math.Max(projected, maxAbsDiffMat(b.Matrix(), work))
		}
	}
	v := mat.NewVecDense(m.dim, nil)
	for key, prep := range m.preps {
		v.MulVec(g, prep.Vector())
		if err := prep.SetVector(v); err != nil {
			return fmt.Errorf("prep %s: %w", key, err)
		}
		projected = math.Max(projected, maxAbsDiffVec(prep.Vector(), v))
	}
	for key, povm := range m.povms {
		assigned := map[string]*mat.VecDense{}
		for _, el := range povm.EffectLabels() {
			e, err := povm.Effect(el)
			if err != nil {
				return err
			}
			te := mat.NewVecDense(m.dim, nil)
			te.MulVec(ginv.T(), e)
			assigned[el] = te
		}
		if err := povm.SetEffects(assigned); err != nil {
			return fmt.Errorf("POVM %s: %w", key, err)
		}
		for _, el := range povm.EffectLabels() {
			e, err := povm.Effect(el)
			if err != nil {
				return err
			}
			projected = math.Max(projected, maxAbsDiffVec(e, assigned[el]))
		}
	}
	if projected > 1e-9 {
		zap.L().Warn(fmt.Sprintf(
			"gauge transform was projected onto parameterization constraints (max deviation %g), outcome probabilities may shift", projected))
	}
	m.synth = map[string]*resolvedOp{}
	return nil
}

func maxAbsDiffMat(a, b mat.Matrix) float64 {
	r, c := a.Dims()
	d := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d = math.Max(d, math.Abs(a.At(i, j)-b.At(i, j)))
		}
	}
	return d
}

func maxAbsDiffVec(a, b *mat.VecDense) float64 {
	d := 0.0
	for i := 0; i < a.Len(); i++ {
		d = math.Max(d, math.Abs(a.AtVec(i)-b.AtVec(i)))
	}
	return d
}

func (m *Model) Clone() *Model {
	cp, _ := NewExplicitModel(m.lines)
	for k, v := range m.preps {
		cp.preps[k] = v.CopyVec()
	}
	for k, p := range m.povms {
		cp.povms[k] = p.Copy()
	}
	for k, o := range m.ops {
		cp.ops[k] = o.CopyOp()
	}
	for k, i := range m.instruments {
		cp.instruments[k] = i.Copy()
	}
	cp.defaultPrep = m.defaultPrep
	cp.defaultPOVM = m.defaultPOVM
	cp.rebuild()
	return cp
}

// Depolarized composes every operation and instrument branch with a
// depolarizing channel; used to build noisy data-generating models.
func (m *Model) Depolarized(rate float64) (*Model, error) {
	cp := m.Clone()
	for key, op := range cp.ops {
		dep := DepolarizingPTM(op.Dim(), rate)
		noisy := mat.NewDense(op.Dim(), op.Dim(), nil)
		noisy.Mul(dep, op.Matrix())
		if err := op.SetMatrix(noisy); err != nil {
			return nil, fmt.Errorf("op %s: %w", key, err)
		}
	}
	for key, inst := range cp.instruments {
		for _, bl := range inst.BranchLabels() {
			b, _ := inst.Branch(bl)
			dep := DepolarizingPTM(b.Dim(), rate)
			noisy := mat.NewDense(b.Dim(), b.Dim(), nil)
			noisy.Mul(dep, b.Matrix())
			if err := b.SetMatrix(noisy); err != nil {
				return nil, fmt.Errorf("instrument %s branch %s: %w", key, bl, err)
			}
		}
	}
	cp.synth = map[string]*resolvedOp{}
	return cp, nil
}

// FrobeniusDistance is the weighted per-element RMS distance between the
// registered operators of two structurally identical models. Weights are
// looked up by member label, then by the "gates"/"spam" class keys,
// defaulting to 1.
func (m *Model) FrobeniusDistance(other *Model, weights map[string]float64) (float64, error) {
	total := 0.0
	elems := 0.0
	w := func(key, class string) float64 {
		if weights == nil {
			return 1
		}
		if v, ok := weights[key]; ok {
			return v
		}
		if v, ok := weights[class]; ok {
			return v
		}
		return 1
	}
	for key, op := range m.ops {
		oop, ok := other.ops[key]
		if !ok {
			return 0, &MissingOperatorError{Label: key}
		}
		wt := w(key, "gates")
		var diff mat.Dense
		diff.Sub(op.Matrix(), oop.Matrix())
		n := mat.Norm(&diff, 2)
		total += wt * n * n
		elems += wt * float64(m.dim*m.dim)
	}
	for key, inst := range m.instruments {
		oinst, ok := other.instruments[key]
		if !ok {
			return 0, &MissingOperatorError{Label: key}
		}
		wt := w(key, "gates")
		for _, bl := range inst.BranchLabels() {
			b, _ := inst.Branch(bl)
			ob, err := oinst.Branch(bl)
			if err != nil {
				return 0, err
			}
			var diff mat.Dense
			diff.Sub(b.Matrix(), ob.Matrix())
			n := mat.Norm(&diff, 2)
			total += wt * n * n
			elems += wt * float64(m.dim*m.dim)
		}
	}
	for key, prep := range m.preps {
		oprep, ok := other.preps[key]
		if !ok {
			return 0, &MissingOperatorError{Label: key}
		}
		wt := w(key, "spam")
		var diff mat.VecDense
		diff.SubVec(prep.Vector(), oprep.Vector())
		n := mat.Norm(&diff, 2)
		total += wt * n * n
		elems += wt * float64(m.dim)
	}
	for key, povm := range m.povms {
		opovm, ok := other.povms[key]
		if !ok {
			return 0, &MissingOperatorError{Label: key}
		}
		wt := w(key, "spam")
		for _, el := range povm.EffectLabels() {
			e, err := povm.Effect(el)
			if err != nil {
				return 0, err
			}
			oe, err := opovm.Effect(el)
			if err != nil {
				return 0, err
			}
			var diff mat.VecDense
			diff.SubVec(e, oe)
			n := mat.Norm(&diff, 2)
			total += wt * n * n
			elems += wt * float64(m.dim)
		}
	}
	if elems == 0 {
		return 0, nil
	}
	return math.Sqrt(total / elems), nil
}

func sortedKeysVec(m map[string]Vec) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysPOVM(m map[string]*POVM) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysOp(m map[string]Op) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysInst(m map[string]*Instrument) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
