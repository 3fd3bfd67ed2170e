package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Member is the shared parameterization contract. Parameters are a local
// slice of the owning Model's flat vector.
type Member interface {
	NumParams() int
	Params(dst []float64) []float64
	SetParams(theta []float64)
}

// Op is a layer operation: a dim x dim transfer matrix plus the Jacobian
// of its row-major vectorization with respect to the local parameters.
// Deriv may return nil when NumParams is zero.
type Op interface {
	Member
	Dim() int
	Matrix() *mat.Dense
	Deriv() *mat.Dense
	SetMatrix(m *mat.Dense) error
	CopyOp() Op
}

// FullOp parameterizes every matrix entry.
type FullOp struct {
	dim   int
	m     *mat.Dense
	deriv *mat.Dense
}

func NewFullOp(m *mat.Dense) *FullOp {
	d, _ := m.Dims()
	op := &FullOp{dim: d, m: mat.DenseCopyOf(m)}
	n := d * d
	op.deriv = mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		op.deriv.Set(i, i, 1)
	}
	return op
}

func (o *FullOp) Dim() int           { return o.dim }
func (o *FullOp) NumParams() int     { return o.dim * o.dim }
func (o *FullOp) Matrix() *mat.Dense { return o.m }
func (o *FullOp) Deriv() *mat.Dense  { return o.deriv }

func (o *FullOp) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, o.NumParams())
	}
	copy(dst, o.m.RawMatrix().Data)
	return dst
}

func (o *FullOp) SetParams(theta []float64) {
	copy(o.m.RawMatrix().Data, theta)
}

func (o *FullOp) SetMatrix(m *mat.Dense) error {
	o.m.Copy(m)
	return nil
}

func (o *FullOp) CopyOp() Op { return NewFullOp(o.m) }

// TPOp is trace preserving: the first row of the transfer matrix is pinned
// to e0 and excluded from the parameters.
type TPOp struct {
	dim   int
	m     *mat.Dense
	deriv *mat.Dense
}

func NewTPOp(m *mat.Dense) (*TPOp, error) {
	d, _ := m.Dims()
	op := &TPOp{dim: d, m: mat.DenseCopyOf(m)}
	if err := op.pinFirstRow(1e-6); err != nil {
		return nil, err
	}
	n := d * d
	op.deriv = mat.NewDense(n, d*(d-1), nil)
	for i := 1; i < d; i++ {
		for j := 0; j < d; j++ {
			op.deriv.Set(i*d+j, (i-1)*d+j, 1)
		}
	}
	return op, nil
}

func (o *TPOp) pinFirstRow(tol float64) error {
	dev := math.Abs(o.m.At(0, 0) - 1)
	for j := 1; j < o.dim; j++ {
		dev = math.Max(dev, math.Abs(o.m.At(0, j)))
	}
	if dev > tol {
		return fmt.Errorf("matrix is not trace preserving, first-row deviation %g", dev)
	}
	o.m.Set(0, 0, 1)
	for j := 1; j < o.dim; j++ {
		o.m.Set(0, j, 0)
	}
	return nil
}

func (o *TPOp) Dim() int           { return o.dim }
func (o *TPOp) NumParams() int     { return o.dim * (o.dim - 1) }
func (o *TPOp) Matrix() *mat.Dense { return o.m }
func (o *TPOp) Deriv() *mat.Dense  { return o.deriv }

func (o *TPOp) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, o.NumParams())
	}
	copy(dst, o.m.RawMatrix().Data[o.dim:])
	return dst
}

func (o *TPOp) SetParams(theta []float64) {
	copy(o.m.RawMatrix().Data[o.dim:], theta)
}

// SetMatrix projects onto the TP constraint: the first row is pinned and any
// deviation beyond tolerance is reported by the caller's validation, not here.
func (o *TPOp) SetMatrix(m *mat.Dense) error {
	o.m.Copy(m)
	return o.pinFirstRow(0.5)
}

func (o *TPOp) CopyOp() Op {
	cp, _ := NewTPOp(o.m)
	return cp
}

// StaticOp has no free parameters.
type StaticOp struct {
	dim int
	m   *mat.Dense
}

func NewStaticOp(m *mat.Dense) *StaticOp {
	d, _ := m.Dims()
	return &StaticOp{dim: d, m: mat.DenseCopyOf(m)}
}

func (o *StaticOp) Dim() int                     { return o.dim }
func (o *StaticOp) NumParams() int               { return 0 }
func (o *StaticOp) Matrix() *mat.Dense           { return o.m }
func (o *StaticOp) Deriv() *mat.Dense            { return nil }
func (o *StaticOp) Params(dst []float64) []float64 {
	if dst == nil {
		return []float64{}
	}
	return dst[:0]
}
func (o *StaticOp) SetParams(theta []float64) {}
func (o *StaticOp) SetMatrix(m *mat.Dense) error {
	return fmt.Errorf("static operation cannot be assigned")
}
func (o *StaticOp) CopyOp() Op { return NewStaticOp(o.m) }

// CPTPOp enforces complete positivity through a Kraus square factorization:
// the channel is sum_k K_k rho K_k^dag with the K_k renormalized by
// (sum_k K_k^dag K_k)^{-1/2}, so any parameter value yields a CPTP map.
// Only single-line (dim 4) operations are supported. The local Jacobian is
// computed by central finite differences; the chain rule through circuit
// composition stays analytic.
type CPTPOp struct {
	theta []float64 // 4 Kraus operators, 8 reals each
	m     *mat.Dense
	deriv *mat.Dense
}

const cptpNumParams = 32

func NewCPTPOpFromUnitary(u c2) *CPTPOp {
	theta := make([]float64, cptpNumParams)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			theta[(i*2+j)*2] = real(u[i][j])
			theta[(i*2+j)*2+1] = imag(u[i][j])
		}
	}
	op := &CPTPOp{theta: theta}
	op.recompute()
	return op
}

// NewCPTPOpDepolarizing starts from the rate-depolarizing channel's Kraus set.
func NewCPTPOpDepolarizing(rate float64) *CPTPOp {
	theta := make([]float64, cptpNumParams)
	w0 := math.Sqrt(1 - 3*rate/4)
	wp := math.Sqrt(rate / 4)
	kraus := []c2{
		{{complex(w0, 0), 0}, {0, complex(w0, 0)}},
		{{0, complex(wp, 0)}, {complex(wp, 0), 0}},
		{{0, complex(0, -wp)}, {complex(0, wp), 0}},
		{{complex(wp, 0), 0}, {0, complex(-wp, 0)}},
	}
	for k, km := range kraus {
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				theta[k*8+(i*2+j)*2] = real(km[i][j])
				theta[k*8+(i*2+j)*2+1] = imag(km[i][j])
			}
		}
	}
	op := &CPTPOp{theta: theta}
	op.recompute()
	return op
}

func (o *CPTPOp) krausAt(theta []float64) []c2 {
	kraus := make([]c2, 4)
	for k := 0; k < 4; k++ {
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				base := k*8 + (i*2+j)*2
				kraus[k][i][j] = complex(theta[base], theta[base+1])
			}
		}
	}
	return kraus
}

func (o *CPTPOp) matrixAt(theta []float64) *mat.Dense {
	kraus := o.krausAt(theta)
	// M = sum K^dag K, renormalize by M^{-1/2} to restore trace preservation.
	var m c2
	for _, k := range kraus {
		m = add2(m, mul2(dag2(k), k))
	}
	s := invSqrt2x2Hermitian(m)
	normalized := make([]c2, len(kraus))
	for i, k := range kraus {
		normalized[i] = mul2(k, s)
	}
	return PTMFromKraus(normalized)
}

func (o *CPTPOp) recompute() {
	o.m = o.matrixAt(o.theta)
	const h = 1e-6
	o.deriv = mat.NewDense(16, cptpNumParams, nil)
	work := make([]float64, cptpNumParams)
	copy(work, o.theta)
	for l := 0; l < cptpNumParams; l++ {
		work[l] = o.theta[l] + h
		plus := o.matrixAt(work)
		work[l] = o.theta[l] - h
		minus := o.matrixAt(work)
		work[l] = o.theta[l]
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				o.deriv.Set(i*4+j, l, (plus.At(i, j)-minus.At(i, j))/(2*h))
			}
		}
	}
}

func (o *CPTPOp) Dim() int           { return 4 }
func (o *CPTPOp) NumParams() int     { return cptpNumParams }
func (o *CPTPOp) Matrix() *mat.Dense { return o.m }
func (o *CPTPOp) Deriv() *mat.Dense  { return o.deriv }

func (o *CPTPOp) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, cptpNumParams)
	}
	copy(dst, o.theta)
	return dst
}

func (o *CPTPOp) SetParams(theta []float64) {
	copy(o.theta, theta)
	o.recompute()
}

func (o *CPTPOp) SetMatrix(m *mat.Dense) error {
	return fmt.Errorf("CPTP operation cannot be assigned a raw matrix")
}

func (o *CPTPOp) CopyOp() Op {
	cp := &CPTPOp{theta: append([]float64(nil), o.theta...)}
	cp.m = mat.DenseCopyOf(o.m)
	cp.deriv = mat.DenseCopyOf(o.deriv)
	return cp
}

// invSqrt2x2Hermitian computes M^{-1/2} for a 2x2 Hermitian PSD matrix via
// the spectral closed form, clamping eigenvalues away from zero.
func invSqrt2x2Hermitian(m c2) c2 {
	const eps = 1e-12
	tr := real(m[0][0]) + real(m[1][1])
	det := real(m[0][0])*real(m[1][1]) - real(m[0][1]*m[1][0])
	disc := math.Sqrt(math.Max(tr*tr-4*det, 0))
	l1 := math.Max((tr+disc)/2, eps)
	l2 := math.Max((tr-disc)/2, eps)
	f1 := 1 / math.Sqrt(l1)
	f2 := 1 / math.Sqrt(l2)
	if math.Abs(l1-l2) < eps {
		return c2{{complex(f1, 0), 0}, {0, complex(f1, 0)}}
	}
	// f(M) = a*M + b*I with a, b solving the two-point interpolation.
	a := (f1 - f2) / (l1 - l2)
	b := (l1*f2 - l2*f1) / (l1 - l2)
	var out c2
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			out[i][j] = complex(a, 0) * m[i][j]
			if i == j {
				out[i][j] += complex(b, 0)
			}
		}
	}
	return out
}

// ComposedOp applies its factors in circuit order; the matrix is the
// right-to-left product and the parameters are the factors' concatenation.
type ComposedOp struct {
	dim     int
	factors []Op
	np      int
	m       *mat.Dense
	deriv   *mat.Dense
}

func NewComposedOp(factors ...Op) (*ComposedOp, error) {
	if len(factors) == 0 {
		return nil, fmt.Errorf("composed operation needs at least one factor")
	}
	dim := factors[0].Dim()
	np := 0
	for _, f := range factors {
		if f.Dim() != dim {
			return nil, fmt.Errorf("composed factors have mismatched dimensions")
		}
		np += f.NumParams()
	}
	op := &ComposedOp{dim: dim, factors: factors, np: np}
	op.recompute()
	return op, nil
}

func (o *ComposedOp) recompute() {
	d := o.dim
	prod := IdlePTM(d)
	for _, f := range o.factors {
		next := mat.NewDense(d, d, nil)
		next.Mul(f.Matrix(), prod)
		prod = next
	}
	o.m = prod

	if o.np == 0 {
		o.deriv = nil
		return
	}
	// Partial products around each factor: left = product of earlier
	// factors, right = product of later factors.
	lefts := make([]*mat.Dense, len(o.factors))
	rights := make([]*mat.Dense, len(o.factors))
	acc := IdlePTM(d)
	for i := range o.factors {
		lefts[i] = acc
		next := mat.NewDense(d, d, nil)
		next.Mul(o.factors[i].Matrix(), acc)
		acc = next
	}
	acc = IdlePTM(d)
	for i := len(o.factors) - 1; i >= 0; i-- {
		rights[i] = acc
		next := mat.NewDense(d, d, nil)
		next.Mul(acc, o.factors[i].Matrix())
		acc = next
	}

	o.deriv = mat.NewDense(d*d, o.np, nil)
	col := mat.NewDense(d, d, nil)
	full := mat.NewDense(d, d, nil)
	offset := 0
	for i, f := range o.factors {
		fd := f.Deriv()
		for l := 0; l < f.NumParams(); l++ {
			for r := 0; r < d; r++ {
				for c := 0; c < d; c++ {
					col.Set(r, c, fd.At(r*d+c, l))
				}
			}
			full.Product(rights[i], col, lefts[i])
			for r := 0; r < d; r++ {
				for c := 0; c < d; c++ {
					o.deriv.Set(r*d+c, offset+l, full.At(r, c))
				}
			}
		}
		offset += f.NumParams()
	}
}

func (o *ComposedOp) Dim() int           { return o.dim }
func (o *ComposedOp) NumParams() int     { return o.np }
func (o *ComposedOp) Matrix() *mat.Dense { return o.m }
func (o *ComposedOp) Deriv() *mat.Dense  { return o.deriv }

func (o *ComposedOp) Params(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, o.np)
	}
	offset := 0
	for _, f := range o.factors {
		f.Params(dst[offset : offset+f.NumParams()])
		offset += f.NumParams()
	}
	return dst
}

func (o *ComposedOp) SetParams(theta []float64) {
	offset := 0
	for _, f := range o.factors {
		f.SetParams(theta[offset : offset+f.NumParams()])
		offset += f.NumParams()
	}
	o.recompute()
}

func (o *ComposedOp) SetMatrix(m *mat.Dense) error {
	return fmt.Errorf("composed operation cannot be assigned a raw matrix")
}

func (o *ComposedOp) CopyOp() Op {
	factors := make([]Op, len(o.factors))
	for i, f := range o.factors {
		factors[i] = f.CopyOp()
	}
	cp, _ := NewComposedOp(factors...)
	return cp
}

// EmbeddedOp widens an inner operation with identity factors on
// linesBefore/linesAfter surrounding lines.
type EmbeddedOp struct {
	inner       Op
	linesBefore int
	linesAfter  int
	dim         int
	m           *mat.Dense
	deriv       *mat.Dense
}

func NewEmbeddedOp(inner Op, linesBefore, linesAfter int) *EmbeddedOp {
	a := 1
	for i := 0; i < linesBefore; i++ {
		a *= 4
	}
	b := 1
	for i := 0; i < linesAfter; i++ {
		b *= 4
	}
	op := &EmbeddedOp{
		inner:       inner,
		linesBefore: linesBefore,
		linesAfter:  linesAfter,
		dim:         a * inner.Dim() * b,
	}
	op.recompute()
	return op
}

func (o *EmbeddedOp) recompute() {
	a := 1
	for i := 0; i < o.linesBefore; i++ {
		a *= 4
	}
	b := 1
	for i := 0; i < o.linesAfter; i++ {
		b *= 4
	}
	o.m = kron3(a, o.inner.Matrix(), b)

	np := o.inner.NumParams()
	if np == 0 {
		o.deriv = nil
		return
	}
	di := o.inner.Dim()
	id := o.inner.Deriv()
	o.deriv = mat.NewDense(o.dim*o.dim, np, nil)
	col := mat.NewDense(di, di, nil)
	for l := 0; l < np; l++ {
		for r := 0; r < di; r++ {
			for c := 0; c < di; c++ {
				col.Set(r, c, id.At(r*di+c, l))
			}
		}
		full := kron3(a, col, b)
		for r := 0; r < o.dim; r++ {
			for c := 0; c < o.dim; c++ {
				o.deriv.Set(r*o.dim+c, l, full.At(r, c))
			}
		}
	}
}

// kron3 computes I_a (x) m (x) I_b.
func kron3(a int, m *mat.Dense, b int) *mat.Dense {
	d, _ := m.Dims()
	left := mat.NewDense(a*d, a*d, nil)
	ia := mat.NewDense(a, a, nil)
	for i := 0; i < a; i++ {
		ia.Set(i, i, 1)
	}
	left.Kronecker(ia, m)
	out := mat.NewDense(a*d*b, a*d*b, nil)
	ib := mat.NewDense(b, b, nil)
	for i := 0; i < b; i++ {
		ib.Set(i, i, 1)
	}
	out.Kronecker(left, ib)
	return out
}

func (o *EmbeddedOp) Dim() int           { return o.dim }
func (o *EmbeddedOp) NumParams() int     { return o.inner.NumParams() }
func (o *EmbeddedOp) Matrix() *mat.Dense { return o.m }
func (o *EmbeddedOp) Deriv() *mat.Dense  { return o.deriv }

func (o *EmbeddedOp) Params(dst []float64) []float64 { return o.inner.Params(dst) }

func (o *EmbeddedOp) SetParams(theta []float64) {
	o.inner.SetParams(theta)
	o.recompute()
}

func (o *EmbeddedOp) SetMatrix(m *mat.Dense) error {
	return fmt.Errorf("embedded operation cannot be assigned a raw matrix")
}

func (o *EmbeddedOp) CopyOp() Op {
	return NewEmbeddedOp(o.inner.CopyOp(), o.linesBefore, o.linesAfter)
}
