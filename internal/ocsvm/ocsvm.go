// Package ocsvm implements a ν one-class support vector machine with an RBF
// kernel. The dual is solved by SMO with second order working set selection,
// following the libsvm formulation (C = 1, all labels +1).
package ocsvm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	DefaultEps = 1e-3
	tau        = 1e-12
	upperBound = 1.0
)

var (
	ErrNoData      = errors.New("ocsvm: no training points")
	ErrBadNu       = errors.New("ocsvm: nu must be in (0,1]")
	ErrBadGamma    = errors.New("ocsvm: gamma must be > 0")
	ErrDimMismatch = errors.New("ocsvm: inconsistent point dimensions")
)

type Params struct {
	Nu    float64
	Gamma float64
	// Eps is the stopping tolerance on the KKT violation; zero means DefaultEps.
	Eps float64
	// MaxIter bounds the SMO loop; zero means max(10^7, 100·n).
	MaxIter int
}

// Model is a fitted classifier. Only support vectors (α > 0) are kept.
type Model struct {
	Nu             float64     `json:"nu"`
	Gamma          float64     `json:"gamma"`
	Rho            float64     `json:"rho"`
	SupportVectors [][]float64 `json:"support_vectors"`
	Coef           []float64   `json:"coef"`
	Iterations     int         `json:"iterations"`
}

// Kernel is the RBF kernel exp(-γ‖a−b‖²).
func Kernel(a, b []float64, gamma float64) float64 {
	d := floats.Distance(a, b, 2)
	return math.Exp(-gamma * d * d)
}

// Fit trains a model on the rows of x.
func Fit(x [][]float64, p Params) (*Model, error) {
	l := len(x)
	if l == 0 {
		return nil, ErrNoData
	}
	if !(p.Nu > 0 && p.Nu <= 1) {
		return nil, fmt.Errorf("%w: %v", ErrBadNu, p.Nu)
	}
	if !(p.Gamma > 0) {
		return nil, fmt.Errorf("%w: %v", ErrBadGamma, p.Gamma)
	}
	dim := len(x[0])
	for _, row := range x {
		if len(row) != dim {
			return nil, ErrDimMismatch
		}
	}
	eps := p.Eps
	if eps <= 0 {
		eps = DefaultEps
	}
	maxIter := p.MaxIter
	if maxIter <= 0 {
		maxIter = max(10_000_000, 100*l)
	}

	q := mat.NewSymDense(l, nil)
	for i := 0; i < l; i++ {
		q.SetSym(i, i, 1)
		for j := i + 1; j < l; j++ {
			q.SetSym(i, j, Kernel(x[i], x[j], p.Gamma))
		}
	}

	s := newSolver(q, p.Nu, eps)
	iter := s.solve(maxIter)

	m := &Model{Nu: p.Nu, Gamma: p.Gamma, Rho: s.rho(), Iterations: iter}
	for i, a := range s.alpha {
		if a > 0 {
			sv := make([]float64, dim)
			copy(sv, x[i])
			m.SupportVectors = append(m.SupportVectors, sv)
			m.Coef = append(m.Coef, a)
		}
	}
	return m, nil
}

type solver struct {
	q     *mat.SymDense
	n     int
	alpha []float64
	grad  []float64
	eps   float64
}

func newSolver(q *mat.SymDense, nu, eps float64) *solver {
	n := q.SymmetricDim()
	s := &solver{q: q, n: n, alpha: make([]float64, n), grad: make([]float64, n), eps: eps}

	total := nu * float64(n)
	full := int(total)
	for i := 0; i < full && i < n; i++ {
		s.alpha[i] = upperBound
	}
	if full < n {
		s.alpha[full] = total - float64(full)
	}
	for i := 0; i < n; i++ {
		if s.alpha[i] == 0 {
			continue
		}
		for k := 0; k < n; k++ {
			s.grad[k] += s.alpha[i] * q.At(i, k)
		}
	}
	return s
}

func (s *solver) solve(maxIter int) int {
	iter := 0
	for iter < maxIter {
		i, j, ok := s.selectWorkingSet()
		if !ok {
			break
		}
		iter++
		s.update(i, j)
	}
	return iter
}

// selectWorkingSet picks i as the maximal violator and j by the second order
// gain. ok is false once the KKT gap is within eps.
func (s *solver) selectWorkingSet() (int, int, bool) {
	gmax := math.Inf(-1)
	i := -1
	for t := 0; t < s.n; t++ {
		if s.alpha[t] < upperBound && -s.grad[t] >= gmax {
			gmax = -s.grad[t]
			i = t
		}
	}

	gmax2 := math.Inf(-1)
	j := -1
	objMin := math.Inf(1)
	for t := 0; t < s.n; t++ {
		if s.alpha[t] <= 0 {
			continue
		}
		if s.grad[t] >= gmax2 {
			gmax2 = s.grad[t]
		}
		diff := gmax + s.grad[t]
		if diff <= 0 {
			continue
		}
		quad := 2 - 2*s.q.At(i, t)
		if quad <= 0 {
			quad = tau
		}
		obj := -(diff * diff) / quad
		if obj <= objMin {
			objMin = obj
			j = t
		}
	}
	if gmax+gmax2 < s.eps || j == -1 {
		return -1, -1, false
	}
	return i, j, true
}

func (s *solver) update(i, j int) {
	oldI, oldJ := s.alpha[i], s.alpha[j]
	quad := 2 - 2*s.q.At(i, j)
	if quad <= 0 {
		quad = tau
	}
	delta := (s.grad[i] - s.grad[j]) / quad
	sum := oldI + oldJ
	ai := oldI - delta
	aj := oldJ + delta

	if sum > upperBound {
		if ai > upperBound {
			ai = upperBound
			aj = sum - upperBound
		}
	} else if aj < 0 {
		aj = 0
		ai = sum
	}
	if sum > upperBound {
		if aj > upperBound {
			aj = upperBound
			ai = sum - upperBound
		}
	} else if ai < 0 {
		ai = 0
		aj = sum
	}
	s.alpha[i], s.alpha[j] = ai, aj

	di, dj := ai-oldI, aj-oldJ
	for k := 0; k < s.n; k++ {
		s.grad[k] += s.q.At(i, k)*di + s.q.At(j, k)*dj
	}
}

// rho is the offset: the mean gradient over free variables, or the midpoint
// of the feasible interval when every α sits at a bound.
func (s *solver) rho() float64 {
	ub, lb := math.Inf(1), math.Inf(-1)
	sumFree, nFree := 0.0, 0
	for t := 0; t < s.n; t++ {
		g := s.grad[t]
		switch {
		case s.alpha[t] >= upperBound:
			lb = math.Max(lb, g)
		case s.alpha[t] <= 0:
			ub = math.Min(ub, g)
		default:
			nFree++
			sumFree += g
		}
	}
	if nFree > 0 {
		return sumFree / float64(nFree)
	}
	switch {
	case math.IsInf(ub, 1):
		return lb
	case math.IsInf(lb, -1):
		return ub
	}
	return (ub + lb) / 2
}

// Decision returns Σ αᵢ K(svᵢ, x) − ρ.
func (m *Model) Decision(x []float64) float64 {
	sum := 0.0
	for i, sv := range m.SupportVectors {
		sum += m.Coef[i] * Kernel(sv, x, m.Gamma)
	}
	return sum - m.Rho
}

// Predict returns +1 for an inlier and -1 for an outlier.
func (m *Model) Predict(x []float64) int {
	if m.Decision(x) > 0 {
		return 1
	}
	return -1
}

// OutlierPercent is the share of xs predicted as outliers, in percent.
func (m *Model) OutlierPercent(xs [][]float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	n := 0
	for _, x := range xs {
		if m.Predict(x) < 0 {
			n++
		}
	}
	return 100 * float64(n) / float64(len(xs))
}
