// Package spd repairs symmetric covariance matrices into numerically valid
// symmetric positive definite form. Two repair methods are provided: diagonal
// jitter, which shifts the whole spectrum uniformly, and eigenvalue clipping,
// which raises only the offending modes. Both are postconditioned by a
// Cholesky factorization - a repair that does not admit a real lower
// triangular factor is a defect and is reported, never silently passed on.
package spd

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// Method identifies a repair algorithm.
type Method string

const (
	// MethodJitter adds delta*I to the diagonal, escalating delta
	// geometrically until the Cholesky check passes or the cap is hit.
	MethodJitter Method = "jitter"
	// MethodClip floors the eigenvalues at epsilon and reconstructs. SPD by
	// construction for any positive floor, no escalation involved.
	MethodClip Method = "clip"
)

// Options configures the regularizer. Zero values are backfilled by
// Normalize; the defaults are conservative, not calibrated.
type Options struct {
	Floor          float64 // Epsilon: minimum acceptable eigenvalue after repair
	JitterInitial  float64 // Starting delta for the jitter method
	JitterGrowth   float64 // Geometric escalation factor
	MaxEscalations int     // Attempts beyond the first before giving up
}

// Normalize backfills zero-valued options with defaults.
func (o Options) Normalize() Options {
	if o.Floor <= 0 {
		o.Floor = 1e-8
	}
	if o.JitterInitial <= 0 {
		o.JitterInitial = 1e-10
	}
	if o.JitterGrowth <= 1 {
		o.JitterGrowth = 10.0
	}
	if o.MaxEscalations <= 0 {
		o.MaxEscalations = 12
	}
	return o
}

// Result is a validated repair outcome. Escalations distinguishes a repair
// that succeeded immediately (0) from one that needed delta escalation (>0);
// a repair that never validated is an error, not a Result.
type Result struct {
	Matrix        *mat.SymDense
	Method        Method
	Delta         float64 // Total diagonal shift applied (0 for clip)
	Escalations   int
	MinEigenvalue float64 // Smallest eigenvalue after repair
}

// RegularizationFailure reports a repair that exhausted its policy without
// producing a Cholesky-factorizable matrix. It carries the attempted method
// and parameters so the caller can log exactly what was tried.
type RegularizationFailure struct {
	Method      Method
	Floor       float64
	LastDelta   float64
	Escalations int
}

func (e *RegularizationFailure) Error() string {
	return fmt.Sprintf("spd repair failed: method=%s floor=%g last_delta=%g escalations=%d",
		e.Method, e.Floor, e.LastDelta, e.Escalations)
}

// Regularizer repairs symmetric matrices to SPD form.
type Regularizer struct {
	opts Options
	log  zerolog.Logger
}

// New creates a Regularizer with the given options.
func New(opts Options, log zerolog.Logger) *Regularizer {
	return &Regularizer{
		opts: opts.Normalize(),
		log:  log.With().Str("component", "spd_regularizer").Logger(),
	}
}

// Repair dispatches to the named method.
func (r *Regularizer) Repair(m *mat.SymDense, method Method) (Result, error) {
	switch method {
	case MethodJitter:
		return r.Jitter(m)
	case MethodClip:
		return r.Clip(m)
	default:
		return Result{}, fmt.Errorf("unknown regularization method %q", method)
	}
}

// Jitter repairs by diagonal shift: M' = M + delta*I. The base delta is the
// smallest shift that lifts the estimated smallest eigenvalue to the floor;
// if Cholesky still fails (the eigenvalue estimate itself is subject to
// round-off), delta escalates geometrically up to the configured cap. Only
// the diagonal moves, so the off-diagonal structure is untouched.
func (r *Regularizer) Jitter(m *mat.SymDense) (Result, error) {
	minEig := smallestEigenvalue(m)

	// Already above the floor and factorizable: nothing to repair.
	if minEig >= r.opts.Floor {
		if _, ok := cholesky(m); ok {
			return Result{
				Matrix:        cloneSym(m),
				Method:        MethodJitter,
				Delta:         0,
				Escalations:   0,
				MinEigenvalue: minEig,
			}, nil
		}
	}

	base := r.opts.Floor - minEig
	if base < 0 {
		base = 0
	}

	delta := base + r.opts.JitterInitial
	for attempt := 0; attempt <= r.opts.MaxEscalations; attempt++ {
		candidate := addDiagonal(m, delta)
		if _, ok := cholesky(candidate); ok {
			if attempt > 0 {
				r.log.Warn().
					Float64("delta", delta).
					Int("escalations", attempt).
					Msg("Jitter repair needed escalation")
			}
			return Result{
				Matrix:        candidate,
				Method:        MethodJitter,
				Delta:         delta,
				Escalations:   attempt,
				MinEigenvalue: smallestEigenvalue(candidate),
			}, nil
		}
		delta = base + r.opts.JitterInitial*math.Pow(r.opts.JitterGrowth, float64(attempt+1))
	}

	failure := &RegularizationFailure{
		Method:      MethodJitter,
		Floor:       r.opts.Floor,
		LastDelta:   delta,
		Escalations: r.opts.MaxEscalations,
	}
	r.log.Error().Err(failure).Msg("Jitter repair exhausted escalation cap")
	return Result{}, failure
}

// Clip repairs by spectral flooring: decompose M = Q*Lambda*Q^T, replace
// each eigenvalue with max(lambda, epsilon), reconstruct, and re-symmetrize
// (M' + M'^T)/2 to cancel residual round-off from the reconstruction. Only
// eigenvalues below the floor move, so the dominant modes pass through
// unchanged. The result is SPD by construction for any positive floor.
func (r *Regularizer) Clip(m *mat.SymDense) (Result, error) {
	n := m.SymmetricDim()

	var eig mat.EigenSym
	if ok := eig.Factorize(m, true); !ok {
		return Result{}, fmt.Errorf("clip repair: eigen-decomposition failed")
	}

	eigenvalues := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	clipped := make([]float64, n)
	for i, lambda := range eigenvalues {
		if lambda < r.opts.Floor {
			clipped[i] = r.opts.Floor
		} else {
			clipped[i] = lambda
		}
	}

	// Reconstruct Q * Lambda' * Q^T.
	scaled := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vectors.At(i, j)*clipped[j])
		}
	}
	var reconstructed mat.Dense
	reconstructed.Mul(scaled, vectors.T())

	// Re-symmetrize to cancel round-off before validation.
	repaired := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			repaired.SetSym(i, j, 0.5*(reconstructed.At(i, j)+reconstructed.At(j, i)))
		}
	}

	if _, ok := cholesky(repaired); !ok {
		failure := &RegularizationFailure{
			Method: MethodClip,
			Floor:  r.opts.Floor,
		}
		r.log.Error().Err(failure).Msg("Clip repair failed Cholesky validation")
		return Result{}, failure
	}

	return Result{
		Matrix:        repaired,
		Method:        MethodClip,
		Delta:         0,
		Escalations:   0,
		MinEigenvalue: smallestEigenvalue(repaired),
	}, nil
}

// Validate reports whether a symmetric matrix admits a real Cholesky factor.
func Validate(m *mat.SymDense) bool {
	_, ok := cholesky(m)
	return ok
}

func cholesky(m *mat.SymDense) (*mat.Cholesky, bool) {
	var chol mat.Cholesky
	ok := chol.Factorize(m)
	return &chol, ok
}

// smallestEigenvalue returns NaN when the factorization fails (non-finite
// input); NaN fails every floor comparison and every Cholesky attempt, so
// such input flows to RegularizationFailure rather than a panic.
func smallestEigenvalue(m *mat.SymDense) float64 {
	var eig mat.EigenSym
	if ok := eig.Factorize(m, false); !ok {
		return math.NaN()
	}
	return eig.Values(nil)[0]
}

func addDiagonal(m *mat.SymDense, delta float64) *mat.SymDense {
	out := cloneSym(m)
	n := out.SymmetricDim()
	for i := 0; i < n; i++ {
		out.SetSym(i, i, out.At(i, i)+delta)
	}
	return out
}

func cloneSym(m *mat.SymDense) *mat.SymDense {
	out := mat.NewSymDense(m.SymmetricDim(), nil)
	out.CopySym(m)
	return out
}
