package mortality

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"delphi/internal/model"
)

const deviationTolerance = 1e-12

var errNotPositiveDefinite = errors.New("normal equations are not positive definite")

// SmoothedRatio fits one multiplier per block of NTimestepsPerEstimate
// timesteps. The rate of class k in block b is Baseline[k]*m[b], clipped to
// [0,1]. Multipliers minimize
//
//	Σ_obs (m[b] - target[b])² + Ridge·Σ (m[b] - 1)² + Smoothness·Σ (m[b] - m[b-1])²
//
// where target[b] is the observed deaths/cases ratio over the
// population-weighted baseline. The fitted multipliers are then moved into
// the set satisfying both bounds at once: every observed block's implied
// rate within MaxPctPopulationDeviation of its observed ratio, and
// consecutive multipliers within MaxPctChange of each other. Estimation fails
// only when that set is empty.
type SmoothedRatio struct {
	Ridge      float64
	Smoothness float64
}

func NewSmoothedRatio() *SmoothedRatio {
	return &SmoothedRatio{Ridge: 1e-3, Smoothness: 1e-2}
}

type block struct {
	start, end int
	cases      float64
	deaths     float64
	observed   bool
}

func (e *SmoothedRatio) Estimate(ctx context.Context, in Input) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	blocks := partition(in)
	observed := 0
	for _, b := range blocks {
		if b.observed {
			observed++
		}
	}
	if observed == 0 {
		return BaselineMatrix(in.Baseline, in.NTimesteps), nil
	}

	r0 := stat.Mean(in.Baseline, in.Population)
	if r0 == 0 {
		return nil, model.EstimationFailed(in.Region, "baseline mortality is zero but deaths were observed")
	}

	fitted, err := e.fit(blocks, r0)
	if err != nil {
		return nil, model.EstimationFailed(in.Region, "%v", err)
	}
	multipliers, stuck := constrain(fitted, admissible(in, blocks), in.MaxPctChange)
	if multipliers == nil {
		b := blocks[stuck]
		return nil, model.EstimationFailed(in.Region,
			"timesteps [%d,%d): observed ratio %.6g cannot be matched within deviation %.4g given max change %.4g",
			b.start, b.end, b.deaths/b.cases, in.MaxPctPopulationDeviation, in.MaxPctChange)
	}

	out := mat.NewDense(len(in.Baseline), in.NTimesteps, nil)
	for bi, b := range blocks {
		for k, base := range in.Baseline {
			rate := clamp01(base * multipliers[bi])
			for t := b.start; t < b.end; t++ {
				out.Set(k, t, rate)
			}
		}
	}

	if err := checkDeviation(in, blocks, out); err != nil {
		return nil, err
	}
	return out, nil
}

func partition(in Input) []block {
	n := in.NTimestepsPerEstimate
	count := (in.NTimesteps + n - 1) / n
	blocks := make([]block, count)
	for i := range blocks {
		b := block{start: i * n, end: (i + 1) * n}
		if b.end > in.NTimesteps {
			b.end = in.NTimesteps
		}
		for t := b.start; t < b.end && t < len(in.Cases); t++ {
			b.cases += in.Cases[t]
			b.deaths += in.Deaths[t]
		}
		minCases := in.MinCasesPerEstimate
		if minCases <= 0 {
			minCases = math.SmallestNonzeroFloat64
		}
		// A block without deaths carries no information about the rate level.
		b.observed = b.cases >= minCases && b.deaths > 0
		blocks[i] = b
	}
	return blocks
}

func (e *SmoothedRatio) fit(blocks []block, r0 float64) ([]float64, error) {
	n := len(blocks)
	ridge := e.Ridge
	if ridge <= 0 {
		ridge = 1e-3
	}
	smooth := e.Smoothness
	if smooth < 0 {
		smooth = 0
	}

	a := mat.NewSymDense(n, nil)
	rhs := mat.NewVecDense(n, nil)
	for i, b := range blocks {
		diag := ridge
		value := ridge
		if b.observed {
			diag++
			value += (b.deaths / b.cases) / r0
		}
		if i > 0 {
			diag += smooth
			a.SetSym(i, i-1, -smooth)
		}
		if i < n-1 {
			diag += smooth
		}
		a.SetSym(i, i, diag)
		rhs.SetVec(i, value)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, errNotPositiveDefinite
	}
	var m mat.VecDense
	if err := chol.SolveVecTo(&m, rhs); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = m.AtVec(i)
	}
	return out, nil
}

type interval struct {
	lo, hi float64
}

func (iv interval) empty() bool { return iv.lo > iv.hi }

// impliedRate is the population-weighted rate of a block whose multiplier
// is m. It is nondecreasing in m.
func impliedRate(in Input, total, m float64) float64 {
	aggregate := 0.0
	for k, p := range in.Population {
		aggregate += p * clamp01(in.Baseline[k]*m)
	}
	return aggregate / total
}

// admissible returns, per block, the multipliers that keep the block within
// the deviation bound. Unobserved blocks accept any non-negative multiplier.
func admissible(in Input, blocks []block) []interval {
	total := 0.0
	for _, p := range in.Population {
		total += p
	}
	// Past ceiling every class rate is clipped at 1.
	ceiling := 0.0
	for _, b := range in.Baseline {
		if b > 0 {
			ceiling = math.Max(ceiling, 1/b)
		}
	}

	out := make([]interval, len(blocks))
	for i, b := range blocks {
		if !b.observed {
			out[i] = interval{lo: 0, hi: math.Inf(1)}
			continue
		}
		observed := b.deaths / b.cases
		slack := in.MaxPctPopulationDeviation*observed + deviationTolerance
		tooLow := func(m float64) bool { return impliedRate(in, total, m)-observed < -slack }
		notTooHigh := func(m float64) bool { return impliedRate(in, total, m)-observed <= slack }

		if tooLow(ceiling) {
			out[i] = interval{lo: math.Inf(1), hi: math.Inf(-1)}
			continue
		}
		iv := interval{lo: 0, hi: math.Inf(1)}
		if tooLow(0) {
			_, iv.lo = bisect(0, ceiling, tooLow)
		}
		if !notTooHigh(ceiling) {
			iv.hi, _ = bisect(0, ceiling, notTooHigh)
		}
		out[i] = iv
	}
	return out
}

// bisect narrows [lo, hi] around the point where pred turns from true to
// false. pred(lo) must hold and pred(hi) must not.
func bisect(lo, hi float64, pred func(float64) bool) (float64, float64) {
	for i := 0; i < 200; i++ {
		mid := lo + (hi-lo)/2
		if mid <= lo || mid >= hi {
			break
		}
		if pred(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, hi
}

// constrain returns the multipliers nearest the fitted ones, block by block
// from the last, such that each lies in its admissible interval and
// consecutive multipliers differ by at most maxChange of the earlier one.
// When no such sequence exists it returns nil and the first block that
// cannot be reached.
func constrain(fitted []float64, bounds []interval, maxChange float64) ([]float64, int) {
	n := len(fitted)
	down, up := math.Max(0, 1-maxChange), 1+maxChange

	// reach[i] holds the multipliers of block i that some admissible prefix
	// can lead to.
	reach := make([]interval, n)
	for i, iv := range bounds {
		if i > 0 {
			iv.lo = math.Max(iv.lo, reach[i-1].lo*down)
			iv.hi = math.Min(iv.hi, reach[i-1].hi*up)
		}
		if iv.empty() {
			return nil, i
		}
		reach[i] = iv
	}

	m := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		iv := reach[i]
		if i < n-1 {
			next := m[i+1]
			iv.lo = math.Max(iv.lo, next/up)
			if down > 0 {
				iv.hi = math.Min(iv.hi, next/down)
			}
			if iv.empty() {
				// Rounding at the edge of the reachable set.
				if next/up > reach[i].hi {
					iv = interval{lo: reach[i].hi, hi: reach[i].hi}
				} else {
					iv = interval{lo: reach[i].lo, hi: reach[i].lo}
				}
			}
		}
		m[i] = math.Min(math.Max(fitted[i], iv.lo), iv.hi)
	}
	return m, -1
}

func checkDeviation(in Input, blocks []block, rates *mat.Dense) error {
	total := 0.0
	for _, p := range in.Population {
		total += p
	}
	for _, b := range blocks {
		if !b.observed {
			continue
		}
		aggregate := 0.0
		for k, p := range in.Population {
			aggregate += p * rates.At(k, b.start)
		}
		aggregate /= total
		observed := b.deaths / b.cases
		if math.Abs(aggregate-observed) > in.MaxPctPopulationDeviation*observed+deviationTolerance {
			return model.EstimationFailed(in.Region,
				"timesteps [%d,%d): implied rate %.6g deviates from observed %.6g by more than %.4g",
				b.start, b.end, aggregate, observed, in.MaxPctPopulationDeviation)
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
