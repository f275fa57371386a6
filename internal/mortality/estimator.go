// Package mortality estimates time-varying, risk-class-resolved mortality
// rates for a single region from observed case and death increments.
package mortality

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"delphi/internal/model"
)

// Input is everything an estimator sees for one region. Cases and Deaths are
// per-timestep increments starting at the pipeline start date; they may be
// shorter than NTimesteps, in which case the tail has no observations.
type Input struct {
	Region     string
	Cases      []float64
	Deaths     []float64
	Population []float64
	Baseline   []float64

	MaxPctChange              float64
	MaxPctPopulationDeviation float64
	NTimestepsPerEstimate     int
	NTimesteps                int
	MinCasesPerEstimate       float64
}

// Estimator returns a (risk classes × timesteps) matrix of rates in [0,1].
//
// Implementations must keep the fractional change between consecutive
// timesteps within MaxPctChange, keep the population-weighted rate of every
// observed block within MaxPctPopulationDeviation of the observed
// deaths/cases ratio, and fall back to Baseline where observations are
// missing or too sparse. A region whose observations cannot be matched within
// the bounds yields an error wrapping model.ErrEstimationFailure.
//
// Implementations must be safe for concurrent use; MortalityRate calls one
// Estimator from several workers.
type Estimator interface {
	Estimate(ctx context.Context, in Input) (*mat.Dense, error)
}

func (in Input) validate() error {
	k := len(in.Baseline)
	if k == 0 {
		return model.DataShapef("region %s: empty baseline mortality rate", in.Region)
	}
	if len(in.Population) != k {
		return model.DataShapef("region %s: population has %d risk classes, baseline has %d", in.Region, len(in.Population), k)
	}
	if len(in.Cases) != len(in.Deaths) {
		return model.DataShapef("region %s: %d case increments but %d death increments", in.Region, len(in.Cases), len(in.Deaths))
	}
	if in.NTimesteps <= 0 || in.NTimestepsPerEstimate <= 0 {
		return model.ConfigErrorf("n_timesteps and n_timesteps_per_estimate must be > 0")
	}
	if in.MaxPctChange < 0 || in.MaxPctPopulationDeviation < 0 {
		return model.ConfigErrorf("estimator bounds must be >= 0")
	}
	for i, b := range in.Baseline {
		if math.IsNaN(b) || b < 0 || b > 1 {
			return model.DataShapef("region %s: baseline mortality rate %v for risk class %d is outside [0,1]", in.Region, b, i)
		}
	}
	total := 0.0
	for i, p := range in.Population {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return model.DataShapef("region %s: invalid population %v for risk class %d", in.Region, p, i)
		}
		total += p
	}
	if total == 0 {
		return model.DegenerateRegion(in.Region, "zero total population")
	}
	for t := range in.Cases {
		if in.Cases[t] < 0 || in.Deaths[t] < 0 || math.IsNaN(in.Cases[t]) || math.IsNaN(in.Deaths[t]) {
			return model.DataShapef("region %s: negative or NaN increment at timestep %d", in.Region, t)
		}
	}
	return nil
}

// BaselineMatrix broadcasts the baseline vector over every timestep.
func BaselineMatrix(baseline []float64, timesteps int) *mat.Dense {
	out := mat.NewDense(len(baseline), timesteps, nil)
	for k, b := range baseline {
		for t := 0; t < timesteps; t++ {
			out.Set(k, t, b)
		}
	}
	return out
}
