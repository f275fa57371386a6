package params

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"delphi/internal/model"
	"delphi/internal/mortality"
	"delphi/internal/tensor"
)

// MortalityRequest bundles the inputs of the mortality stage.
type MortalityRequest struct {
	Config     model.Config
	Regions    model.Regions
	Population *mat.Dense
	Baseline   []float64
	Trajectory []model.TrajectoryRow
	StartDate  time.Time
	Estimator  mortality.Estimator
	Logger     zerolog.Logger
}

// MortalityRate runs the estimator for every region and returns the
// (regions, risk classes, timesteps) rate tensor. Under the best-effort policy
// regions whose estimate fails are filled with the baseline rate and reported
// in the returned failures; under fail-fast the first failure is returned.
func MortalityRate(ctx context.Context, req MortalityRequest) (tensor.Tensor, []model.RegionFailure, error) {
	cfg := req.Config
	series, err := trajectoriesByRegion(req.Regions, req.Trajectory)
	if err != nil {
		return tensor.Tensor{}, nil, err
	}
	estimator := req.Estimator
	if estimator == nil {
		estimator = mortality.NewSmoothedRatio()
	}

	type job struct {
		region int
	}
	type result struct {
		region int
		rates  *mat.Dense
		err    error
	}

	nRegions := req.Regions.Len()
	jobs := make(chan job)
	results := make(chan result, nRegions)

	workerCount := cfg.Workers
	if workerCount <= 0 {
		workerCount = 1
	}
	if workerCount > nRegions {
		workerCount = nRegions
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{region: j.region, err: err}
					continue
				}
				cases, deaths := increments(cfg, series[j.region], req.StartDate)
				rates, err := estimator.Estimate(ctx, mortality.Input{
					Region:                    req.Regions.Label(j.region),
					Cases:                     cases,
					Deaths:                    deaths,
					Population:                mat.Row(nil, j.region, req.Population),
					Baseline:                  req.Baseline,
					MaxPctChange:              cfg.MaxPctChange,
					MaxPctPopulationDeviation: cfg.MaxPctPopulationDeviation,
					NTimestepsPerEstimate:     cfg.NTimestepsPerEstimate,
					NTimesteps:                cfg.NTimesteps,
					MinCasesPerEstimate:       cfg.MinCasesPerEstimate,
				})
				results <- result{region: j.region, rates: rates, err: err}
			}
		}()
	}

	for j := 0; j < nRegions; j++ {
		jobs <- job{region: j}
	}
	close(jobs)

	wg.Wait()
	close(results)

	nClasses := cfg.NRiskClasses()
	out := tensor.New(nRegions, nClasses, cfg.NTimesteps)
	perRegion := make([]result, nRegions)
	for res := range results {
		perRegion[res.region] = res
	}

	var failures []model.RegionFailure
	for j, res := range perRegion {
		label := req.Regions.Label(j)
		rates := res.rates
		if res.err != nil {
			if !errors.Is(res.err, model.ErrEstimationFailure) || cfg.EstimationPolicy == model.EstimationFailFast {
				return tensor.Tensor{}, nil, res.err
			}
			req.Logger.Warn().Err(res.err).Str("region", label).Msg("mortality estimate failed, using baseline rate")
			failures = append(failures, model.RegionFailure{Region: label, Error: res.err.Error()})
			rates = mortality.BaselineMatrix(req.Baseline, cfg.NTimesteps)
		}
		r, c := rates.Dims()
		if r != nClasses || c != cfg.NTimesteps {
			return tensor.Tensor{}, nil, &model.Error{Kind: model.ErrDataShape, Region: label, Msg: "estimator returned a matrix of the wrong shape"}
		}
		for k := 0; k < nClasses; k++ {
			for t := 0; t < cfg.NTimesteps; t++ {
				out.Set(rates.At(k, t), j, k, t)
			}
		}
	}
	return out, failures, nil
}
