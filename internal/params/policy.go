package params

import (
	"math"
	"time"

	"delphi/internal/model"
	"delphi/internal/tensor"
)

// Calibration constants of the policy response curves.
const (
	lockdownRateDivisor = 20.0
	reopeningWidthPower = 2.0
)

// PolicyCurve evaluates the response factor of one region at model time t
// (in days since the pipeline start), given the offset of the pipeline start
// from the region's own start date.
func PolicyCurve(row model.InterventionRow, t, offset float64) float64 {
	x := t + offset
	lockdown := 2 / math.Pi * math.Atan(-(x-row.InterventionTime)*row.InterventionRate/lockdownRateDivisor)
	reopening := 0.0
	if row.JumpMagnitude != 0 {
		reopening = row.JumpMagnitude * math.Exp(-math.Pow((x-row.JumpTime)/row.JumpDecay, reopeningWidthPower)/2)
	}
	return 1 + lockdown + reopening
}

// PolicyOffset is the number of days between the region's start date and the
// pipeline start date, scaled by the days per timestep.
func PolicyOffset(cfg model.Config, startDate, regionStart time.Time) float64 {
	return float64(daysBetween(regionStart, startDate)) * cfg.DaysPerTimestep
}

// PolicyResponse returns the (regions, timesteps) multiplicative transmission
// factor and the (regions) infection rate vector. Rows are matched to regions
// by label. Values are not clamped.
func PolicyResponse(cfg model.Config, regions model.Regions, rows []model.InterventionRow, startDate time.Time) (tensor.Tensor, tensor.Tensor, error) {
	byRegion, err := interventionsByRegion(regions, rows)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}

	response := tensor.New(regions.Len(), cfg.NTimesteps)
	infection := tensor.New(regions.Len())
	for j := 0; j < regions.Len(); j++ {
		row := byRegion[j]
		if row.JumpMagnitude != 0 && row.JumpDecay == 0 {
			return tensor.Tensor{}, tensor.Tensor{}, model.DegenerateRegion(regions.Label(j), "jump_decay is zero with non-zero jump_magnitude")
		}
		offset := PolicyOffset(cfg, startDate, row.StartDate)
		for i := 0; i < cfg.NTimesteps; i++ {
			t := float64(i) * cfg.DaysPerTimestep
			response.Set(PolicyCurve(row, t, offset), j, i)
		}
		infection.Set(row.InfectionRate, j)
	}
	return response, infection, nil
}

func interventionsByRegion(regions model.Regions, rows []model.InterventionRow) ([]model.InterventionRow, error) {
	out := make([]model.InterventionRow, regions.Len())
	found := make([]bool, regions.Len())
	for _, row := range rows {
		j, ok := regions.Index(row.State)
		if !ok {
			return nil, &model.Error{Kind: model.ErrDataShape, Region: row.State, Msg: "intervention parameters for a region absent from the population table"}
		}
		if found[j] {
			return nil, &model.Error{Kind: model.ErrDataShape, Region: row.State, Msg: "duplicate intervention parameters"}
		}
		out[j] = row
		found[j] = true
	}
	for j, ok := range found {
		if !ok {
			return nil, &model.Error{Kind: model.ErrDataShape, Region: regions.Label(j), Msg: "missing intervention parameters"}
		}
	}
	return out, nil
}

// daysBetween returns the whole calendar days from a to b.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(math.Floor(ub.Sub(ua).Hours() / 24))
}
