package params

import (
	"math"
	"sort"
	"time"

	"delphi/internal/model"
)

// trajectoriesByRegion groups trajectory rows by region index, sorted by date.
// Rows for regions unknown to the population ordering are rejected.
func trajectoriesByRegion(regions model.Regions, rows []model.TrajectoryRow) ([][]model.TrajectoryRow, error) {
	out := make([][]model.TrajectoryRow, regions.Len())
	for _, row := range rows {
		j, ok := regions.Index(row.State)
		if !ok {
			return nil, &model.Error{Kind: model.ErrDataShape, Region: row.State, Msg: "trajectory rows for a region absent from the population table"}
		}
		out[j] = append(out[j], row)
	}
	for j := range out {
		series := out[j]
		sort.SliceStable(series, func(a, b int) bool { return series[a].Date.Before(series[b].Date) })
		for i := 1; i < len(series); i++ {
			if sameDay(series[i].Date, series[i-1].Date) {
				return nil, &model.Error{Kind: model.ErrDataShape, Region: regions.Label(j), Msg: "duplicate trajectory date " + series[i].Date.Format("2006-01-02")}
			}
		}
	}
	return out, nil
}

// increments returns per-timestep case and death increments from the start
// date onward. Daily first differences of the cumulative exposed and deceased
// series are bucketed into timestep floor(day / daysPerTimestep); negative
// differences are treated as zero.
func increments(cfg model.Config, series []model.TrajectoryRow, startDate time.Time) (cases, deaths []float64) {
	var window []model.TrajectoryRow
	for _, row := range series {
		if !row.Date.Before(startDate) {
			window = append(window, row)
		}
	}
	if len(window) < 2 {
		return nil, nil
	}

	last := daysBetween(startDate, window[len(window)-1].Date)
	n := int(math.Floor(float64(last-1)/cfg.DaysPerTimestep)) + 1
	if n > cfg.NTimesteps {
		n = cfg.NTimesteps
	}
	if n <= 0 {
		return nil, nil
	}
	cases = make([]float64, n)
	deaths = make([]float64, n)
	for i := 1; i < len(window); i++ {
		day := daysBetween(startDate, window[i-1].Date)
		ts := int(math.Floor(float64(day) / cfg.DaysPerTimestep))
		if ts >= n {
			break
		}
		cases[ts] += math.Max(0, window[i].Exposed-window[i-1].Exposed)
		deaths[ts] += math.Max(0, window[i].Deceased-window[i-1].Deceased)
	}
	return cases, deaths
}

func sameDay(a, b time.Time) bool {
	return daysBetween(a, b) == 0
}
