package params

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"delphi/internal/model"
)

func TestPopulationByRegionAndRiskClass(t *testing.T) {
	cfg := twoClassConfig()
	rows := []model.PopulationRow{
		{State: "WA", MinAge: 0, MaxAge: 49, Population: 70},
		{State: "OR", MinAge: 0, MaxAge: 19, Population: 20},
		{State: "OR", MinAge: 20, MaxAge: 49, Population: 30},
		{State: "WA", MinAge: 50, MaxAge: math.Inf(1), Population: 30},
		{State: "OR", MinAge: 50, MaxAge: 64, Population: 15},
	}

	regions, population, err := PopulationByRegionAndRiskClass(cfg, rows)
	require.NoError(t, err)
	assert.Equal(t, []string{"WA", "OR"}, regions.Labels())
	assert.Equal(t, []float64{70, 30, 50, 15}, population.RawMatrix().Data)
}

func TestPopulationExcludesStraddlingBands(t *testing.T) {
	cfg := twoClassConfig()
	rows := []model.PopulationRow{
		{State: "NY", MinAge: 0, MaxAge: 39, Population: 400},
		{State: "NY", MinAge: 40, MaxAge: 59, Population: 200},
		{State: "NY", MinAge: 60, MaxAge: math.Inf(1), Population: 100},
	}
	_, population, err := PopulationByRegionAndRiskClass(cfg, rows)
	require.NoError(t, err)
	assert.Equal(t, 400.0, population.At(0, 0))
	assert.Equal(t, 100.0, population.At(0, 1))
}

func TestPopulationRowSumsNeverExceedRegionTotal(t *testing.T) {
	cfg := model.DefaultConfig()
	rows := []model.PopulationRow{
		{State: "A", MinAge: 0, MaxAge: 17, Population: 10},
		{State: "A", MinAge: 18, MaxAge: 49, Population: 20},
		{State: "A", MinAge: 45, MaxAge: 54, Population: 5},
		{State: "A", MinAge: 55, MaxAge: 69, Population: 7},
		{State: "A", MinAge: 70, MaxAge: math.Inf(1), Population: 3},
		{State: "B", MinAge: 0, MaxAge: 49, Population: 11},
		{State: "B", MinAge: 50, MaxAge: 69, Population: 12},
		{State: "B", MinAge: 70, MaxAge: 100, Population: 13},
	}
	totals := map[string]float64{}
	for _, row := range rows {
		totals[row.State] += row.Population
	}

	regions, population, err := PopulationByRegionAndRiskClass(cfg, rows)
	require.NoError(t, err)
	for j, label := range regions.Labels() {
		row := mat.Row(nil, j, population)
		sum := 0.0
		for _, v := range row {
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.LessOrEqual(t, sum, totals[label])
	}
	// B's bands partition the age range exactly.
	assert.Equal(t, totals["B"], mat.Sum(population.RowView(1)))
	assert.Equal(t, 40.0, mat.Sum(population.RowView(0)))
}

func TestPopulationRejectsMalformedTables(t *testing.T) {
	cfg := twoClassConfig()

	_, _, err := PopulationByRegionAndRiskClass(cfg, nil)
	require.ErrorIs(t, err, model.ErrDataShape)

	_, _, err = PopulationByRegionAndRiskClass(cfg, []model.PopulationRow{{MinAge: 0, MaxAge: 49, Population: 1}})
	require.ErrorIs(t, err, model.ErrDataShape)

	_, _, err = PopulationByRegionAndRiskClass(cfg, []model.PopulationRow{{State: "NY", MinAge: 0, MaxAge: 49, Population: -1}})
	require.ErrorIs(t, err, model.ErrDataShape)
	assert.Equal(t, "NY", model.RegionOf(err))

	cfg.NRegions = 2
	_, _, err = PopulationByRegionAndRiskClass(cfg, []model.PopulationRow{{State: "NY", MinAge: 0, MaxAge: 49, Population: 1}})
	require.ErrorIs(t, err, model.ErrDataShape)
}
