// Package params derives the DELPHI transition-rate tensors and initial
// conditions from population, clinical, intervention and trajectory tables.
package params

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"delphi/internal/model"
)

// PopulationByRegionAndRiskClass returns the region ordering discovered from
// the table (order of first appearance) and the regions × risk classes
// population matrix. Rows whose age band straddles a class boundary are
// counted in no class.
func PopulationByRegionAndRiskClass(cfg model.Config, rows []model.PopulationRow) (model.Regions, *mat.Dense, error) {
	if len(rows) == 0 {
		return model.Regions{}, nil, model.DataShapef("population table is empty")
	}
	var labels []string
	seen := make(map[string]struct{})
	for i, row := range rows {
		if row.State == "" {
			return model.Regions{}, nil, model.DataShapef("population row %d: missing state", i+1)
		}
		if math.IsNaN(row.Population) || math.IsInf(row.Population, 0) || row.Population < 0 {
			return model.Regions{}, nil, &model.Error{Kind: model.ErrDataShape, Region: row.State, Msg: "population must be a finite non-negative count"}
		}
		if _, ok := seen[row.State]; !ok {
			seen[row.State] = struct{}{}
			labels = append(labels, row.State)
		}
	}
	if cfg.NRegions > 0 && cfg.NRegions != len(labels) {
		return model.Regions{}, nil, model.DataShapef("population table has %d regions, configuration expects %d", len(labels), cfg.NRegions)
	}
	regions, err := model.NewRegions(labels)
	if err != nil {
		return model.Regions{}, nil, err
	}

	population := mat.NewDense(regions.Len(), cfg.NRiskClasses(), nil)
	for _, row := range rows {
		j, _ := regions.Index(row.State)
		for k, rc := range cfg.RiskClasses {
			if rc.Contains(row.MinAge, row.MaxAge) {
				population.Set(j, k, population.At(j, k)+row.Population)
			}
		}
	}
	return regions, population, nil
}
