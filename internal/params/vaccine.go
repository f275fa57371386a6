package params

import (
	"math"

	"delphi/internal/model"
)

// VaccineInputs are the scalar policy inputs of the vaccine allocator.
// Percentages are fractions in [0,1].
type VaccineInputs struct {
	TotalPopulation      float64  `json:"total_pop"`
	VaccineEffectiveness float64  `json:"vaccine_effectiveness"`
	VaccineBudgetPct     float64  `json:"vaccine_budget_pct"`
	MaxAllocationPct     float64  `json:"max_allocation_pct"`
	MinAllocationPct     float64  `json:"min_allocation_pct"`
	MaxDecreasePct       float64  `json:"max_decrease_pct"`
	MaxIncreasePct       float64  `json:"max_increase_pct"`
	MaxTotalCapacityPct  *float64 `json:"max_total_capacity_pct,omitempty"`
	OptimizeCapacity     bool     `json:"optimize_capacity"`
	ExcludedRiskClasses  []int    `json:"excluded_risk_classes,omitempty"`
}

type VaccineParameters struct {
	VaccineEffectiveness float64   `json:"vaccine_effectiveness"`
	VaccineBudget        []float64 `json:"vaccine_budget"`
	MaxTotalCapacity     float64   `json:"max_total_capacity"`
	MaxAllocationPct     float64   `json:"max_allocation_pct"`
	MinAllocationPct     float64   `json:"min_allocation_pct"`
	MaxDecreasePct       float64   `json:"max_decrease_pct"`
	MaxIncreasePct       float64   `json:"max_increase_pct"`
	OptimizeCapacity     bool      `json:"optimize_capacity"`
	ExcludedRiskClasses  []int     `json:"excluded_risk_classes"`
}

// VaccineParams builds the allocator configuration. The budget is constant
// across all timesteps. A missing or zero capacity share falls back to the
// budget share.
func VaccineParams(cfg model.Config, in VaccineInputs) (VaccineParameters, error) {
	if cfg.NTimesteps <= 0 {
		return VaccineParameters{}, model.ConfigErrorf("n_timesteps must be > 0")
	}
	if math.IsNaN(in.TotalPopulation) || math.IsInf(in.TotalPopulation, 0) || in.TotalPopulation < 0 {
		return VaccineParameters{}, model.ConfigErrorf("total_pop must be a finite non-negative count")
	}
	pcts := []struct {
		name string
		v    float64
	}{
		{"vaccine_effectiveness", in.VaccineEffectiveness},
		{"vaccine_budget_pct", in.VaccineBudgetPct},
		{"max_allocation_pct", in.MaxAllocationPct},
		{"min_allocation_pct", in.MinAllocationPct},
		{"max_decrease_pct", in.MaxDecreasePct},
		{"max_increase_pct", in.MaxIncreasePct},
	}
	capacityPct := in.VaccineBudgetPct
	if in.MaxTotalCapacityPct != nil && *in.MaxTotalCapacityPct != 0 {
		capacityPct = *in.MaxTotalCapacityPct
		pcts = append(pcts, struct {
			name string
			v    float64
		}{"max_total_capacity_pct", capacityPct})
	}
	for _, p := range pcts {
		if !(p.v >= 0 && p.v <= 1) {
			return VaccineParameters{}, model.ConfigErrorf("%s must be in [0,1], got %v", p.name, p.v)
		}
	}
	if in.MinAllocationPct > in.MaxAllocationPct {
		return VaccineParameters{}, model.ConfigErrorf("min_allocation_pct %v exceeds max_allocation_pct %v", in.MinAllocationPct, in.MaxAllocationPct)
	}
	if in.VaccineBudgetPct > capacityPct {
		return VaccineParameters{}, model.ConfigErrorf("vaccine_budget_pct %v exceeds max_total_capacity_pct %v", in.VaccineBudgetPct, capacityPct)
	}

	excluded := []int{}
	seen := make(map[int]struct{}, len(in.ExcludedRiskClasses))
	for _, k := range in.ExcludedRiskClasses {
		if k < 0 || k >= cfg.NRiskClasses() {
			return VaccineParameters{}, model.ConfigErrorf("excluded risk class %d outside [0,%d)", k, cfg.NRiskClasses())
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		excluded = append(excluded, k)
	}

	budget := make([]float64, cfg.NTimesteps)
	perStep := in.TotalPopulation * in.VaccineBudgetPct
	for i := range budget {
		budget[i] = perStep
	}
	return VaccineParameters{
		VaccineEffectiveness: in.VaccineEffectiveness,
		VaccineBudget:        budget,
		MaxTotalCapacity:     capacityPct * in.TotalPopulation,
		MaxAllocationPct:     in.MaxAllocationPct,
		MinAllocationPct:     in.MinAllocationPct,
		MaxDecreasePct:       in.MaxDecreasePct,
		MaxIncreasePct:       in.MaxIncreasePct,
		OptimizeCapacity:     in.OptimizeCapacity,
		ExcludedRiskClasses:  excluded,
	}, nil
}
