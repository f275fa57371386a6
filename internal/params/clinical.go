package params

import (
	"strconv"

	"delphi/internal/model"
)

type clinicalTotals struct {
	cases, hospitalizations, deaths float64
}

func clinicalByRiskClass(cfg model.Config, rows []model.ClinicalRow) ([]clinicalTotals, error) {
	if len(rows) == 0 {
		return nil, model.DataShapef("clinical table is empty")
	}
	totals := make([]clinicalTotals, cfg.NRiskClasses())
	for i, row := range rows {
		if row.Cases < 0 || row.Hospitalizations < 0 || row.Deaths < 0 {
			return nil, model.DataShapef("clinical row %d: counts must be non-negative", i+1)
		}
		for k, rc := range cfg.RiskClasses {
			if rc.Contains(row.MinAge, row.MaxAge) {
				totals[k].cases += row.Cases
				totals[k].hospitalizations += row.Hospitalizations
				totals[k].deaths += row.Deaths
			}
		}
	}
	for k, t := range totals {
		if t.cases == 0 {
			return nil, model.DegenerateRiskClass(riskClassLabel(cfg, k), "no cases in clinical aggregate")
		}
	}
	return totals, nil
}

// HospitalizationRateByRiskClass returns Σhospitalizations / Σcases per class.
func HospitalizationRateByRiskClass(cfg model.Config, rows []model.ClinicalRow) ([]float64, error) {
	totals, err := clinicalByRiskClass(cfg, rows)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(totals))
	for k, t := range totals {
		out[k] = t.hospitalizations / t.cases
	}
	return out, nil
}

// BaselineMortalityRateByRiskClass returns Σdeaths / Σcases per class.
func BaselineMortalityRateByRiskClass(cfg model.Config, rows []model.ClinicalRow) ([]float64, error) {
	totals, err := clinicalByRiskClass(cfg, rows)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(totals))
	for k, t := range totals {
		out[k] = t.deaths / t.cases
	}
	return out, nil
}

func riskClassLabel(cfg model.Config, k int) string {
	if name := cfg.RiskClasses[k].Name; name != "" {
		return name
	}
	rc := cfg.RiskClasses[k]
	if rc.Open() {
		return formatAge(rc.MinAge) + "+"
	}
	return formatAge(rc.MinAge) + "-" + formatAge(rc.MaxAge)
}

func formatAge(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
