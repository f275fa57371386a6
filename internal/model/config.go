package model

import (
	"math"
	"runtime"
)

type EstimationPolicy string

const (
	// EstimationFailFast aborts the pipeline on the first region whose
	// mortality estimate cannot satisfy its bounds.
	EstimationFailFast EstimationPolicy = "fail_fast"
	// EstimationBestEffort substitutes the baseline rate for failed regions.
	EstimationBestEffort EstimationPolicy = "best_effort"
)

// Config holds every constant the pipeline depends on. It is passed by value
// into each component; nothing reads process-wide state.
type Config struct {
	RiskClasses []RiskClass `json:"risk_classes"`

	// NRegions is checked against the population table when > 0.
	NRegions              int     `json:"n_regions"`
	NTimesteps            int     `json:"n_timesteps"`
	DaysPerTimestep       float64 `json:"days_per_timestep"`
	NTimestepsPerEstimate int     `json:"n_timesteps_per_estimate"`

	MaxPctChange              float64 `json:"max_pct_change"`
	MaxPctPopulationDeviation float64 `json:"max_pct_population_deviation"`
	MinCasesPerEstimate       float64 `json:"min_cases_per_estimate"`

	DetectionProbability float64 `json:"detection_probability"`

	MedianProgressionTime          float64 `json:"median_progression_time"`
	MedianDetectionTime            float64 `json:"median_detection_time"`
	MedianHospitalizedDeathTime    float64 `json:"median_hospitalized_death_time"`
	MedianUnhospitalizedDeathTime  float64 `json:"median_unhospitalized_death_time"`
	MedianHospitalizedRecoveryTime float64 `json:"median_hospitalized_recovery_time"`
	// Zero falls back to MedianUnhospitalizedDeathTime.
	MedianUnhospitalizedRecoveryTime float64 `json:"median_unhospitalized_recovery_time,omitempty"`

	EstimationPolicy EstimationPolicy `json:"estimation_policy"`
	Workers          int              `json:"workers"`
}

func DefaultRiskClasses() []RiskClass {
	return []RiskClass{
		{Name: "0-49", MinAge: 0, MaxAge: 49},
		{Name: "50-69", MinAge: 50, MaxAge: 69},
		{Name: "70+", MinAge: 70, MaxAge: math.Inf(1)},
	}
}

func DefaultConfig() Config {
	return Config{
		RiskClasses:                    DefaultRiskClasses(),
		NTimesteps:                     120,
		DaysPerTimestep:                1,
		NTimestepsPerEstimate:          7,
		MaxPctChange:                   0.1,
		MaxPctPopulationDeviation:      0.1,
		MinCasesPerEstimate:            1,
		DetectionProbability:           0.2,
		MedianProgressionTime:          5,
		MedianDetectionTime:            2,
		MedianHospitalizedDeathTime:    20,
		MedianUnhospitalizedDeathTime:  20,
		MedianHospitalizedRecoveryTime: 15,
		EstimationPolicy:               EstimationBestEffort,
		Workers:                        runtime.NumCPU(),
	}
}

func (c Config) NRiskClasses() int {
	return len(c.RiskClasses)
}

func (c Config) UnhospitalizedRecoveryTime() float64 {
	if c.MedianUnhospitalizedRecoveryTime > 0 {
		return c.MedianUnhospitalizedRecoveryTime
	}
	return c.MedianUnhospitalizedDeathTime
}

func (c Config) Validate() error {
	if len(c.RiskClasses) == 0 {
		return ConfigErrorf("at least one risk class is required")
	}
	for i, rc := range c.RiskClasses {
		if math.IsNaN(rc.MinAge) || math.IsNaN(rc.MaxAge) || rc.MinAge < 0 || rc.MaxAge < rc.MinAge {
			return ConfigErrorf("risk class %d (%s) has invalid age band [%v, %v]", i, rc.Name, rc.MinAge, rc.MaxAge)
		}
	}
	if c.NRegions < 0 {
		return ConfigErrorf("n_regions must be >= 0")
	}
	if c.NTimesteps <= 0 {
		return ConfigErrorf("n_timesteps must be > 0")
	}
	if !(c.DaysPerTimestep > 0) {
		return ConfigErrorf("days_per_timestep must be > 0")
	}
	if c.NTimestepsPerEstimate <= 0 {
		return ConfigErrorf("n_timesteps_per_estimate must be > 0")
	}
	if !(c.MaxPctChange >= 0) {
		return ConfigErrorf("max_pct_change must be >= 0")
	}
	if !(c.MaxPctPopulationDeviation >= 0) {
		return ConfigErrorf("max_pct_population_deviation must be >= 0")
	}
	if c.MinCasesPerEstimate < 0 {
		return ConfigErrorf("min_cases_per_estimate must be >= 0")
	}
	if !(c.DetectionProbability >= 0 && c.DetectionProbability <= 1) {
		return ConfigErrorf("detection_probability must be in [0,1]")
	}
	medians := map[string]float64{
		"median_progression_time":           c.MedianProgressionTime,
		"median_detection_time":             c.MedianDetectionTime,
		"median_hospitalized_death_time":    c.MedianHospitalizedDeathTime,
		"median_unhospitalized_death_time":  c.MedianUnhospitalizedDeathTime,
		"median_hospitalized_recovery_time": c.MedianHospitalizedRecoveryTime,
	}
	for name, v := range medians {
		if !(v > 0) || math.IsInf(v, 0) {
			return ConfigErrorf("%s must be a positive finite duration", name)
		}
	}
	if c.MedianUnhospitalizedRecoveryTime < 0 {
		return ConfigErrorf("median_unhospitalized_recovery_time must be >= 0")
	}
	switch c.EstimationPolicy {
	case EstimationFailFast, EstimationBestEffort:
	default:
		return ConfigErrorf("unsupported estimation policy: %q", c.EstimationPolicy)
	}
	return nil
}

// Regions is the region ordering shared by every tensor of a run. It is built
// once from the population table and threaded through all components.
type Regions struct {
	labels []string
	index  map[string]int
}

func NewRegions(labels []string) (Regions, error) {
	r := Regions{labels: make([]string, 0, len(labels)), index: make(map[string]int, len(labels))}
	for _, label := range labels {
		if label == "" {
			return Regions{}, DataShapef("empty region label")
		}
		if _, ok := r.index[label]; ok {
			return Regions{}, DataShapef("duplicate region label %q", label)
		}
		r.index[label] = len(r.labels)
		r.labels = append(r.labels, label)
	}
	return r, nil
}

func (r Regions) Len() int { return len(r.labels) }

func (r Regions) Label(j int) string { return r.labels[j] }

func (r Regions) Labels() []string {
	return append([]string(nil), r.labels...)
}

func (r Regions) Index(label string) (int, bool) {
	j, ok := r.index[label]
	return j, ok
}
