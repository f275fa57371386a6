package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"delphi/internal/model"
)

// loadConfig reads a JSON config file over the default configuration. Keys
// that are absent or of the wrong type keep their default.
func loadConfig(path string) (model.Config, error) {
	cfg := model.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if v, ok := asInt(raw["n_regions"]); ok {
		cfg.NRegions = v
	}
	if v, ok := asInt(raw["n_timesteps"]); ok {
		cfg.NTimesteps = v
	}
	if v, ok := asFloat64(raw["days_per_timestep"]); ok {
		cfg.DaysPerTimestep = v
	}
	if v, ok := asInt(raw["n_timesteps_per_estimate"]); ok {
		cfg.NTimestepsPerEstimate = v
	}
	if v, ok := asFloat64(raw["max_pct_change"]); ok {
		cfg.MaxPctChange = v
	}
	if v, ok := asFloat64(raw["max_pct_population_deviation"]); ok {
		cfg.MaxPctPopulationDeviation = v
	}
	if v, ok := asFloat64(raw["min_cases_per_estimate"]); ok {
		cfg.MinCasesPerEstimate = v
	}
	if v, ok := asFloat64(raw["detection_probability"]); ok {
		cfg.DetectionProbability = v
	}
	if v, ok := asFloat64(raw["median_progression_time"]); ok {
		cfg.MedianProgressionTime = v
	}
	if v, ok := asFloat64(raw["median_detection_time"]); ok {
		cfg.MedianDetectionTime = v
	}
	if v, ok := asFloat64(raw["median_hospitalized_death_time"]); ok {
		cfg.MedianHospitalizedDeathTime = v
	}
	if v, ok := asFloat64(raw["median_unhospitalized_death_time"]); ok {
		cfg.MedianUnhospitalizedDeathTime = v
	}
	if v, ok := asFloat64(raw["median_hospitalized_recovery_time"]); ok {
		cfg.MedianHospitalizedRecoveryTime = v
	}
	if v, ok := asFloat64(raw["median_unhospitalized_recovery_time"]); ok {
		cfg.MedianUnhospitalizedRecoveryTime = v
	}
	if v, ok := asString(raw["estimation_policy"]); ok {
		cfg.EstimationPolicy = model.EstimationPolicy(v)
	}
	if v, ok := asInt(raw["workers"]); ok {
		cfg.Workers = v
	}

	if list, ok := raw["risk_classes"].([]any); ok {
		classes := make([]model.RiskClass, 0, len(list))
		for i, item := range list {
			rc, err := convertRiskClass(item)
			if err != nil {
				return model.Config{}, fmt.Errorf("risk_classes[%d]: %w", i, err)
			}
			classes = append(classes, rc)
		}
		cfg.RiskClasses = classes
	}

	return cfg, nil
}

// convertRiskClass accepts {"name", "min_age", "max_age"}; a missing, null or
// "inf" max_age marks an open band.
func convertRiskClass(v any) (model.RiskClass, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return model.RiskClass{}, fmt.Errorf("expected object, got %T", v)
	}
	minAge, ok := asFloat64(m["min_age"])
	if !ok {
		return model.RiskClass{}, fmt.Errorf("min_age is required")
	}
	maxAge := math.Inf(1)
	switch x := m["max_age"].(type) {
	case nil:
	case string:
		if !strings.EqualFold(x, "inf") {
			return model.RiskClass{}, fmt.Errorf("unsupported max_age %q", x)
		}
	default:
		f, ok := asFloat64(x)
		if !ok {
			return model.RiskClass{}, fmt.Errorf("unsupported max_age %v", x)
		}
		maxAge = f
	}
	name, _ := asString(m["name"])
	if name == "" {
		name = bandName(minAge, maxAge)
	}
	return model.RiskClass{Name: name, MinAge: minAge, MaxAge: maxAge}, nil
}

func bandName(minAge, maxAge float64) string {
	if math.IsInf(maxAge, 1) {
		return fmt.Sprintf("%g+", minAge)
	}
	return fmt.Sprintf("%g-%g", minAge, maxAge)
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
