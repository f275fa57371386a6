package params

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"delphi/internal/model"
	"delphi/internal/mortality"
	"delphi/internal/tensor"
)

// Inputs are the tables and settings of one derivation run.
type Inputs struct {
	Config        model.Config
	StartDate     time.Time
	Population    []model.PopulationRow
	Clinical      []model.ClinicalRow
	Interventions []model.InterventionRow
	Trajectories  []model.TrajectoryRow
	Estimator     mortality.Estimator
	Logger        zerolog.Logger
}

// ParameterSet is the terminal artifact consumed by the simulator.
type ParameterSet struct {
	Regions     []string          `json:"regions"`
	RiskClasses []model.RiskClass `json:"risk_classes"`
	StartDate   string            `json:"start_date"`

	InfectionRate              tensor.Tensor `json:"infection_rate"`
	PolicyResponse             tensor.Tensor `json:"policy_response"`
	ProgressionRate            tensor.Tensor `json:"progression_rate"`
	DetectionRate              tensor.Tensor `json:"detection_rate"`
	IHDTransitionRate          tensor.Tensor `json:"ihd_transition_rate"`
	IHRTransitionRate          tensor.Tensor `json:"ihr_transition_rate"`
	IQDTransitionRate          tensor.Tensor `json:"iqd_transition_rate"`
	IQRTransitionRate          tensor.Tensor `json:"iqr_transition_rate"`
	IUDTransitionRate          tensor.Tensor `json:"iud_transition_rate"`
	IURTransitionRate          tensor.Tensor `json:"iur_transition_rate"`
	HospitalizedDeathRate      tensor.Tensor `json:"hospitalized_death_rate"`
	UnhospitalizedDeathRate    tensor.Tensor `json:"unhospitalized_death_rate"`
	HospitalizedRecoveryRate   tensor.Tensor `json:"hospitalized_recovery_rate"`
	UnhospitalizedRecoveryRate tensor.Tensor `json:"unhospitalized_recovery_rate"`
	MortalityRate              tensor.Tensor `json:"mortality_rate"`
	DaysPerTimestep            tensor.Tensor `json:"days_per_timestep"`

	HospitalizationRate   tensor.Tensor `json:"hospitalization_rate"`
	BaselineMortalityRate tensor.Tensor `json:"baseline_mortality_rate"`

	InitialSusceptible            tensor.Tensor `json:"initial_susceptible"`
	InitialExposed                tensor.Tensor `json:"initial_exposed"`
	InitialInfectious             tensor.Tensor `json:"initial_infectious"`
	InitialHospitalizedDying      tensor.Tensor `json:"initial_hospitalized_dying"`
	InitialHospitalizedRecovering tensor.Tensor `json:"initial_hospitalized_recovering"`
	InitialQuarantinedDying       tensor.Tensor `json:"initial_quarantined_dying"`
	InitialQuarantinedRecovering  tensor.Tensor `json:"initial_quarantined_recovering"`
	InitialUndetectedDying        tensor.Tensor `json:"initial_undetected_dying"`
	InitialUndetectedRecovering   tensor.Tensor `json:"initial_undetected_recovering"`
	InitialRecovered              tensor.Tensor `json:"initial_recovered"`
	Population                    tensor.Tensor `json:"population"`

	Failures []model.RegionFailure `json:"failures,omitempty"`
}

// Tensors returns the set keyed by the names the simulator expects.
func (p ParameterSet) Tensors() map[string]tensor.Tensor {
	return map[string]tensor.Tensor{
		"infection_rate":                  p.InfectionRate,
		"policy_response":                 p.PolicyResponse,
		"progression_rate":                p.ProgressionRate,
		"detection_rate":                  p.DetectionRate,
		"ihd_transition_rate":             p.IHDTransitionRate,
		"ihr_transition_rate":             p.IHRTransitionRate,
		"iqd_transition_rate":             p.IQDTransitionRate,
		"iqr_transition_rate":             p.IQRTransitionRate,
		"iud_transition_rate":             p.IUDTransitionRate,
		"iur_transition_rate":             p.IURTransitionRate,
		"hospitalized_death_rate":         p.HospitalizedDeathRate,
		"unhospitalized_death_rate":       p.UnhospitalizedDeathRate,
		"hospitalized_recovery_rate":      p.HospitalizedRecoveryRate,
		"unhospitalized_recovery_rate":    p.UnhospitalizedRecoveryRate,
		"mortality_rate":                  p.MortalityRate,
		"days_per_timestep":               p.DaysPerTimestep,
		"hospitalization_rate":            p.HospitalizationRate,
		"baseline_mortality_rate":         p.BaselineMortalityRate,
		"initial_susceptible":             p.InitialSusceptible,
		"initial_exposed":                 p.InitialExposed,
		"initial_infectious":              p.InitialInfectious,
		"initial_hospitalized_dying":      p.InitialHospitalizedDying,
		"initial_hospitalized_recovering": p.InitialHospitalizedRecovering,
		"initial_quarantined_dying":       p.InitialQuarantinedDying,
		"initial_quarantined_recovering":  p.InitialQuarantinedRecovering,
		"initial_undetected_dying":        p.InitialUndetectedDying,
		"initial_undetected_recovering":   p.InitialUndetectedRecovering,
		"initial_recovered":               p.InitialRecovered,
		"population":                      p.Population,
	}
}

// TensorNames returns the keys of Tensors in sorted order.
func (p ParameterSet) TensorNames() []string {
	tensors := p.Tensors()
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckFinite reports the first tensor holding a NaN or Inf.
func (p ParameterSet) CheckFinite() error {
	tensors := p.Tensors()
	for _, name := range p.TensorNames() {
		if err := tensors[name].CheckFinite(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// HalfLifeRate converts a median duration to an exponential decay rate.
func HalfLifeRate(median float64) float64 {
	return math.Ln2 / median
}

// DelphiParams runs the full derivation pipeline.
func DelphiParams(ctx context.Context, in Inputs) (ParameterSet, error) {
	cfg := in.Config
	if err := cfg.Validate(); err != nil {
		return ParameterSet{}, err
	}
	logger := in.Logger

	regions, population, err := PopulationByRegionAndRiskClass(cfg, in.Population)
	if err != nil {
		return ParameterSet{}, fmt.Errorf("population: %w", err)
	}
	logger.Debug().Int("regions", regions.Len()).Int("risk_classes", cfg.NRiskClasses()).Msg("aggregated population")

	policyResponse, infectionRate, err := PolicyResponse(cfg, regions, in.Interventions, in.StartDate)
	if err != nil {
		return ParameterSet{}, fmt.Errorf("policy response: %w", err)
	}

	hospitalization, err := HospitalizationRateByRiskClass(cfg, in.Clinical)
	if err != nil {
		return ParameterSet{}, fmt.Errorf("hospitalization rate: %w", err)
	}
	baseline, err := BaselineMortalityRateByRiskClass(cfg, in.Clinical)
	if err != nil {
		return ParameterSet{}, fmt.Errorf("baseline mortality rate: %w", err)
	}

	initial, err := ApportionInitialConditions(cfg, regions, population, in.Trajectories, in.StartDate)
	if err != nil {
		return ParameterSet{}, fmt.Errorf("initial conditions: %w", err)
	}

	mortalityRate, failures, err := MortalityRate(ctx, MortalityRequest{
		Config:     cfg,
		Regions:    regions,
		Population: population,
		Baseline:   baseline,
		Trajectory: in.Trajectories,
		StartDate:  in.StartDate,
		Estimator:  in.Estimator,
		Logger:     logger,
	})
	if err != nil {
		return ParameterSet{}, fmt.Errorf("mortality rate: %w", err)
	}

	set := ParameterSet{
		Regions:                    regions.Labels(),
		RiskClasses:                append([]model.RiskClass(nil), cfg.RiskClasses...),
		StartDate:                  in.StartDate.Format("2006-01-02"),
		InfectionRate:              infectionRate,
		PolicyResponse:             policyResponse,
		ProgressionRate:            tensor.Scalar(HalfLifeRate(cfg.MedianProgressionTime)),
		DetectionRate:              tensor.Scalar(HalfLifeRate(cfg.MedianDetectionTime)),
		HospitalizedDeathRate:      tensor.Scalar(HalfLifeRate(cfg.MedianHospitalizedDeathTime)),
		UnhospitalizedDeathRate:    tensor.Scalar(HalfLifeRate(cfg.MedianUnhospitalizedDeathTime)),
		HospitalizedRecoveryRate:   tensor.Scalar(HalfLifeRate(cfg.MedianHospitalizedRecoveryTime)),
		UnhospitalizedRecoveryRate: tensor.Scalar(HalfLifeRate(cfg.UnhospitalizedRecoveryTime())),
		MortalityRate:              mortalityRate,
		DaysPerTimestep:            tensor.Scalar(cfg.DaysPerTimestep),
		Failures:                   failures,

		InitialSusceptible:            initial.Susceptible,
		InitialExposed:                initial.Exposed,
		InitialInfectious:             initial.Infectious,
		InitialHospitalizedDying:      initial.HospitalizedDying,
		InitialHospitalizedRecovering: initial.HospitalizedRecovering,
		InitialQuarantinedDying:       initial.QuarantinedDying,
		InitialQuarantinedRecovering:  initial.QuarantinedRecovering,
		InitialUndetectedDying:        initial.UndetectedDying,
		InitialUndetectedRecovering:   initial.UndetectedRecovering,
		InitialRecovered:              initial.Recovered,
		Population:                    initial.Population,
	}

	set.HospitalizationRate, err = tensor.FromSlice(hospitalization, 1, len(hospitalization), 1)
	if err != nil {
		return ParameterSet{}, err
	}
	set.BaselineMortalityRate, err = tensor.FromSlice(baseline, len(baseline))
	if err != nil {
		return ParameterSet{}, err
	}

	transitions, err := TransitionRates(set.DetectionRate, cfg.DetectionProbability, set.HospitalizationRate, mortalityRate)
	if err != nil {
		return ParameterSet{}, fmt.Errorf("transition rates: %w", err)
	}
	set.IHDTransitionRate = transitions.IHD
	set.IHRTransitionRate = transitions.IHR
	set.IQDTransitionRate = transitions.IQD
	set.IQRTransitionRate = transitions.IQR
	set.IUDTransitionRate = transitions.IUD
	set.IURTransitionRate = transitions.IUR

	if err := set.CheckFinite(); err != nil {
		return ParameterSet{}, fmt.Errorf("assembled parameters: %w", err)
	}
	logger.Info().
		Int("regions", regions.Len()).
		Int("timesteps", cfg.NTimesteps).
		Int("estimation_failures", len(failures)).
		Msg("derived delphi parameters")
	return set, nil
}

// Transitions are the six infectious-compartment exit rates.
type Transitions struct {
	IHD, IHR, IQD, IQR, IUD, IUR tensor.Tensor
}

// TransitionRates partitions detection across hospitalized, quarantined and
// undetected branches and splits each into dying and recovering. The
// undetected branch is split by mortality, not by hospitalization. The result
// has the broadcast shape of hospitalization (1,K,1) and mortality (R,K,T).
func TransitionRates(detectionRate tensor.Tensor, detectionProbability float64, hospitalization, mortalityRate tensor.Tensor) (Transitions, error) {
	shape, err := tensor.BroadcastShape(hospitalization.Shape, mortalityRate.Shape)
	if err != nil {
		return Transitions{}, err
	}
	detected := detectionRate.Scale(detectionProbability)
	undetected := detectionRate.Scale(1 - detectionProbability)
	h := hospitalization
	notH := hospitalization.Complement()
	m := mortalityRate
	notM := mortalityRate.Complement()

	var out Transitions
	terms := []struct {
		dst     *tensor.Tensor
		factors []tensor.Tensor
	}{
		{&out.IHD, []tensor.Tensor{detected, h, m}},
		{&out.IHR, []tensor.Tensor{detected, h, notM}},
		{&out.IQD, []tensor.Tensor{detected, notH, m}},
		{&out.IQR, []tensor.Tensor{detected, notH, notM}},
		{&out.IUD, []tensor.Tensor{undetected, m}},
		{&out.IUR, []tensor.Tensor{undetected, notM}},
	}
	for _, term := range terms {
		product, err := tensor.Product(term.factors...)
		if err != nil {
			return Transitions{}, err
		}
		if *term.dst, err = product.BroadcastTo(shape...); err != nil {
			return Transitions{}, err
		}
	}
	return out, nil
}
