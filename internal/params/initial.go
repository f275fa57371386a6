package params

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"delphi/internal/model"
	"delphi/internal/tensor"
)

// InitialConditions holds the (regions, risk classes, 1) starting state of
// every simulator compartment.
type InitialConditions struct {
	Susceptible            tensor.Tensor
	Exposed                tensor.Tensor
	Infectious             tensor.Tensor
	HospitalizedDying      tensor.Tensor
	HospitalizedRecovering tensor.Tensor
	QuarantinedDying       tensor.Tensor
	QuarantinedRecovering  tensor.Tensor
	UndetectedDying        tensor.Tensor
	UndetectedRecovering   tensor.Tensor
	Recovered              tensor.Tensor
	Population             tensor.Tensor
}

// ApportionInitialConditions splits each region's susceptible, exposed and
// infectious counts at the start date across risk classes by population
// share. All other compartments start empty.
func ApportionInitialConditions(cfg model.Config, regions model.Regions, population *mat.Dense, trajectory []model.TrajectoryRow, startDate time.Time) (InitialConditions, error) {
	nRegions, nClasses := population.Dims()
	if nRegions != regions.Len() || nClasses != cfg.NRiskClasses() {
		return InitialConditions{}, model.DataShapef("population matrix is %dx%d, want %dx%d", nRegions, nClasses, regions.Len(), cfg.NRiskClasses())
	}

	snapshots := make([]*model.TrajectoryRow, nRegions)
	for i := range trajectory {
		row := &trajectory[i]
		if !sameDay(row.Date, startDate) {
			continue
		}
		j, ok := regions.Index(row.State)
		if !ok {
			return InitialConditions{}, &model.Error{Kind: model.ErrDataShape, Region: row.State, Msg: "trajectory snapshot for a region absent from the population table"}
		}
		if snapshots[j] != nil {
			return InitialConditions{}, &model.Error{Kind: model.ErrDataShape, Region: row.State, Msg: "duplicate trajectory snapshot at start date"}
		}
		snapshots[j] = row
	}

	ic := InitialConditions{
		Susceptible: tensor.New(nRegions, nClasses, 1),
		Exposed:     tensor.New(nRegions, nClasses, 1),
		Infectious:  tensor.New(nRegions, nClasses, 1),
		Population:  tensor.FromDense(population, true),
	}
	views := make([]*mat.Dense, 3)
	for i, t := range []tensor.Tensor{ic.Susceptible, ic.Exposed, ic.Infectious} {
		m, err := t.Matrix()
		if err != nil {
			return InitialConditions{}, model.DataShapef("initial conditions: %v", err)
		}
		views[i] = m
	}
	share := make([]float64, nClasses)
	row := make([]float64, nClasses)
	for j := 0; j < nRegions; j++ {
		label := regions.Label(j)
		if snapshots[j] == nil {
			return InitialConditions{}, &model.Error{Kind: model.ErrDataShape, Region: label, Msg: "no trajectory snapshot at start date " + startDate.Format("2006-01-02")}
		}
		mat.Row(share, j, population)
		total := floats.Sum(share)
		if total == 0 {
			return InitialConditions{}, model.DegenerateRegion(label, "zero total population")
		}
		floats.Scale(1/total, share)
		snap := snapshots[j]
		for i, count := range []float64{snap.Susceptible, snap.Exposed, snap.Infectious} {
			floats.ScaleTo(row, count, share)
			views[i].SetRow(j, row)
		}
	}

	for _, dst := range []*tensor.Tensor{
		&ic.HospitalizedDying, &ic.HospitalizedRecovering,
		&ic.QuarantinedDying, &ic.QuarantinedRecovering,
		&ic.UndetectedDying, &ic.UndetectedRecovering,
		&ic.Recovered,
	} {
		*dst = tensor.New(nRegions, nClasses, 1)
	}
	return ic, nil
}
