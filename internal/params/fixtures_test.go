package params

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"delphi/internal/model"
)

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func twoClassConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.RiskClasses = []model.RiskClass{
		{Name: "0-49", MinAge: 0, MaxAge: 49},
		{Name: "50+", MinAge: 50, MaxAge: math.Inf(1)},
	}
	cfg.NTimesteps = 10
	cfg.NTimestepsPerEstimate = 5
	cfg.Workers = 2
	return cfg
}

// scenarioInputs is a single-region run with populations [600, 400].
func scenarioInputs() Inputs {
	start := day("2020-03-01")
	var trajectory []model.TrajectoryRow
	for i := 0; i <= 12; i++ {
		trajectory = append(trajectory, model.TrajectoryRow{
			Date:        start.AddDate(0, 0, i-1),
			State:       "NY",
			Susceptible: 1000,
			Exposed:     50,
			Infectious:  20,
			Deceased:    3,
		})
	}
	return Inputs{
		Config:    twoClassConfig(),
		StartDate: start,
		Population: []model.PopulationRow{
			{State: "NY", MinAge: 0, MaxAge: 24, Population: 300},
			{State: "NY", MinAge: 25, MaxAge: 49, Population: 300},
			{State: "NY", MinAge: 50, MaxAge: 79, Population: 250},
			{State: "NY", MinAge: 80, MaxAge: math.Inf(1), Population: 150},
		},
		Clinical: []model.ClinicalRow{
			{MinAge: 0, MaxAge: 49, Cases: 1000, Hospitalizations: 50, Deaths: 5},
			{MinAge: 50, MaxAge: math.Inf(1), Cases: 500, Hospitalizations: 150, Deaths: 50},
		},
		Interventions: []model.InterventionRow{
			{State: "NY", StartDate: start, InterventionTime: 0, InterventionRate: 1, InfectionRate: 0.3},
		},
		Trajectories: trajectory,
		Logger:       zerolog.Nop(),
	}
}

// twoRegionInputs lists the secondary tables in a different region order
// than the population table.
func twoRegionInputs() Inputs {
	in := scenarioInputs()
	in.Population = append(in.Population,
		model.PopulationRow{State: "CA", MinAge: 0, MaxAge: 49, Population: 100},
		model.PopulationRow{State: "CA", MinAge: 50, MaxAge: 120, Population: 300},
	)
	in.Interventions = []model.InterventionRow{
		{State: "CA", StartDate: in.StartDate, InterventionTime: 5, InterventionRate: 2, InfectionRate: 0.7},
		in.Interventions[0],
	}
	var trajectory []model.TrajectoryRow
	for _, row := range in.Trajectories {
		ca := row
		ca.State = "CA"
		ca.Susceptible = 400
		ca.Exposed = 8
		ca.Infectious = 4
		trajectory = append(trajectory, ca)
	}
	in.Trajectories = append(trajectory, in.Trajectories...)
	return in
}
