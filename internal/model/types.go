package model

import (
	"encoding/json"
	"math"
	"time"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RiskClass is an age band. MaxAge may be +Inf for an open upper band.
type RiskClass struct {
	Name   string  `json:"name"`
	MinAge float64 `json:"min_age"`
	MaxAge float64 `json:"max_age"`
}

// Contains reports whether the band [minAge, maxAge] lies entirely within the
// class. Bands straddling a class boundary belong to no class.
func (c RiskClass) Contains(minAge, maxAge float64) bool {
	return minAge >= c.MinAge && maxAge <= c.MaxAge
}

func (c RiskClass) Open() bool {
	return math.IsInf(c.MaxAge, 1)
}

type riskClassJSON struct {
	Name   string   `json:"name"`
	MinAge float64  `json:"min_age"`
	MaxAge *float64 `json:"max_age"`
}

// MarshalJSON encodes an open upper band as a null max_age.
func (c RiskClass) MarshalJSON() ([]byte, error) {
	out := riskClassJSON{Name: c.Name, MinAge: c.MinAge}
	if !c.Open() {
		maxAge := c.MaxAge
		out.MaxAge = &maxAge
	}
	return json.Marshal(out)
}

func (c *RiskClass) UnmarshalJSON(data []byte) error {
	var in riskClassJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.Name = in.Name
	c.MinAge = in.MinAge
	c.MaxAge = math.Inf(1)
	if in.MaxAge != nil {
		c.MaxAge = *in.MaxAge
	}
	return nil
}

type PopulationRow struct {
	State      string  `json:"state"`
	MinAge     float64 `json:"min_age"`
	MaxAge     float64 `json:"max_age"`
	Population float64 `json:"population"`
}

type ClinicalRow struct {
	MinAge           float64 `json:"min_age"`
	MaxAge           float64 `json:"max_age"`
	Cases            float64 `json:"cases"`
	Hospitalizations float64 `json:"hospitalizations"`
	Deaths           float64 `json:"deaths"`
}

type InterventionRow struct {
	State            string    `json:"state"`
	StartDate        time.Time `json:"start_date"`
	InterventionTime float64   `json:"intervention_time"`
	InterventionRate float64   `json:"intervention_rate"`
	JumpTime         float64   `json:"jump_time"`
	JumpMagnitude    float64   `json:"jump_magnitude"`
	JumpDecay        float64   `json:"jump_decay"`
	InfectionRate    float64   `json:"infection_rate"`
}

type TrajectoryRow struct {
	Date        time.Time `json:"date"`
	State       string    `json:"state"`
	Susceptible float64   `json:"susceptible"`
	Exposed     float64   `json:"exposed"`
	Infectious  float64   `json:"infectious"`
	Deceased    float64   `json:"deceased"`
}

// RegionFailure records a per-region estimation failure that was absorbed
// under the best-effort policy.
type RegionFailure struct {
	Region string `json:"region"`
	Error  string `json:"error"`
}

// RunRecord is the persisted form of a single derivation run. Parameters holds
// the encoded tensor set so storage stays independent of the tensor package.
type RunRecord struct {
	VersionedRecord
	ID           string          `json:"id"`
	CreatedAtUTC string          `json:"created_at_utc"`
	StartDate    string          `json:"start_date"`
	Regions      []string        `json:"regions"`
	RiskClasses  []RiskClass     `json:"risk_classes"`
	NTimesteps   int             `json:"n_timesteps"`
	Failures     []RegionFailure `json:"failures,omitempty"`
	Parameters   json.RawMessage `json:"parameters"`
}
