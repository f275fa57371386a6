// Package tables reads the pipeline's input tables from CSV. Columns are
// located by header name; order and case do not matter.
package tables

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"delphi/internal/model"
)

const DateLayout = "2006-01-02"

var (
	PopulationColumns   = []string{"state", "min_age", "max_age", "population"}
	ClinicalColumns     = []string{"min_age", "max_age", "cases", "hospitalizations", "deaths"}
	InterventionColumns = []string{"state", "start_date", "intervention_time", "intervention_rate", "jump_time", "jump_magnitude", "jump_decay", "infection_rate"}
	TrajectoryColumns   = []string{"date", "state", "susceptible", "exposed", "infectious", "deceased"}
)

// columnAliases maps accepted header spellings to their canonical name.
var columnAliases = map[string]string{
	"infected": "infectious",
	"states":   "state",
}

// record is one data row addressed by canonical column name.
type record struct {
	line   int
	cols   map[string]int
	fields []string
}

func (r record) str(name string) string {
	return strings.TrimSpace(r.fields[r.cols[name]])
}

func (r record) float(name string) (float64, error) {
	raw := r.str(name)
	switch strings.ToLower(raw) {
	case "inf", "+inf", "infinity":
		return math.Inf(1), nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, model.DataShapef("row %d column %s: parse %q: %v", r.line, name, raw, err)
	}
	if math.IsNaN(v) {
		return 0, model.DataShapef("row %d column %s: NaN is not allowed", r.line, name)
	}
	return v, nil
}

func (r record) date(name string) (time.Time, error) {
	raw := r.str(name)
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, model.DataShapef("row %d column %s: parse date %q: %v", r.line, name, raw, err)
	}
	return t, nil
}

// readRecords reads a CSV stream, checks that every required column is present
// and calls fn for each non-blank data row.
func readRecords(in io.Reader, table string, required []string, fn func(record) error) error {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return model.DataShapef("%s table: missing header", table)
	}
	if err != nil {
		return fmt.Errorf("read %s csv header: %w", table, err)
	}

	cols := make(map[string]int, len(header))
	for i, raw := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff")))
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		if _, dup := cols[name]; dup {
			return model.DataShapef("%s table: duplicate column %q", table, name)
		}
		cols[name] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return model.DataShapef("%s table: missing column %q", table, name)
		}
	}

	line := 1
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("read %s csv row %d: %w", table, line, err)
		}
		if blankRecord(fields) {
			continue
		}
		if len(fields) < len(header) {
			return model.DataShapef("%s table: row %d has %d fields, want %d", table, line, len(fields), len(header))
		}
		if err := fn(record{line: line, cols: cols, fields: fields}); err != nil {
			return fmt.Errorf("%s table: %w", table, err)
		}
	}
}

func blankRecord(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func ReadPopulation(in io.Reader) ([]model.PopulationRow, error) {
	var rows []model.PopulationRow
	err := readRecords(in, "population", PopulationColumns, func(r record) error {
		row := model.PopulationRow{State: r.str("state")}
		var err error
		if row.MinAge, err = r.float("min_age"); err != nil {
			return err
		}
		if row.MaxAge, err = r.float("max_age"); err != nil {
			return err
		}
		if row.Population, err = r.float("population"); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func ReadClinical(in io.Reader) ([]model.ClinicalRow, error) {
	var rows []model.ClinicalRow
	err := readRecords(in, "clinical", ClinicalColumns, func(r record) error {
		var row model.ClinicalRow
		var err error
		if row.MinAge, err = r.float("min_age"); err != nil {
			return err
		}
		if row.MaxAge, err = r.float("max_age"); err != nil {
			return err
		}
		if row.Cases, err = r.float("cases"); err != nil {
			return err
		}
		if row.Hospitalizations, err = r.float("hospitalizations"); err != nil {
			return err
		}
		if row.Deaths, err = r.float("deaths"); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func ReadInterventions(in io.Reader) ([]model.InterventionRow, error) {
	var rows []model.InterventionRow
	err := readRecords(in, "intervention", InterventionColumns, func(r record) error {
		row := model.InterventionRow{State: r.str("state")}
		var err error
		if row.StartDate, err = r.date("start_date"); err != nil {
			return err
		}
		fields := []struct {
			name string
			dst  *float64
		}{
			{"intervention_time", &row.InterventionTime},
			{"intervention_rate", &row.InterventionRate},
			{"jump_time", &row.JumpTime},
			{"jump_magnitude", &row.JumpMagnitude},
			{"jump_decay", &row.JumpDecay},
			{"infection_rate", &row.InfectionRate},
		}
		for _, f := range fields {
			if *f.dst, err = r.float(f.name); err != nil {
				return err
			}
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func ReadTrajectories(in io.Reader) ([]model.TrajectoryRow, error) {
	var rows []model.TrajectoryRow
	err := readRecords(in, "trajectory", TrajectoryColumns, func(r record) error {
		row := model.TrajectoryRow{State: r.str("state")}
		var err error
		if row.Date, err = r.date("date"); err != nil {
			return err
		}
		if row.Susceptible, err = r.float("susceptible"); err != nil {
			return err
		}
		if row.Exposed, err = r.float("exposed"); err != nil {
			return err
		}
		if row.Infectious, err = r.float("infectious"); err != nil {
			return err
		}
		if row.Deceased, err = r.float("deceased"); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

// Files names the four CSV inputs of a derivation run.
type Files struct {
	Population    string `json:"population"`
	Clinical      string `json:"clinical"`
	Interventions string `json:"interventions"`
	Trajectories  string `json:"trajectories"`
}

type Set struct {
	Population    []model.PopulationRow   `json:"population"`
	Clinical      []model.ClinicalRow     `json:"clinical"`
	Interventions []model.InterventionRow `json:"interventions"`
	Trajectories  []model.TrajectoryRow   `json:"trajectories"`
}

// Empty reports whether the set holds no rows at all.
func (s Set) Empty() bool {
	return len(s.Population) == 0 && len(s.Clinical) == 0 && len(s.Interventions) == 0 && len(s.Trajectories) == 0
}

func ReadFiles(files Files) (Set, error) {
	var set Set
	var err error
	if set.Population, err = readFile(files.Population, ReadPopulation); err != nil {
		return Set{}, err
	}
	if set.Clinical, err = readFile(files.Clinical, ReadClinical); err != nil {
		return Set{}, err
	}
	if set.Interventions, err = readFile(files.Interventions, ReadInterventions); err != nil {
		return Set{}, err
	}
	if set.Trajectories, err = readFile(files.Trajectories, ReadTrajectories); err != nil {
		return Set{}, err
	}
	return set, nil
}

func readFile[T any](path string, read func(io.Reader) ([]T, error)) ([]T, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("table file path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}
