package artifacts

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"

	"delphi/internal/model"
	"delphi/internal/params"
	"delphi/internal/tensor"
)

func filled(t *testing.T, v float64, shape ...int) tensor.Tensor {
	t.Helper()
	out, err := tensor.Scalar(v).BroadcastTo(shape...)
	if err != nil {
		t.Fatalf("broadcast %v: %v", shape, err)
	}
	return out
}

func testParameters(t *testing.T) params.ParameterSet {
	t.Helper()
	hosp, err := tensor.FromSlice([]float64{0.05, 0.3}, 1, 2, 1)
	if err != nil {
		t.Fatalf("hospitalization tensor: %v", err)
	}
	baseline, err := tensor.FromSlice([]float64{0.005, 0.1}, 2)
	if err != nil {
		t.Fatalf("baseline tensor: %v", err)
	}
	full := filled(t, 0.01, 2, 2, 3)
	initial := filled(t, 5, 2, 2, 1)
	return params.ParameterSet{
		Regions: []string{"NY", "NJ"},
		RiskClasses: []model.RiskClass{
			{Name: "0-49", MinAge: 0, MaxAge: 49},
			{Name: "50+", MinAge: 50, MaxAge: math.Inf(1)},
		},
		StartDate:                     "2020-03-01",
		InfectionRate:                 filled(t, 0.3, 2),
		PolicyResponse:                filled(t, 1, 2, 3),
		ProgressionRate:               tensor.Scalar(0.1),
		DetectionRate:                 tensor.Scalar(0.2),
		IHDTransitionRate:             full,
		IHRTransitionRate:             full,
		IQDTransitionRate:             full,
		IQRTransitionRate:             full,
		IUDTransitionRate:             full,
		IURTransitionRate:             full,
		HospitalizedDeathRate:         tensor.Scalar(0.03),
		UnhospitalizedDeathRate:       tensor.Scalar(0.03),
		HospitalizedRecoveryRate:      tensor.Scalar(0.04),
		UnhospitalizedRecoveryRate:    tensor.Scalar(0.03),
		MortalityRate:                 full,
		DaysPerTimestep:               tensor.Scalar(1),
		HospitalizationRate:           hosp,
		BaselineMortalityRate:         baseline,
		InitialSusceptible:            initial,
		InitialExposed:                initial,
		InitialInfectious:             initial,
		InitialHospitalizedDying:      initial,
		InitialHospitalizedRecovering: initial,
		InitialQuarantinedDying:       initial,
		InitialQuarantinedRecovering:  initial,
		InitialUndetectedDying:        initial,
		InitialUndetectedRecovering:   initial,
		InitialRecovered:              initial,
		Population:                    initial,
		Failures:                      []model.RegionFailure{{Region: "NJ", Error: "estimation failure"}},
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")
	runID := "run-123"

	runDir, err := WriteRunArtifacts(baseDir, RunArtifacts{
		Config:     RunConfig{RunID: runID, StartDate: "2020-03-01", Config: model.DefaultConfig()},
		Parameters: testParameters(t),
	})
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	files := []string{"config.json", "parameters.json", "failures.json", "tensors/mortality_rate.csv", "tensors/days_per_timestep.csv"}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read run config: ok=%t err=%v", ok, err)
	}
	if cfg.RunID != runID || !math.IsInf(cfg.Config.RiskClasses[2].MaxAge, 1) {
		t.Fatalf("unexpected run config: %+v", cfg)
	}

	set, ok, err := ReadParameters(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read parameters: ok=%t err=%v", ok, err)
	}
	if len(set.Regions) != 2 || set.MortalityRate.At(1, 1, 2) != 0.01 {
		t.Fatalf("unexpected parameters: %+v", set.MortalityRate)
	}

	failures, ok, err := ReadFailures(baseDir, runID)
	if err != nil || !ok || len(failures) != 1 || failures[0].Region != "NJ" {
		t.Fatalf("unexpected failures: ok=%t err=%v %+v", ok, err, failures)
	}

	if _, ok, err := ReadParameters(baseDir, "missing"); err != nil || ok {
		t.Fatalf("expected missing parameters, ok=%t err=%v", ok, err)
	}
}

func TestTensorCSVUsesLabels(t *testing.T) {
	baseDir := t.TempDir()
	runDir, err := WriteRunArtifacts(baseDir, RunArtifacts{
		Config:     RunConfig{RunID: "run-1"},
		Parameters: testParameters(t),
	})
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	records := readCSV(t, filepath.Join(runDir, "tensors", "mortality_rate.csv"))
	if len(records) != 1+2*2*3 {
		t.Fatalf("unexpected row count %d", len(records))
	}
	header := records[0]
	if len(header) != 4 || header[0] != "region" || header[1] != "risk_class" || header[2] != "timestep" || header[3] != "value" {
		t.Fatalf("unexpected header: %v", header)
	}
	last := records[len(records)-1]
	if last[0] != "NJ" || last[1] != "50+" || last[2] != "2" || last[3] != "0.01" {
		t.Fatalf("unexpected last row: %v", last)
	}

	baseline := readCSV(t, filepath.Join(runDir, "tensors", "baseline_mortality_rate.csv"))
	if baseline[0][0] != "risk_class" || baseline[2][0] != "50+" || baseline[2][1] != "0.1" {
		t.Fatalf("unexpected baseline rows: %v", baseline)
	}

	scalar := readCSV(t, filepath.Join(runDir, "tensors", "progression_rate.csv"))
	if len(scalar) != 2 || len(scalar[0]) != 1 || scalar[1][0] != "0.1" {
		t.Fatalf("unexpected scalar rows: %v", scalar)
	}
}

func TestRunIndexNewestFirst(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", CreatedAtUTC: "2024-01-01T00:00:00Z"},
		{RunID: "b", CreatedAtUTC: "2024-01-03T00:00:00Z"},
		{RunID: "c", CreatedAtUTC: "2024-01-02T00:00:00Z"},
		{RunID: "a", CreatedAtUTC: "2024-01-04T00:00:00Z"},
	}
	for _, entry := range entries {
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append %s: %v", entry.RunID, err)
		}
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 3 || index[0].RunID != "a" || index[1].RunID != "b" || index[2].RunID != "c" {
		t.Fatalf("unexpected index order: %+v", index)
	}

	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected error for missing run id")
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return records
}
