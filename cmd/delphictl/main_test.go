package main

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"delphi/internal/model"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"delphictl"}, args...))
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeInputTables(t *testing.T, dir string) []string {
	t.Helper()
	trajectories := "date,state,susceptible,exposed,infectious,deceased\n"
	for _, d := range []string{"2020-03-01", "2020-03-02", "2020-03-03", "2020-03-04"} {
		trajectories += d + ",CA,5000,100,40,2\n"
	}
	return []string{
		"--population", writeFile(t, dir, "population.csv", "state,min_age,max_age,population\nCA,0,49,3000\nCA,50,69,1500\nCA,70,inf,500\n"),
		"--clinical", writeFile(t, dir, "clinical.csv", "min_age,max_age,cases,hospitalizations,deaths\n0,49,1000,50,5\n50,69,500,150,50\n70,inf,200,100,40\n"),
		"--interventions", writeFile(t, dir, "interventions.csv", "state,start_date,intervention_time,intervention_rate,jump_time,jump_magnitude,jump_decay,infection_rate\nCA,2020-03-01,5,0.5,0,0,0,0.3\n"),
		"--trajectories", writeFile(t, dir, "trajectories.csv", trajectories),
	}
}

func TestDeriveThenExportLatest(t *testing.T) {
	dir := t.TempDir()
	artifactsDir := filepath.Join(dir, "runs")
	global := []string{"--store", "memory", "--artifacts-dir", artifactsDir, "--log-format", "json", "--workers", "1"}

	args := append(append([]string{}, global...), "derive", "--start-date", "2020-03-01", "--n-timesteps", "8", "--json")
	args = append(args, writeInputTables(t, dir)...)
	out, err := runApp(t, args...)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	var summary struct {
		RunID        string   `json:"run_id"`
		ArtifactsDir string   `json:"artifacts_dir"`
		Regions      []string `json:"regions"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode derive output %q: %v", out, err)
	}
	if summary.RunID == "" || len(summary.Regions) != 1 || summary.Regions[0] != "CA" {
		t.Fatalf("unexpected derive summary: %+v", summary)
	}
	if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, "tensors", "mortality_rate.csv")); err != nil {
		t.Fatalf("expected mortality tensor artifact: %v", err)
	}

	exportDir := filepath.Join(dir, "exports")
	out, err = runApp(t, append(append([]string{}, global...), "export", "--latest", "--out", exportDir)...)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "exported run_id="+summary.RunID) {
		t.Fatalf("unexpected export output: %q", out)
	}
	if _, err := os.Stat(filepath.Join(exportDir, summary.RunID, "parameters.json")); err != nil {
		t.Fatalf("expected exported parameters: %v", err)
	}
}

func TestDeriveRequiresTables(t *testing.T) {
	if _, err := runApp(t, "--store", "memory", "derive", "--start-date", "2020-03-01"); err == nil {
		t.Fatal("expected error for missing table flags")
	}
}

func TestDeriveRejectsBadStartDate(t *testing.T) {
	dir := t.TempDir()
	args := append([]string{"--store", "memory", "--artifacts-dir", filepath.Join(dir, "runs"), "derive", "--start-date", "March 1"}, writeInputTables(t, dir)...)
	_, err := runApp(t, args...)
	if err == nil || !strings.Contains(err.Error(), "start-date") {
		t.Fatalf("expected start date error, got %v", err)
	}
}

func TestVaccineCommandPrintsParameters(t *testing.T) {
	out, err := runApp(t, "vaccine",
		"--n-timesteps", "3",
		"--total-pop", "2000",
		"--effectiveness", "0.8",
		"--budget-pct", "0.05",
		"--max-capacity-pct", "0.01",
		"--exclude", "2",
	)
	if err == nil {
		t.Fatalf("expected capacity below budget to fail, got %s", out)
	}

	out, err = runApp(t, "vaccine",
		"--n-timesteps", "3",
		"--total-pop", "2000",
		"--budget-pct", "0.05",
		"--max-capacity-pct", "0",
	)
	if err != nil {
		t.Fatalf("vaccine with zero capacity: %v", err)
	}
	var fallback struct {
		MaxTotalCapacity float64 `json:"max_total_capacity"`
	}
	if err := json.Unmarshal([]byte(out), &fallback); err != nil {
		t.Fatalf("decode vaccine output: %v", err)
	}
	if fallback.MaxTotalCapacity != 100 {
		t.Fatalf("expected zero capacity to fall back to the budget share, got %v", fallback.MaxTotalCapacity)
	}

	out, err = runApp(t, "vaccine",
		"--n-timesteps", "3",
		"--total-pop", "2000",
		"--effectiveness", "0.8",
		"--budget-pct", "0.05",
		"--exclude", "2",
		"--exclude", "0",
	)
	if err != nil {
		t.Fatalf("vaccine: %v", err)
	}
	var got struct {
		VaccineBudget       []float64 `json:"vaccine_budget"`
		MaxTotalCapacity    float64   `json:"max_total_capacity"`
		ExcludedRiskClasses []int     `json:"excluded_risk_classes"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode vaccine output: %v", err)
	}
	if len(got.VaccineBudget) != 3 || got.VaccineBudget[0] != 100 || got.MaxTotalCapacity != 100 {
		t.Fatalf("unexpected budget: %+v", got)
	}
	if len(got.ExcludedRiskClasses) != 2 || got.ExcludedRiskClasses[0] != 2 || got.ExcludedRiskClasses[1] != 0 {
		t.Fatalf("unexpected excluded classes: %v", got.ExcludedRiskClasses)
	}
}

func TestRunsAndShowWithMemoryStore(t *testing.T) {
	out, err := runApp(t, "--store", "memory", "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if strings.TrimSpace(out) != "no runs found" {
		t.Fatalf("unexpected runs output: %q", out)
	}
	if _, err := runApp(t, "--store", "memory", "runs", "--limit", "0"); err == nil {
		t.Fatal("expected error for zero limit")
	}
	if _, err := runApp(t, "--store", "memory", "show", "missing"); err == nil {
		t.Fatal("expected error for unknown run")
	}
	if _, err := runApp(t, "--store", "memory", "show"); err == nil {
		t.Fatal("expected error without run id")
	}
}

func TestInvalidLogSettings(t *testing.T) {
	if _, err := runApp(t, "--store", "memory", "--log-level", "loud", "runs"); err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if _, err := runApp(t, "--store", "memory", "--log-format", "xml", "runs"); err == nil {
		t.Fatal("expected error for invalid log format")
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{
		"n_timesteps": 30,
		"days_per_timestep": 2,
		"estimation_policy": "fail_fast",
		"workers": 3,
		"median_unhospitalized_recovery_time": 12,
		"risk_classes": [
			{"name": "young", "min_age": 0, "max_age": 59},
			{"min_age": 60, "max_age": null},
			{"min_age": 80, "max_age": "inf"}
		]
	}`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NTimesteps != 30 || cfg.DaysPerTimestep != 2 || cfg.Workers != 3 {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	if cfg.EstimationPolicy != model.EstimationFailFast {
		t.Fatalf("unexpected policy: %s", cfg.EstimationPolicy)
	}
	if cfg.UnhospitalizedRecoveryTime() != 12 {
		t.Fatalf("expected explicit recovery time, got %f", cfg.UnhospitalizedRecoveryTime())
	}
	defaults := model.DefaultConfig()
	if cfg.MedianDetectionTime != defaults.MedianDetectionTime || cfg.MaxPctChange != defaults.MaxPctChange {
		t.Fatalf("expected untouched fields to keep defaults: %+v", cfg)
	}
	if len(cfg.RiskClasses) != 3 {
		t.Fatalf("expected three risk classes, got %d", len(cfg.RiskClasses))
	}
	if cfg.RiskClasses[0].Name != "young" || cfg.RiskClasses[0].MaxAge != 59 {
		t.Fatalf("unexpected first class: %+v", cfg.RiskClasses[0])
	}
	if cfg.RiskClasses[1].Name != "60+" || !math.IsInf(cfg.RiskClasses[1].MaxAge, 1) || !math.IsInf(cfg.RiskClasses[2].MaxAge, 1) {
		t.Fatalf("expected open bands: %+v", cfg.RiskClasses[1:])
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := loadConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := loadConfig(writeFile(t, dir, "bad.json", "{")); err == nil {
		t.Fatal("expected error for malformed json")
	}
	if _, err := loadConfig(writeFile(t, dir, "class.json", `{"risk_classes":[{"name":"x"}]}`)); err == nil {
		t.Fatal("expected error for risk class without min_age")
	}
	if _, err := loadConfig(writeFile(t, dir, "max.json", `{"risk_classes":[{"min_age":0,"max_age":"old"}]}`)); err == nil {
		t.Fatal("expected error for unsupported max_age")
	}
	cfg, err := loadConfig("")
	if err != nil || cfg.NTimesteps != model.DefaultConfig().NTimesteps {
		t.Fatalf("expected defaults without a config path, got %+v err=%v", cfg, err)
	}
}
