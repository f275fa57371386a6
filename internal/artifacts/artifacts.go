// Package artifacts writes derivation runs to disk: the full parameter set as
// JSON, one long-format CSV per tensor, the absorbed estimation failures, and
// a run index shared by every run under the same base directory.
package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"delphi/internal/model"
	"delphi/internal/params"
	"delphi/internal/tables"
	"delphi/internal/tensor"
)

const (
	runIndexFile   = "run_index.json"
	configFile     = "config.json"
	parametersFile = "parameters.json"
	failuresFile   = "failures.json"
	tensorsDir     = "tensors"
)

type RunConfig struct {
	RunID     string       `json:"run_id"`
	StartDate string       `json:"start_date"`
	Config    model.Config `json:"config"`
	Tables    tables.Files `json:"tables"`
}

type RunArtifacts struct {
	Config     RunConfig
	Parameters params.ParameterSet
}

type RunIndexEntry struct {
	RunID              string `json:"run_id"`
	StartDate          string `json:"start_date"`
	Regions            int    `json:"regions"`
	RiskClasses        int    `json:"risk_classes"`
	NTimesteps         int    `json:"n_timesteps"`
	EstimationPolicy   string `json:"estimation_policy"`
	EstimationFailures int    `json:"estimation_failures"`
	CreatedAtUTC       string `json:"created_at_utc"`
}

// axisNames overrides the default rank-based axis naming of a tensor.
var axisNames = map[string][]string{
	"baseline_mortality_rate": {"risk_class"},
}

var defaultAxes = map[int][]string{
	0: {},
	1: {"region"},
	2: {"region", "timestep"},
	3: {"region", "risk_class", "timestep"},
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(filepath.Join(runDir, tensorsDir), 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, parametersFile), artifacts.Parameters); err != nil {
		return "", err
	}
	failures := artifacts.Parameters.Failures
	if failures == nil {
		failures = []model.RegionFailure{}
	}
	if err := writeJSON(filepath.Join(runDir, failuresFile), failures); err != nil {
		return "", err
	}

	tensors := artifacts.Parameters.Tensors()
	for _, name := range artifacts.Parameters.TensorNames() {
		path := filepath.Join(runDir, tensorsDir, name+".csv")
		if err := writeTensorCSV(path, name, tensors[name], artifacts.Parameters); err != nil {
			return "", fmt.Errorf("write tensor %s: %w", name, err)
		}
	}
	return runDir, nil
}

// writeTensorCSV writes one row per element. Region and risk class axes are
// written as labels when their length matches the run's ordering.
func writeTensorCSV(path, name string, t tensor.Tensor, set params.ParameterSet) error {
	axes, ok := axisNames[name]
	if !ok {
		axes = defaultAxes[t.Rank()]
	}
	if len(axes) != t.Rank() {
		return fmt.Errorf("no axis names for rank %d", t.Rank())
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := append(append([]string{}, axes...), "value")
	if err := writer.Write(header); err != nil {
		return err
	}

	idx := make([]int, t.Rank())
	for i := 0; i < t.Len(); i++ {
		record := make([]string, 0, len(header))
		for axis, v := range idx {
			record = append(record, axisLabel(axes[axis], v, t.Shape[axis], set))
		}
		record = append(record, strconv.FormatFloat(t.Data[i], 'g', -1, 64))
		if err := writer.Write(record); err != nil {
			return err
		}
		for axis := len(idx) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < t.Shape[axis] {
				break
			}
			idx[axis] = 0
		}
	}
	writer.Flush()
	return writer.Error()
}

func axisLabel(axis string, i, size int, set params.ParameterSet) string {
	switch {
	case axis == "region" && size == len(set.Regions):
		return set.Regions[i]
	case axis == "risk_class" && size == len(set.RiskClasses) && set.RiskClasses[i].Name != "":
		return set.RiskClasses[i].Name
	}
	return strconv.Itoa(i)
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAtUTC > entries[j].CreatedAtUTC
	})
	return entries, nil
}

// ExportRunArtifacts copies every file of a run directory under outDir.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}
	dst := filepath.Join(outDir, runID)

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadParameters(baseDir, runID string) (params.ParameterSet, bool, error) {
	var set params.ParameterSet
	ok, err := readJSON(filepath.Join(baseDir, runID, parametersFile), &set)
	return set, ok, err
}

func ReadFailures(baseDir, runID string) ([]model.RegionFailure, bool, error) {
	var failures []model.RegionFailure
	ok, err := readJSON(filepath.Join(baseDir, runID, failuresFile), &failures)
	return failures, ok, err
}

func readJSON(path string, dst any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
