// Package delphi is the public entry point for deriving DELPHI model
// parameters and building vaccine allocation inputs.
package delphi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"delphi/internal/artifacts"
	"delphi/internal/model"
	"delphi/internal/mortality"
	"delphi/internal/params"
	"delphi/internal/storage"
	"delphi/internal/tables"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "delphi.db"

	// Fixed-width so that creation times sort lexically.
	createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var ErrRunNotFound = errors.New("run not found")

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *zerolog.Logger
	// Estimator overrides the default smoothed-ratio mortality estimator.
	Estimator mortality.Estimator
	Now       func() time.Time
}

type Client struct {
	store     storage.Store
	logger    zerolog.Logger
	estimator mortality.Estimator
	now       func() time.Time

	artifactsDir string
	exportsDir   string

	initOnce sync.Once
	initErr  error
}

type DeriveRequest struct {
	// Config defaults to model.DefaultConfig when nil.
	Config    *model.Config
	StartDate time.Time
	// Tables takes precedence over Files when it holds any rows.
	Tables tables.Set
	Files  tables.Files
}

type DeriveSummary struct {
	RunID        string
	ArtifactsDir string
	Parameters   params.ParameterSet
	Failures     []model.RegionFailure
}

type VaccineRequest struct {
	Config *model.Config
	Inputs params.VaccineInputs
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID              string `json:"run_id"`
	CreatedAtUTC       string `json:"created_at_utc"`
	StartDate          string `json:"start_date"`
	Regions            int    `json:"regions"`
	RiskClasses        int    `json:"risk_classes"`
	NTimesteps         int    `json:"n_timesteps"`
	EstimationFailures int    `json:"estimation_failures"`
}

type RunDetail struct {
	Record     model.RunRecord
	Parameters params.ParameterSet
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		logger:       logger,
		estimator:    opts.Estimator,
		now:          now,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.store.Init(ctx)
	})
	return c.initErr
}

// Derive runs the parameter pipeline, persists the run and writes its
// artifacts.
func (c *Client) Derive(ctx context.Context, req DeriveRequest) (DeriveSummary, error) {
	if err := c.Init(ctx); err != nil {
		return DeriveSummary{}, err
	}
	if req.StartDate.IsZero() {
		return DeriveSummary{}, model.ConfigErrorf("start date is required")
	}
	cfg := model.DefaultConfig()
	if req.Config != nil {
		cfg = *req.Config
	}

	set := req.Tables
	if set.Empty() {
		var err error
		if set, err = tables.ReadFiles(req.Files); err != nil {
			return DeriveSummary{}, err
		}
	}

	runID := uuid.NewString()
	logger := c.logger.With().Str("run_id", runID).Logger()
	logger.Info().Str("start_date", req.StartDate.Format(tables.DateLayout)).Msg("deriving parameters")

	parameters, err := params.DelphiParams(ctx, params.Inputs{
		Config:        cfg,
		StartDate:     req.StartDate,
		Population:    set.Population,
		Clinical:      set.Clinical,
		Interventions: set.Interventions,
		Trajectories:  set.Trajectories,
		Estimator:     c.estimator,
		Logger:        logger,
	})
	if err != nil {
		return DeriveSummary{}, err
	}

	encoded, err := json.Marshal(parameters)
	if err != nil {
		return DeriveSummary{}, fmt.Errorf("encode parameters: %w", err)
	}
	createdAt := c.now().UTC().Format(createdAtLayout)
	record := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              runID,
		CreatedAtUTC:    createdAt,
		StartDate:       parameters.StartDate,
		Regions:         parameters.Regions,
		RiskClasses:     parameters.RiskClasses,
		NTimesteps:      cfg.NTimesteps,
		Failures:        parameters.Failures,
		Parameters:      encoded,
	}
	if err := c.store.SaveRun(ctx, record); err != nil {
		return DeriveSummary{}, fmt.Errorf("save run: %w", err)
	}

	runDir, err := artifacts.WriteRunArtifacts(c.artifactsDir, artifacts.RunArtifacts{
		Config: artifacts.RunConfig{
			RunID:     runID,
			StartDate: parameters.StartDate,
			Config:    cfg,
			Tables:    req.Files,
		},
		Parameters: parameters,
	})
	if err != nil {
		return DeriveSummary{}, fmt.Errorf("write artifacts: %w", err)
	}
	if err := artifacts.AppendRunIndex(c.artifactsDir, artifacts.RunIndexEntry{
		RunID:              runID,
		StartDate:          parameters.StartDate,
		Regions:            len(parameters.Regions),
		RiskClasses:        len(parameters.RiskClasses),
		NTimesteps:         cfg.NTimesteps,
		EstimationPolicy:   string(cfg.EstimationPolicy),
		EstimationFailures: len(parameters.Failures),
		CreatedAtUTC:       createdAt,
	}); err != nil {
		return DeriveSummary{}, fmt.Errorf("append run index: %w", err)
	}

	logger.Info().Str("artifacts_dir", runDir).Int("estimation_failures", len(parameters.Failures)).Msg("run complete")
	return DeriveSummary{
		RunID:        runID,
		ArtifactsDir: runDir,
		Parameters:   parameters,
		Failures:     parameters.Failures,
	}, nil
}

func (c *Client) Vaccine(_ context.Context, req VaccineRequest) (params.VaccineParameters, error) {
	cfg := model.DefaultConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	return params.VaccineParams(cfg, req.Inputs)
}

// Runs lists persisted runs, newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}

	records, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]RunItem, 0, req.Limit)
	for i := len(records) - 1; i >= 0 && len(out) < req.Limit; i-- {
		r := records[i]
		out = append(out, RunItem{
			RunID:              r.ID,
			CreatedAtUTC:       r.CreatedAtUTC,
			StartDate:          r.StartDate,
			Regions:            len(r.Regions),
			RiskClasses:        len(r.RiskClasses),
			NTimesteps:         r.NTimesteps,
			EstimationFailures: len(r.Failures),
		})
	}
	return out, nil
}

func (c *Client) Run(ctx context.Context, runID string) (RunDetail, error) {
	if err := c.Init(ctx); err != nil {
		return RunDetail{}, err
	}
	record, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	if !ok {
		return c.runFromArtifacts(runID)
	}
	var parameters params.ParameterSet
	if err := json.Unmarshal(record.Parameters, &parameters); err != nil {
		return RunDetail{}, fmt.Errorf("decode parameters of run %s: %w", runID, err)
	}
	return RunDetail{Record: record, Parameters: parameters}, nil
}

// runFromArtifacts rebuilds a run detail from the run directory, for runs
// derived by another process against a non-persistent store.
func (c *Client) runFromArtifacts(runID string) (RunDetail, error) {
	cfg, ok, err := artifacts.ReadRunConfig(c.artifactsDir, runID)
	if err != nil {
		return RunDetail{}, fmt.Errorf("read config of run %s: %w", runID, err)
	}
	if !ok {
		return RunDetail{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	parameters, ok, err := artifacts.ReadParameters(c.artifactsDir, runID)
	if err != nil {
		return RunDetail{}, fmt.Errorf("read parameters of run %s: %w", runID, err)
	}
	if !ok {
		return RunDetail{}, fmt.Errorf("%w: %s has no parameters", ErrRunNotFound, runID)
	}
	failures, _, err := artifacts.ReadFailures(c.artifactsDir, runID)
	if err != nil {
		return RunDetail{}, fmt.Errorf("read failures of run %s: %w", runID, err)
	}
	encoded, err := json.Marshal(parameters)
	if err != nil {
		return RunDetail{}, fmt.Errorf("encode parameters: %w", err)
	}

	record := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              runID,
		StartDate:       cfg.StartDate,
		Regions:         parameters.Regions,
		RiskClasses:     parameters.RiskClasses,
		NTimesteps:      cfg.Config.NTimesteps,
		Failures:        failures,
		Parameters:      encoded,
	}
	entries, err := artifacts.ListRunIndex(c.artifactsDir)
	if err != nil {
		return RunDetail{}, err
	}
	for _, e := range entries {
		if e.RunID == runID {
			record.CreatedAtUTC = e.CreatedAtUTC
			break
		}
	}
	return RunDetail{Record: record, Parameters: parameters}, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := artifacts.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := artifacts.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}
