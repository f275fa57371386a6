// delphictl derives DELPHI model parameters from population, clinical,
// intervention and trajectory tables.
//
// Usage:
//
//	delphictl derive --start-date 2020-03-01 --population pop.csv ...
//	delphictl vaccine --total-pop 1e6 --budget-pct 0.01
//	delphictl runs | show <run-id> | export --latest | serve
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"delphi/internal/api"
	"delphi/internal/model"
	"delphi/internal/params"
	"delphi/internal/storage"
	"delphi/internal/tables"
	"delphi/pkg/delphi"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "delphictl",
		Usage:   "Derive DELPHI epidemic model parameters",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"DELPHI_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "console",
				Usage:   "Log format (console, json)",
				EnvVars: []string{"DELPHI_LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "store",
				Value:   storage.DefaultStoreKind(),
				Usage:   "Run store backend (memory, sqlite)",
				EnvVars: []string{"DELPHI_STORE"},
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "delphi.db",
				Usage:   "SQLite database path",
				EnvVars: []string{"DELPHI_DB_PATH"},
			},
			&cli.StringFlag{
				Name:    "artifacts-dir",
				Value:   "runs",
				Usage:   "Directory for run artifacts",
				EnvVars: []string{"DELPHI_ARTIFACTS_DIR"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "JSON configuration file",
				EnvVars: []string{"DELPHI_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Concurrent mortality estimations (defaults to the CPU count)",
				EnvVars: []string{"DELPHI_WORKERS"},
			},
		},
		Commands: []*cli.Command{
			deriveCommand(),
			vaccineCommand(),
			runsCommand(),
			showCommand(),
			exportCommand(),
			serveCommand(),
		},
	}
}

func newLogger(c *cli.Context) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q", c.String("log-level"))
	}
	var out io.Writer = c.App.ErrWriter
	switch c.String("log-format") {
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Logger{}, fmt.Errorf("unsupported log format %q", c.String("log-format"))
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func newClient(c *cli.Context, logger zerolog.Logger) (*delphi.Client, error) {
	client, err := delphi.New(delphi.Options{
		StoreKind:    c.String("store"),
		DBPath:       c.String("db-path"),
		ArtifactsDir: c.String("artifacts-dir"),
		Logger:       &logger,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Init(c.Context); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// resolveConfig loads the config file and applies flag overrides.
func resolveConfig(c *cli.Context) (model.Config, error) {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return model.Config{}, err
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("n-timesteps") {
		cfg.NTimesteps = c.Int("n-timesteps")
	}
	if c.IsSet("policy") {
		cfg.EstimationPolicy = model.EstimationPolicy(c.String("policy"))
	}
	return cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// DERIVE COMMAND
// =============================================================================

func deriveCommand() *cli.Command {
	return &cli.Command{
		Name:  "derive",
		Usage: "Derive the full parameter set and record the run",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start-date", Usage: "Simulation start date (YYYY-MM-DD)", Required: true},
			&cli.StringFlag{Name: "population", Usage: "Population table (state, min_age, max_age, population)", Required: true},
			&cli.StringFlag{Name: "clinical", Usage: "Clinical aggregate table (min_age, max_age, cases, hospitalizations, deaths)", Required: true},
			&cli.StringFlag{Name: "interventions", Usage: "Fitted intervention parameters per region", Required: true},
			&cli.StringFlag{Name: "trajectories", Usage: "Compartment trajectories per region and date", Required: true},
			&cli.IntFlag{Name: "n-timesteps", Usage: "Override the number of simulation timesteps"},
			&cli.StringFlag{Name: "policy", Usage: "Estimation policy (fail_fast, best_effort)"},
			&cli.BoolFlag{Name: "json", Usage: "Print the run summary as JSON"},
		},
		Action: runDerive,
	}
}

func runDerive(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	startDate, err := time.Parse(tables.DateLayout, c.String("start-date"))
	if err != nil {
		return fmt.Errorf("invalid --start-date: %w", err)
	}
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}
	client, err := newClient(c, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Derive(c.Context, delphi.DeriveRequest{
		Config:    &cfg,
		StartDate: startDate,
		Files: tables.Files{
			Population:    c.String("population"),
			Clinical:      c.String("clinical"),
			Interventions: c.String("interventions"),
			Trajectories:  c.String("trajectories"),
		},
	})
	if err != nil {
		return err
	}

	out := c.App.Writer
	if c.Bool("json") {
		return writeJSON(out, map[string]any{
			"run_id":        summary.RunID,
			"artifacts_dir": summary.ArtifactsDir,
			"regions":       summary.Parameters.Regions,
			"failures":      summary.Failures,
		})
	}
	fmt.Fprintf(out, "run_id=%s regions=%d risk_classes=%d timesteps=%d artifacts=%s\n",
		summary.RunID,
		len(summary.Parameters.Regions),
		len(summary.Parameters.RiskClasses),
		cfg.NTimesteps,
		summary.ArtifactsDir,
	)
	for _, f := range summary.Failures {
		fmt.Fprintf(out, "estimation_failure region=%s error=%q\n", f.Region, f.Error)
	}
	return nil
}

// =============================================================================
// VACCINE COMMAND
// =============================================================================

func vaccineCommand() *cli.Command {
	return &cli.Command{
		Name:  "vaccine",
		Usage: "Build vaccine allocation parameters",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "total-pop", Usage: "Total population", Required: true},
			&cli.Float64Flag{Name: "effectiveness", Usage: "Vaccine effectiveness in [0,1]"},
			&cli.Float64Flag{Name: "budget-pct", Usage: "Per-timestep vaccine budget as a share of the population"},
			&cli.Float64Flag{Name: "max-allocation-pct", Value: 1, Usage: "Upper allocation bound per risk class"},
			&cli.Float64Flag{Name: "min-allocation-pct", Usage: "Lower allocation bound per risk class"},
			&cli.Float64Flag{Name: "max-decrease-pct", Usage: "Largest allowed decrease between timesteps"},
			&cli.Float64Flag{Name: "max-increase-pct", Usage: "Largest allowed increase between timesteps"},
			&cli.Float64Flag{Name: "max-capacity-pct", Usage: "Total capacity as a share of the population (defaults to the budget)"},
			&cli.BoolFlag{Name: "optimize-capacity", Usage: "Let the optimizer choose capacity"},
			&cli.IntSliceFlag{Name: "exclude", Usage: "Risk class index excluded from allocation (repeatable)"},
			&cli.IntFlag{Name: "n-timesteps", Usage: "Override the number of simulation timesteps"},
		},
		Action: runVaccine,
	}
}

func runVaccine(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}
	in := params.VaccineInputs{
		TotalPopulation:      c.Float64("total-pop"),
		VaccineEffectiveness: c.Float64("effectiveness"),
		VaccineBudgetPct:     c.Float64("budget-pct"),
		MaxAllocationPct:     c.Float64("max-allocation-pct"),
		MinAllocationPct:     c.Float64("min-allocation-pct"),
		MaxDecreasePct:       c.Float64("max-decrease-pct"),
		MaxIncreasePct:       c.Float64("max-increase-pct"),
		OptimizeCapacity:     c.Bool("optimize-capacity"),
		ExcludedRiskClasses:  c.IntSlice("exclude"),
	}
	if c.IsSet("max-capacity-pct") {
		v := c.Float64("max-capacity-pct")
		in.MaxTotalCapacityPct = &v
	}

	out, err := params.VaccineParams(cfg, in)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, out)
}

// =============================================================================
// RUN HISTORY COMMANDS
// =============================================================================

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "List recorded runs, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "Max runs to list"},
			&cli.BoolFlag{Name: "json", Usage: "Print runs as JSON"},
		},
		Action: runRuns,
	}
}

func runRuns(c *cli.Context) error {
	if c.Int("limit") <= 0 {
		return errors.New("limit must be > 0")
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	client, err := newClient(c, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	runs, err := client.Runs(c.Context, delphi.RunsRequest{Limit: c.Int("limit")})
	if err != nil {
		return err
	}
	out := c.App.Writer
	if c.Bool("json") {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs found")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(out, "run_id=%s created_at=%s start_date=%s regions=%d risk_classes=%d timesteps=%d failures=%d\n",
			r.RunID, r.CreatedAtUTC, r.StartDate, r.Regions, r.RiskClasses, r.NTimesteps, r.EstimationFailures)
	}
	return nil
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show a recorded run",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the full parameter set as JSON"},
		},
		Action: runShow,
	}
}

func runShow(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("show requires exactly one run id")
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	client, err := newClient(c, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	detail, err := client.Run(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	out := c.App.Writer
	if c.Bool("json") {
		return writeJSON(out, detail.Parameters)
	}

	fmt.Fprintf(out, "run_id=%s created_at=%s start_date=%s\n", detail.Record.ID, detail.Record.CreatedAtUTC, detail.Record.StartDate)
	fmt.Fprintf(out, "regions=%v\n", detail.Parameters.Regions)
	for _, rc := range detail.Parameters.RiskClasses {
		fmt.Fprintf(out, "risk_class name=%s min_age=%g max_age=%g\n", rc.Name, rc.MinAge, rc.MaxAge)
	}
	tensors := detail.Parameters.Tensors()
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "tensor name=%s shape=%v\n", name, tensors[name].Shape)
	}
	for _, f := range detail.Record.Failures {
		fmt.Fprintf(out, "estimation_failure region=%s error=%q\n", f.Region, f.Error)
	}
	return nil
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Copy a run's artifacts to an export directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run-id", Usage: "Run id"},
			&cli.BoolFlag{Name: "latest", Usage: "Export the most recent run from the run index"},
			&cli.StringFlag{Name: "out", Value: "exports", Usage: "Export output directory"},
		},
		Action: runExport,
	}
}

func runExport(c *cli.Context) error {
	client, err := delphi.New(delphi.Options{
		StoreKind:    "memory",
		ArtifactsDir: c.String("artifacts-dir"),
		ExportsDir:   c.String("out"),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	exported, err := client.Export(c.Context, delphi.ExportRequest{
		RunID:  c.String("run-id"),
		Latest: c.Bool("latest"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "HTTP port",
				EnvVars: []string{"DELPHI_PORT"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	client, err := newClient(c, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", c.Int("port")),
		Handler:      api.NewServer(client, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
