// Package api exposes the derivation pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"delphi/internal/model"
	"delphi/internal/params"
	"delphi/internal/tables"
	"delphi/pkg/delphi"
)

const maxRequestBytes = 32 << 20

type Server struct {
	client *delphi.Client
	logger zerolog.Logger
}

// DeriveRequest carries the four input tables as CSV text. Config fields
// left out of the payload keep their defaults.
type DeriveRequest struct {
	StartDate     string          `json:"start_date"`
	Config        json.RawMessage `json:"config,omitempty"`
	Population    string          `json:"population"`
	Clinical      string          `json:"clinical"`
	Interventions string          `json:"interventions"`
	Trajectories  string          `json:"trajectories"`
}

type DeriveResponse struct {
	RunID        string                `json:"run_id"`
	ArtifactsDir string                `json:"artifacts_dir"`
	Regions      []string              `json:"regions"`
	Failures     []model.RegionFailure `json:"failures"`
	Parameters   params.ParameterSet   `json:"parameters"`
}

type VaccineRequest struct {
	Config json.RawMessage      `json:"config,omitempty"`
	Inputs params.VaccineInputs `json:"inputs"`
}

type RunResponse struct {
	Record     model.RunRecord     `json:"record"`
	Parameters params.ParameterSet `json:"parameters"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Region string `json:"region,omitempty"`
}

// NewServer builds the router. The client is expected to be initialized by
// the caller.
func NewServer(client *delphi.Client, logger zerolog.Logger) http.Handler {
	s := &Server{client: client, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/derive", s.handleDerive)
		r.Post("/vaccine", s.handleVaccine)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDerive(w http.ResponseWriter, r *http.Request) {
	var req DeriveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	startDate, err := time.Parse(tables.DateLayout, req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ConfigErrorf("start_date must be %s", tables.DateLayout))
		return
	}
	cfg, err := configOverlay(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	set, err := readTables(req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	summary, err := s.client.Derive(r.Context(), delphi.DeriveRequest{
		Config:    &cfg,
		StartDate: startDate,
		Tables:    set,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("region", model.RegionOf(err)).Msg("derive failed")
		writeError(w, statusFor(err), err)
		return
	}

	failures := summary.Failures
	if failures == nil {
		failures = []model.RegionFailure{}
	}
	writeJSON(w, http.StatusCreated, DeriveResponse{
		RunID:        summary.RunID,
		ArtifactsDir: summary.ArtifactsDir,
		Regions:      summary.Parameters.Regions,
		Failures:     failures,
		Parameters:   summary.Parameters,
	})
}

func (s *Server) handleVaccine(w http.ResponseWriter, r *http.Request) {
	var req VaccineRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := configOverlay(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.client.Vaccine(r.Context(), delphi.VaccineRequest{Config: &cfg, Inputs: req.Inputs})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
	}
	runs, err := s.client.Runs(r.Context(), delphi.RunsRequest{Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := s.client.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Record: detail.Record, Parameters: detail.Parameters})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// configOverlay decodes raw over the default configuration.
func configOverlay(raw json.RawMessage) (model.Config, error) {
	cfg := model.DefaultConfig()
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return model.Config{}, model.ConfigErrorf("decode config: %v", err)
	}
	return cfg, nil
}

func readTables(req DeriveRequest) (tables.Set, error) {
	var (
		set tables.Set
		err error
	)
	if set.Population, err = tables.ReadPopulation(strings.NewReader(req.Population)); err != nil {
		return tables.Set{}, fmt.Errorf("population: %w", err)
	}
	if set.Clinical, err = tables.ReadClinical(strings.NewReader(req.Clinical)); err != nil {
		return tables.Set{}, fmt.Errorf("clinical: %w", err)
	}
	if set.Interventions, err = tables.ReadInterventions(strings.NewReader(req.Interventions)); err != nil {
		return tables.Set{}, fmt.Errorf("interventions: %w", err)
	}
	if set.Trajectories, err = tables.ReadTrajectories(strings.NewReader(req.Trajectories)); err != nil {
		return tables.Set{}, fmt.Errorf("trajectories: %w", err)
	}
	return set, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, delphi.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConfiguration), errors.Is(err, model.ErrDataShape):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrDegenerateInput), errors.Is(err, model.ErrEstimationFailure):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	for _, kind := range []error{model.ErrConfiguration, model.ErrDataShape, model.ErrDegenerateInput, model.ErrEstimationFailure} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{
		Error:  err.Error(),
		Kind:   errorKind(err),
		Region: model.RegionOf(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
