// Package api exposes the prediction pipeline to a form front end over HTTP.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gdm-risk-service/internal/common/errors"
	"gdm-risk-service/internal/common/logger"
	"gdm-risk-service/internal/gdm/features"
	"gdm-risk-service/internal/gdm/persistence"
	"gdm-risk-service/internal/gdm/pipeline"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 64 << 10

type Runner interface {
	Run(ctx context.Context, raw features.RawInput) (*pipeline.Outcome, error)
}

type AuditReader interface {
	Lookup(ctx context.Context, id string) (*persistence.AuditRecord, error)
}

// ReadinessCheck is one dependency probed by /ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	runner   Runner
	audit    AuditReader
	options  features.FormOptions
	checks   []ReadinessCheck
	logger   logger.Logger
	mux      *http.ServeMux
	metrics  http.Handler
	readyTTL time.Duration
}

type ServerOptions struct {
	Runner      Runner
	Audit       AuditReader
	FormOptions features.FormOptions
	Readiness   []ReadinessCheck
	Logger      logger.Logger
	// Metrics defaults to the default prometheus registry handler.
	Metrics http.Handler
}

func NewServer(opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	s := &Server{
		runner:   opts.Runner,
		audit:    opts.Audit,
		options:  opts.FormOptions,
		checks:   opts.Readiness,
		logger:   log,
		mux:      http.NewServeMux(),
		metrics:  metrics,
		readyTTL: 2 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/v1/predictions", s.handlePredict)
	s.mux.HandleFunc("GET /api/v1/predictions/{id}/audit", s.handleAudit)
	s.mux.HandleFunc("GET /api/v1/form/options", s.handleFormOptions)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", s.metrics)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
		return
	}
	s.logger.Info("http request", map[string]interface{}{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     rec.status,
		"durationMs": time.Since(start).Milliseconds(),
	})
}

// PredictionResponse is the JSON body of a completed submission.
type PredictionResponse struct {
	SubmissionID string            `json:"submissionId"`
	State        string            `json:"state"`
	StudyID      string            `json:"studyId"`
	RiskLabel    string            `json:"riskLabel"`
	RiskCode     int               `json:"riskCode"`
	Probability  float64           `json:"probability"`
	Message      string            `json:"message"`
	Clinician    int               `json:"clinicianPrediction"`
	Persisted    bool              `json:"persisted"`
	PersistError *ErrorBody        `json:"persistError,omitempty"`
	AuditKey     string            `json:"auditKey,omitempty"`
	Artifact     *ArtifactResponse `json:"artifact,omitempty"`
}

type ArtifactResponse struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	CSV         string `json:"csv"`
}

type ErrorBody struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details string              `json:"details,omitempty"`
	Fields  []errors.FieldError `json:"fields,omitempty"`
}

type errorResponse struct {
	SubmissionID string    `json:"submissionId,omitempty"`
	State        string    `json:"state,omitempty"`
	Error        ErrorBody `json:"error"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var raw features.RawInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		s.writeError(w, "", "", errors.NewInputParsingError(err))
		return
	}

	out, err := s.runner.Run(r.Context(), raw)
	if err != nil {
		if out == nil {
			out = &pipeline.Outcome{}
		}
		s.writeError(w, out.SubmissionID, string(out.State), err)
		return
	}

	if wantsCSV(r) && out.Artifact != nil {
		s.writeArtifact(w, out)
		return
	}
	writeJSON(w, http.StatusOK, newPredictionResponse(out))
}

func newPredictionResponse(out *pipeline.Outcome) PredictionResponse {
	resp := PredictionResponse{
		SubmissionID: out.SubmissionID,
		State:        string(out.State),
		StudyID:      out.Identifier,
		RiskLabel:    out.Label.String(),
		RiskCode:     out.Label.Code(),
		Probability:  out.Probability,
		Message:      out.Label.Message(),
		Clinician:    out.Clinician,
		Persisted:    out.State == pipeline.StatePersisted,
	}
	if out.Receipt != nil {
		resp.AuditKey = out.Receipt.Key
	}
	if out.PersistErr != nil {
		body := toErrorBody(out.PersistErr)
		resp.PersistError = &body
	}
	if out.Artifact != nil {
		resp.Artifact = &ArtifactResponse{
			FileName:    out.Artifact.FileName,
			ContentType: out.Artifact.ContentType,
			CSV:         string(out.Artifact.Data),
		}
	}
	return resp
}

func (s *Server) writeArtifact(w http.ResponseWriter, out *pipeline.Outcome) {
	h := w.Header()
	h.Set("Content-Type", out.Artifact.ContentType)
	// non-ASCII names are sent as filename*=utf-8''...
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": out.Artifact.FileName})
	if disposition == "" {
		disposition = "attachment"
	}
	h.Set("Content-Disposition", disposition)
	h.Set("X-Submission-Id", out.SubmissionID)
	h.Set("X-Risk-Label", out.Label.String())
	h.Set("X-Persisted", strconv.FormatBool(out.State == pipeline.StatePersisted))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Artifact.Data)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, fe := features.CheckIdentifier(r.PathValue("id"))
	if fe != nil {
		s.writeError(w, "", "", errors.NewValidationError([]errors.FieldError{*fe}))
		return
	}

	rec, err := s.audit.Lookup(r.Context(), id)
	if err != nil {
		s.writeError(w, "", "", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFormOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.options)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.readyTTL)
	defer cancel()

	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Format(time.RFC3339),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) writeError(w http.ResponseWriter, submissionID, state string, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", map[string]interface{}{
			"submissionId": submissionID,
			"error":        err.Error(),
		})
	}
	writeJSON(w, status, errorResponse{
		SubmissionID: submissionID,
		State:        state,
		Error:        toErrorBody(err),
	})
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case stderrors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.HasCode(err, errors.ErrCodeInputParsingFailed):
		return http.StatusBadRequest
	case errors.HasCode(err, errors.ErrCodeValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsStorage(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toErrorBody(err error) ErrorBody {
	if stdErr, ok := errors.AsStandardError(err); ok {
		return ErrorBody{
			Code:    string(stdErr.Code),
			Message: stdErr.Message,
			Details: stdErr.Details,
			Fields:  stdErr.Fields,
		}
	}
	return ErrorBody{Code: "INTERNAL_ERROR", Message: err.Error()}
}

func wantsCSV(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/csv")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
