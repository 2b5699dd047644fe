package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/services"
	"github.com/oapi-codegen/runtime"
)

const (
	defaultLogTail    = 100
	defaultHealthTail = 20
)

// JobService is the job orchestration surface the HTTP layer drives.
type JobService interface {
	Submit(ctx context.Context, params domain.JobParams) (domain.View, error)
	Stream(ctx context.Context, id domain.JobID, replayFrom *int64, emit func(domain.Event) error) error
	Status(ctx context.Context, id domain.JobID, includeResult bool) (domain.View, error)
	Logs(id domain.JobID, tail int) ([]string, error)
	Health(withLogs bool, tail int) services.HealthReport
	Kill(ctx context.Context, id domain.JobID) (services.KillResult, error)
	KillAll(ctx context.Context) []domain.JobID
}

var _ JobService = (*services.JobLifecycle)(nil)

type Server struct {
	logger   *slog.Logger
	jobs     JobService
	version  string
	validate *validator.Validate
	requests *requestValidator
}

func NewServer(logger *slog.Logger, jobs JobService, version string) (*Server, error) {
	doc, err := LoadSpec(context.Background())
	if err != nil {
		return nil, err
	}
	requests, err := newRequestValidator(logger, doc)
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:   logger,
		jobs:     jobs,
		version:  version,
		validate: newValidator(),
		requests: requests,
	}, nil
}

// Handler returns the HTTP handler. Every request is checked against the
// embedded API document before routing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /transcribe", s.handleSubmit(domain.JobKindTranscribe))
	mux.HandleFunc("POST /summarize", s.handleSubmit(domain.JobKindSummarize))
	mux.HandleFunc("GET /subscribe/{id}", s.handleSubscribe)
	mux.HandleFunc("GET /status/{id}", s.handleStatus)
	mux.HandleFunc("GET /logs/{id}", s.handleLogs)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleKill)
	mux.HandleFunc("DELETE /jobs", s.handleKillAll)
	return s.requests.wrap(mux)
}

// handleSubmit admits a job and, unless ?stream=false, streams its events
// from the beginning.
// POST /transcribe, POST /summarize
func (s *Server) handleSubmit(kind domain.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeProblem(w, http.StatusBadRequest, validationProblem(err))
			return
		}
		stream, err := queryParam[bool](r, "stream")
		if err != nil {
			writeProblem(w, http.StatusBadRequest, err.Error())
			return
		}

		view, err := s.jobs.Submit(r.Context(), req.params(kind))
		if err != nil {
			s.writeError(w, err)
			return
		}

		if stream != nil && !*stream {
			writeJSON(w, http.StatusAccepted, submitResponse{JobID: view.ID, State: view.State})
			return
		}
		from := int64(0)
		s.stream(w, r, view.ID, &from)
	}
}

// handleSubscribe re-attaches to a live job. Without from_seq the whole
// retained history is replayed; a Last-Event-ID header resumes after the
// last event the client saw.
// GET /subscribe/{id}
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := queryParam[int64](r, "from_seq")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	if from == nil {
		start := int64(0)
		if last, err := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64); err == nil && last >= 0 {
			start = last + 1
		}
		from = &start
	}
	s.stream(w, r, id, from)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, id domain.JobID, from *int64) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	err := s.jobs.Stream(r.Context(), id, from, sse.Send)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case !sse.started:
		s.writeError(w, err)
	default:
		s.logger.Debug("event stream aborted", "job_id", id, "error", err)
	}
}

// GET /status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	include, err := queryParam[bool](r, "include_result")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := s.jobs.Status(r.Context(), id, include != nil && *include)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /logs/{id}
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	tail, err := queryParam[int](r, "tail")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	lines, err := s.jobs.Logs(id, valueOr(tail, defaultLogTail))
	if errors.Is(err, domain.ErrJobNotFound) {
		writeProblem(w, http.StatusNotFound, "No logs found for job")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{JobID: id, Lines: len(lines), Logs: lines})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	withLogs, err := queryParam[bool](r, "logs")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	tail, err := queryParam[int](r, "tail")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.jobs.Health(withLogs != nil && *withLogs, valueOr(tail, defaultHealthTail)))
}

// DELETE /jobs/{id}
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.jobs.Kill(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("kill requested", "job_id", id, "status", res.Status)
	writeJSON(w, http.StatusOK, res)
}

// DELETE /jobs
func (s *Server) handleKillAll(w http.ResponseWriter, r *http.Request) {
	killed := s.jobs.KillAll(r.Context())
	if killed == nil {
		killed = []domain.JobID{}
	}
	s.logger.Info("kill all requested", "count", len(killed))
	writeJSON(w, http.StatusOK, killAllResponse{Status: "killed", Killed: killed, Count: len(killed)})
}

// GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "scribed",
		"version": s.version,
		"endpoints": map[string]string{
			"POST /transcribe":        "Transcribe a video (SSE stream; ?stream=false returns the job id)",
			"POST /summarize":         "Transcribe and summarize a video (SSE stream; ?stream=false returns the job id)",
			"GET /subscribe/{job_id}": "Reconnect to a job's event stream (query: from_seq)",
			"GET /status/{job_id}":    "Job status (query: include_result=false)",
			"GET /logs/{job_id}":      "Job log lines (query: tail=100)",
			"GET /health":             "Active jobs (query: logs=false, tail=20)",
			"DELETE /jobs/{job_id}":   "Kill one job",
			"DELETE /jobs":            "Kill all active jobs",
		},
		"job_states": []domain.JobState{
			domain.JobStatePending,
			domain.JobStateQueued,
			domain.JobStateDownloading,
			domain.JobStateExtracting,
			domain.JobStateTranscribing,
			domain.JobStateSummarizing,
			domain.JobStateComplete,
			domain.JobStateError,
			domain.JobStateInterrupted,
		},
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		writeProblem(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, domain.ErrShuttingDown):
		writeProblem(w, http.StatusServiceUnavailable, "Server is shutting down")
	case errors.Is(err, domain.ErrInvalidSection), errors.Is(err, domain.ErrInvalidSourceURL):
		writeProblem(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeProblem(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(r *http.Request) (domain.JobID, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", fmt.Errorf("invalid job id: %w", err)
	}
	return domain.JobID(id), nil
}

// queryParam binds an optional form-style query parameter. A nil result
// means the parameter was absent.
func queryParam[T any](r *http.Request, name string) (*T, error) {
	var v *T
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), &v); err != nil {
		return nil, fmt.Errorf("invalid parameter %q: %w", name, err)
	}
	return v, nil
}

func valueOr[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
