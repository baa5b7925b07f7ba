// Package gateway is the HTTP intake: webhook enqueue with bearer-token
// auth, rate limiting, a payload size cap, job status, health, and
// Prometheus metrics.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/handleui/relay/internal/config"
	"github.com/handleui/relay/internal/metrics"
	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/queue"
)

// Server handles intake requests. Construct with New, mount Handler.
type Server struct {
	settings *config.Settings
	queue    *queue.Queue
	auth     *tokenAuth
	limiter  *rateLimiter
	validate *validator.Validate
	registry *prometheus.Registry
	log      *zap.Logger
}

// New builds the gateway server.
func New(settings *config.Settings, q *queue.Queue, log *zap.Logger) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(q, settings.ArtifactsRoot))

	return &Server{
		settings: settings,
		queue:    q,
		auth:     &tokenAuth{single: settings.WebhookToken, scoped: settings.WebhookTokens},
		limiter: newRateLimiter(
			time.Duration(settings.RateLimitWindowSec)*time.Second,
			settings.RateLimitMaxRequests,
		),
		validate: model.NewValidator(),
		registry: registry,
		log:      log,
	}
}

// Handler returns the chi router with every endpoint mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Post("/webhook", s.handleWebhook)
	r.Get("/jobs/{jobID}", s.handleJobStatus)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// webhookPayload is the accepted POST /webhook body.
type webhookPayload struct {
	Goal            string            `json:"goal" validate:"required,min=1,max=5000"`
	ProjectID       string            `json:"project_id"`
	Workdir         string            `json:"workdir"`
	CallbackURL     string            `json:"callback_url" validate:"omitempty,url"`
	Steps           []model.StepSpec  `json:"steps"`
	Policy          *model.PolicySpec `json:"policy"`
	Tags            []string          `json:"tags"`
	Metadata        map[string]any    `json:"metadata"`
	ContextWindow   []map[string]any  `json:"context_window"`
	ContextStrategy string            `json:"context_strategy" validate:"omitempty,oneof=full summarize sliding"`
	ArtifactHandoff string            `json:"artifact_handoff" validate:"omitempty,oneof=manual patch_first workspace_first"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing Authorization: Bearer <token>")
		return
	}
	scopes, valid := s.auth.authenticate(token)
	if !valid {
		writeError(w, http.StatusForbidden, "invalid token")
		return
	}
	if allowed, retryAfter := s.limiter.allow(token); !allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.settings.MaxWebhookBodyBytes)
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds size cap")
			return
		}
		writeError(w, http.StatusBadRequest, "payload must be a JSON object: "+err.Error())
		return
	}
	if err := s.validate.Struct(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if !projectAllowed(scopes, payload.ProjectID) {
		writeError(w, http.StatusForbidden, "token does not grant the requested project_id")
		return
	}

	job := s.buildJob(r, &payload)
	if err := s.validate.Struct(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job: "+err.Error())
		return
	}

	encoded, err := json.MarshalIndent(&job, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot encode job")
		return
	}
	state := queue.Pending
	responseStatus := "queued"
	if job.Policy.RequiresApproval {
		state = queue.AwaitingApproval
		responseStatus = "awaiting_approval"
	}
	if _, err := s.queue.Enqueue(encoded, state); err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			writeError(w, http.StatusConflict, "duplicate job")
			return
		}
		s.log.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cannot enqueue job")
		return
	}

	s.log.Info("job enqueued",
		zap.String("job_id", job.JobID),
		zap.String("state", string(state)),
		zap.String("project_id", job.ProjectID))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        responseStatus,
		"job_id":        job.JobID,
		"artifacts_dir": filepath.Join(s.settings.ArtifactsRoot, job.JobID),
		"status_url":    "/jobs/" + job.JobID,
	})
}

func (s *Server) buildJob(r *http.Request, payload *webhookPayload) model.JobSpec {
	job := model.NewJobSpec(payload.Goal)
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	job.Source = model.JobSource{Type: model.SourceWebhook, Meta: map[string]any{"remote": remote}}
	job.ProjectID = payload.ProjectID
	if payload.Workdir != "" {
		job.Workdir = payload.Workdir
	}
	job.CallbackURL = payload.CallbackURL
	job.Tags = payload.Tags
	job.Metadata = payload.Metadata
	job.ContextWindow = payload.ContextWindow
	if payload.ContextStrategy != "" {
		job.ContextStrategy = payload.ContextStrategy
	}
	job.ArtifactHandoff = s.settings.DefaultArtifactHandoff
	if payload.ArtifactHandoff != "" {
		job.ArtifactHandoff = payload.ArtifactHandoff
	}
	if payload.Policy != nil {
		job.Policy = *payload.Policy
		if job.Policy.Network == "" {
			job.Policy.Network = model.NetworkDeny
		}
	}
	if len(payload.Steps) > 0 {
		job.Steps = payload.Steps
		for i := range job.Steps {
			if job.Steps[i].TimeoutSec == 0 {
				job.Steps[i].TimeoutSec = 600
			}
			if job.Steps[i].OnFailure == "" {
				job.Steps[i].OnFailure = "stop"
			}
		}
	} else {
		job.Steps = model.DefaultPipeline(payload.Goal)
	}
	return job
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	queueState, inQueue := s.queue.QueueState(jobID)

	jobDir := filepath.Join(s.settings.ArtifactsRoot, jobID)
	stateDoc := readJSONFile(filepath.Join(jobDir, "state.json"))
	resultDoc := readJSONFile(filepath.Join(jobDir, "result.json"))

	if !inQueue && stateDoc == nil && resultDoc == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	status := "unknown"
	if stateDoc != nil {
		if v, ok := stateDoc["status"].(string); ok && v != "" {
			status = v
		}
	} else if inQueue {
		status = string(queueState)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":      jobID,
		"status":      status,
		"queue_state": string(queueState),
		"state":       stateDoc,
		"result":      resultDoc,
	})
}

func readJSONFile(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]any{"detail": detail})
}
