package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/MailerSuite/Final-sub004/internal/engine"
	"github.com/MailerSuite/Final-sub004/internal/export"
	"github.com/MailerSuite/Final-sub004/internal/models"
	"github.com/MailerSuite/Final-sub004/internal/parser"
	"github.com/MailerSuite/Final-sub004/internal/ratelimit"
	"github.com/MailerSuite/Final-sub004/internal/store"
	"github.com/MailerSuite/Final-sub004/internal/telemetry"
)

// maxUploadBytes bounds multipart credential uploads.
const maxUploadBytes = 32 << 20

// defaultPerPage pages result listings.
const (
	defaultPerPage = 100
	maxPerPage     = 1000
)

// Server wires HTTP handlers for the verification API.
type Server struct {
	orch     *engine.Orchestrator
	store    store.Store
	exporter *export.Exporter
	uploader export.Uploader
	limiter  ratelimit.Limiter
}

// New constructs the API server. uploader may be nil when no archive bucket
// is configured; limiter may be nil to disable the per-tenant create cap.
func New(orch *engine.Orchestrator, st store.Store, uploader export.Uploader, limiter ratelimit.Limiter) *Server {
	return &Server{
		orch:     orch,
		store:    st,
		exporter: export.New(st),
		uploader: uploader,
		limiter:  limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/proxies", s.handleProxies)

	r.Post("/jobs", s.handleCreate)
	r.Post("/jobs/upload", s.handleUpload)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/progress", s.handleProgress)
	r.Get("/jobs/{id}/results", s.handleResults)
	r.Get("/jobs/{id}/export", s.handleExport)
	r.Get("/jobs/{id}/stream", s.handleStream)

	r.Post("/jobs/{id}/start", s.lifecycle("start", s.orch.Start))
	r.Post("/jobs/{id}/pause", s.lifecycle("pause", s.orch.Pause))
	r.Post("/jobs/{id}/resume", s.lifecycle("resume", s.orch.Resume))
	r.Post("/jobs/{id}/stop", s.lifecycle("stop", s.orch.Stop))
	r.Post("/jobs/{id}/cancel", s.lifecycle("cancel", s.orch.Cancel))

	r.Post("/jobs/{id}/signals/blacklist", s.lifecycle("blacklist", s.orch.SignalBlacklist))
	r.Post("/jobs/{id}/signals/bounce", s.lifecycle("bounce", s.orch.SignalBounceSpike))

	return r
}

type createRequest struct {
	Credentials    string                `json:"credentials"`
	Config         models.JobConfig      `json:"config"`
	StopConditions models.StopConditions `json:"stop_conditions"`
}

type createResponse struct {
	Job      models.Job            `json:"job"`
	Rejected []models.RejectedLine `json:"rejected,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Credentials == "" {
		http.Error(w, "credentials is required", http.StatusBadRequest)
		return
	}
	s.create(w, r, []byte(req.Credentials), req.Config, req.StopConditions)
}

// handleUpload accepts the credential list as a multipart file plus optional
// config and stop_conditions JSON form fields.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("credentials")
	if err != nil {
		http.Error(w, "credentials file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	raw, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		http.Error(w, "read upload", http.StatusBadRequest)
		return
	}

	var cfg models.JobConfig
	if v := r.FormValue("config"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			http.Error(w, "invalid config json", http.StatusBadRequest)
			return
		}
	}
	var conds models.StopConditions
	if v := r.FormValue("stop_conditions"); v != "" {
		if err := json.Unmarshal([]byte(v), &conds); err != nil {
			http.Error(w, "invalid stop_conditions json", http.StatusBadRequest)
			return
		}
	}
	s.create(w, r, raw, cfg, conds)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, raw []byte, cfg models.JobConfig, conds models.StopConditions) {
	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", tenant))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, rejected, err := s.orch.Create(r.Context(), tenant, raw, cfg, conds)
	if err != nil {
		var tooLarge parser.ErrBatchTooLarge
		if errors.As(err, &tooLarge) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{Job: job, Rejected: rejected})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.orch.Jobs(r.Context(), tenantFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.orch.Job(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", defaultPerPage)
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > maxPerPage {
		perPage = defaultPerPage
	}

	results, err := s.store.ListResults(r.Context(), id, (page-1)*perPage, perPage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total, err := s.store.CountResults(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"page":     page,
		"per_page": perPage,
		"total":    total,
	})
}

// handleExport streams the result set as csv or json, or with upload=s3
// archives it to the configured bucket and returns the location.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.orch.Job(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = export.FormatCSV
	}
	contentType, err := export.ContentType(format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("upload") == "s3" {
		if s.uploader == nil {
			http.Error(w, "no archive uploader configured", http.StatusBadRequest)
			return
		}
		var buf bytes.Buffer
		if err := s.exporter.Write(r.Context(), &buf, id, format); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		key := fmt.Sprintf("exports/%s.%s", id, format)
		location, err := s.uploader.Upload(r.Context(), key, buf.Bytes(), contentType)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"location": location})
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"."+format))
	if err := s.exporter.Write(r.Context(), w, id, format); err != nil {
		// Headers are gone; the truncated body is the best signal left.
		return
	}
}

// handleStream upgrades to a websocket and forwards the job's live log
// events until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.orch.Job(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusInternalError, "stream aborted")

	events, cancel := s.orch.Logs().Subscribe(id)
	defer cancel()

	// CloseRead surfaces client disconnects as context cancellation on this
	// write-only stream.
	ctx := c.CloseRead(r.Context())
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if err := wsjson.Write(ctx, c, ev); err != nil {
				return
			}
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "client gone")
			return
		}
	}
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"proxies": s.orch.ProxyStatus()})
}

// lifecycle adapts an orchestrator transition into a POST handler.
func (s *Server) lifecycle(op string, fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		job, err := s.orch.Job(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// writeError maps engine errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ise *engine.InvalidStateError
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &ise):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
