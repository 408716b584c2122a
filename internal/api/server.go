package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
	"github.com/JakeFAU/divar-listing-bot/internal/metrics"
	"github.com/JakeFAU/divar-listing-bot/internal/pipeline"
	"github.com/JakeFAU/divar-listing-bot/internal/report"
)

// Submitter queues new scrape jobs.
type Submitter interface {
	Submit(ctx context.Context, url, source string) (pipeline.Job, error)
}

// Canceler stops running jobs.
type Canceler interface {
	Cancel(jobID string) bool
}

// Options configures the server.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
	// Ready reports whether downstream dependencies are usable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router    chi.Router
	jobs      pipeline.JobStore
	blobs     pipeline.BlobStore
	submitter Submitter
	canceler  Canceler
	opts      Options
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs pipeline.JobStore,
	blobs pipeline.BlobStore,
	submitter Submitter,
	canceler Canceler,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		jobs:      jobs,
		blobs:     blobs,
		submitter: submitter,
		canceler:  canceler,
		opts:      opts,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/scrapes", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/", s.submitScrape)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/listings", s.getListings)
			r.Get("/report", s.getReport)
			r.Post("/cancel", s.cancelJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	URL string `json:"url"`
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target, err := ValidateSearchURL(req.URL)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.submitter.Submit(r.Context(), target, pipeline.SourceAPI)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

type listingsResponse struct {
	Job      pipeline.Job      `json:"job"`
	Listings []listing.Listing `json:"listings"`
}

func (s *Server) getListings(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	rows, err := s.jobs.ListListings(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch listings")
		return
	}
	if rows == nil {
		rows = []listing.Listing{}
	}
	s.writeJSON(w, http.StatusOK, listingsResponse{Job: job, Listings: rows})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.ReportPath == "" {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job is %s and has no report", job.Status))
		return
	}
	data, err := s.blobs.GetObject(r.Context(), job.ReportPath)
	if errors.Is(err, pipeline.ErrObjectNotFound) {
		s.writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read report")
		return
	}
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write report failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status.Terminal() {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", job.Status))
		return
	}
	// Running jobs are marked canceled by the runner once their context ends.
	if s.canceler == nil || !s.canceler.Cancel(job.ID) {
		update := pipeline.JobUpdate{Status: pipeline.JobStatusCanceled, ErrorText: "canceled via API"}
		err := s.jobs.UpdateJob(r.Context(), job.ID, update)
		if errors.Is(err, pipeline.ErrJobTerminal) {
			s.writeError(w, http.StatusConflict, "job already finished")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(pipeline.JobStatusCanceled)})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (pipeline.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, pipeline.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return pipeline.Job{}, false
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return pipeline.Job{}, false
	}
	return job, true
}

// ValidateSearchURL accepts absolute http(s) URLs and returns them trimmed.
func ValidateSearchURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("url must include a host")
	}
	return raw, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
