package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"feedsync/internal/broker"
	"feedsync/internal/models"
	"feedsync/internal/projection"
	"feedsync/internal/scheduler"
	"feedsync/internal/store"
	"feedsync/internal/telemetry"
)

// Store is what the admin API reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.OutboxEntry, error)
	GetEntry(ctx context.Context, id string) (models.OutboxEntry, error)
	CountByStatus(ctx context.Context) (map[models.OutboxStatus]int64, error)
	GetBatch(ctx context.Context, id string) (models.FeedBatch, error)
	ListValidationErrors(ctx context.Context, batchID string) ([]models.ValidationError, error)
}

// OrgTree serves the cached organization hierarchy.
type OrgTree interface {
	Roots(ctx context.Context) ([]*projection.OrgNode, error)
}

// Limiter admits enqueue requests per tenant.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	store    Store
	triggers scheduler.TriggerStore
	orgTree  OrgTree
	dlq      broker.Inspector
	topic    string
	limiter  Limiter
	log      *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

func WithTriggers(t scheduler.TriggerStore) Option { return func(s *Server) { s.triggers = t } }

func WithOrgTree(o OrgTree) Option { return func(s *Server) { s.orgTree = o } }

// WithDLQ exposes the dead-letter topic of topic through GET /dlq.
func WithDLQ(i broker.Inspector, topic string) Option {
	return func(s *Server) {
		s.dlq = i
		s.topic = topic
	}
}

func WithLimiter(l Limiter) Option { return func(s *Server) { s.limiter = l } }

// New constructs the API server.
func New(st Store, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: st, log: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/outbox", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/stats", s.handleStats)
		r.Get("/{id}", s.handleGetEntry)
	})
	r.Get("/batches/{id}", s.handleGetBatch)
	r.Route("/triggers", func(r chi.Router) {
		r.Get("/", s.handleListTriggers)
		r.Get("/{jobId}", s.handleGetTrigger)
		r.Put("/{jobId}", s.handlePutTrigger)
	})
	r.Get("/org-tree", s.handleOrgTree)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	JobType     string          `json:"jobType"`
	Payload     json.RawMessage `json:"payload"`
	AvailableAt *time.Time      `json:"availableAt"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.JobType == "" {
		writeError(w, http.StatusBadRequest, "jobType is required")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if req.JobType == models.JobTypeFeedIngest {
		if err := checkIngestPayload(req.Payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", tenantFromRequest(r)))
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	params := store.EnqueueParams{JobType: req.JobType, Payload: req.Payload}
	if req.AvailableAt != nil {
		params.AvailableAt = *req.AvailableAt
	}
	entry, err := s.store.Enqueue(r.Context(), params)
	if errors.Is(err, store.ErrInvalidPayload) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("enqueue outbox entry", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	telemetry.OutboxEnqueued.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": entry.ID})
}

func checkIngestPayload(raw json.RawMessage) error {
	var p models.IngestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid ingest payload: %v", err)
	}
	if _, err := models.ParseFeedType(string(p.FeedType)); err != nil {
		return err
	}
	if p.SourceName == "" {
		return errors.New("sourceName is required")
	}
	if len(p.Content) == 0 && p.SourceURI == "" {
		return errors.New("content or sourceUri is required")
	}
	return nil
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	out := make(map[string]int64, len(counts))
	for _, st := range []models.OutboxStatus{models.OutboxPending, models.OutboxDispatching, models.OutboxDispatched, models.OutboxFailed} {
		out[string(st)] = counts[st]
		telemetry.OutboxStatusGauge.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	writeJSON(w, http.StatusOK, out)
}

type batchResponse struct {
	models.FeedBatch
	ValidationErrors []models.ValidationError `json:"validation_errors"`
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	batch, err := s.store.GetBatch(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	verrs, err := s.store.ListValidationErrors(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if verrs == nil {
		verrs = []models.ValidationError{}
	}
	writeJSON(w, http.StatusOK, batchResponse{FeedBatch: batch, ValidationErrors: verrs})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		writeError(w, http.StatusNotImplemented, "trigger source not configured")
		return
	}
	list, err := s.triggers.List(r.Context())
	if err != nil {
		s.log.Error("list triggers", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list triggers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		writeError(w, http.StatusNotImplemented, "trigger source not configured")
		return
	}
	jobID := chi.URLParam(r, "jobId")
	d, ok, err := s.triggers.Get(r.Context(), jobID)
	if err != nil {
		s.log.Error("read trigger", zap.String("job", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read trigger")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePutTrigger(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		writeError(w, http.StatusNotImplemented, "trigger source not configured")
		return
	}
	var d models.TriggerDescriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	d.JobID = chi.URLParam(r, "jobId")
	if err := scheduler.Validate(d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.triggers.Put(r.Context(), d); err != nil {
		if errors.Is(err, scheduler.ErrReadOnly) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error("write trigger", zap.String("job", d.JobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to write trigger")
		return
	}
	s.log.Info("trigger updated", zap.String("job", d.JobID), zap.Bool("enabled", d.Enabled), zap.String("schedule", d.Schedule))
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleOrgTree(w http.ResponseWriter, r *http.Request) {
	if s.orgTree == nil {
		writeError(w, http.StatusNotImplemented, "org tree projection not configured")
		return
	}
	roots, err := s.orgTree.Roots(r.Context())
	if err != nil {
		s.log.Error("org tree", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build org tree")
		return
	}
	if roots == nil {
		roots = []*projection.OrgNode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roots": roots})
}

type dlqItem struct {
	Key  string          `json:"key"`
	Body json.RawMessage `json:"body,omitempty"`
	Raw  string          `json:"raw,omitempty"`
}

// handleDLQ lists up to limit (default 100) dead-lettered messages.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeError(w, http.StatusNotImplemented, "broker does not support inspection")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	msgs, err := s.dlq.Peek(r.Context(), broker.DLQTopic(s.topic), limit)
	if err != nil {
		s.log.Error("peek dlq", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	items := make([]dlqItem, 0, len(msgs))
	for _, m := range msgs {
		item := dlqItem{Key: m.Key}
		if json.Valid(m.Body) {
			item.Body = m.Body
		} else {
			item.Raw = string(m.Body)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.log.Error("store request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
