// Package handlers provides the HTTP handlers for the codelist API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wardle/codelists/internal/api/middleware"
	"github.com/wardle/codelists/internal/codelist"
	fhir "github.com/wardle/codelists/internal/fhir/r5"
	"github.com/wardle/codelists/internal/infrastructure/postgres"
	"github.com/wardle/codelists/internal/observability/metrics"
)

// statusClientClosedRequest is the non-standard nginx code reported when the
// client went away before the evaluation finished.
const statusClientClosedRequest = 499

// CodelistConfig wires the handler's collaborators. Jobs and AuditPool are
// optional: without a database the bulk-job endpoints answer 503 and audit
// recording is skipped.
type CodelistConfig struct {
	Evaluator  *codelist.Evaluator
	Classifier *codelist.Classifier
	Graph      codelist.Graph
	Jobs       *postgres.JobRepository
	AuditPool  *pgxpool.Pool
	AuditTopic string
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// CodelistHandler handles the codelist resolution endpoints.
type CodelistHandler struct {
	eval       *codelist.Evaluator
	cls        *codelist.Classifier
	graph      codelist.Graph
	jobs       *postgres.JobRepository
	auditPool  *pgxpool.Pool
	auditTopic string
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewCodelistHandler creates a new handler.
func NewCodelistHandler(cfg CodelistConfig) *CodelistHandler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &CodelistHandler{
		eval:       cfg.Evaluator,
		cls:        cfg.Classifier,
		graph:      cfg.Graph,
		jobs:       cfg.Jobs,
		auditPool:  cfg.AuditPool,
		auditTopic: cfg.AuditTopic,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("codelist-handler"),
	}
}

// Routes returns the handler routes.
func (h *CodelistHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/expand", h.Expand)
	r.Post("/match", h.Match)
	r.Post("/classify/icd10", h.ClassifyICD10)
	r.Post("/classify/atc", h.ClassifyATC)
	r.Post("/jobs", h.SubmitJob)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{jobID}", h.GetJob)
	return r
}

// ExpandRequest is the request body for resolving a specification.
type ExpandRequest struct {
	Spec         json.RawMessage `json:"spec"`
	IncludeTerms bool            `json:"include_terms,omitempty"`
}

// ConceptEntry pairs a concept identifier with its display term.
type ConceptEntry struct {
	ID   int64  `json:"id"`
	Term string `json:"term"`
}

// ExpandResponse is a resolved concept set stamped with the terminology
// release. Concepts holds bare identifiers, or ConceptEntry objects when
// terms were requested.
type ExpandResponse struct {
	Release  string      `json:"release,omitempty"`
	Count    int         `json:"count"`
	Concepts interface{} `json:"concepts"`
}

// Expand handles POST /codelists/expand.
func (h *CodelistHandler) Expand(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "expand_codelist")
	defer span.End()
	start := time.Now()

	var req ExpandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Spec) == 0 {
		h.respondError(w, r, "spec is required", http.StatusBadRequest)
		return
	}

	set, err := h.eval.EvaluateJSON(ctx, req.Spec)
	if err != nil {
		h.observeEvaluation(outcomeLabel(err), start, 0)
		h.writeError(w, r, err)
		return
	}
	ids := set.Slice()
	span.SetAttributes(attribute.Int("concept_count", len(ids)))
	h.observeEvaluation("success", start, len(ids))

	release, err := h.eval.Release(ctx)
	if err != nil {
		h.logger.Warn("release metadata unavailable", zap.Error(err))
	}
	h.audit(ctx, req.Spec, release, len(ids), start)

	if wantsFHIR(r) {
		h.writeExpansion(ctx, w, release, ids, req.IncludeTerms)
		return
	}

	resp := ExpandResponse{Release: release, Count: len(ids)}
	if req.IncludeTerms {
		entries := make([]ConceptEntry, 0, len(ids))
		for _, id := range ids {
			entries = append(entries, ConceptEntry{ID: id, Term: h.termFor(ctx, id)})
		}
		resp.Concepts = entries
	} else {
		resp.Concepts = ids
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// MatchRequest asks whether any of the identifiers satisfies the
// specification.
type MatchRequest struct {
	Spec       json.RawMessage `json:"spec"`
	ConceptIDs []int64         `json:"concept_ids"`
}

// MatchResponse reports the membership test outcome.
type MatchResponse struct {
	Matched bool   `json:"matched"`
	Release string `json:"release,omitempty"`
}

// Match handles POST /codelists/match.
func (h *CodelistHandler) Match(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "match_codelist")
	defer span.End()

	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Spec) == 0 {
		h.respondError(w, r, "spec is required", http.StatusBadRequest)
		return
	}

	expr, err := codelist.ParseSpec(req.Spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	matched, err := h.cls.AnyMatch(ctx, expr, req.ConceptIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.MatchesTotal.Inc()
	}
	span.SetAttributes(attribute.Bool("matched", matched))

	release, err := h.eval.Release(ctx)
	if err != nil {
		h.logger.Warn("release metadata unavailable", zap.Error(err))
	}
	h.writeJSON(w, http.StatusOK, MatchResponse{Matched: matched, Release: release})
}

// ClassifyRequest is the request body for reverse classification.
type ClassifyRequest struct {
	ConceptIDs []int64 `json:"concept_ids"`
}

// ClassifyResponse carries the classified codes, sorted and deduplicated.
type ClassifyResponse struct {
	Codes []string `json:"codes"`
}

// ClassifyICD10 handles POST /codelists/classify/icd10.
func (h *CodelistHandler) ClassifyICD10(w http.ResponseWriter, r *http.Request) {
	h.classify(w, r, "icd10", h.cls.ClassifyToIcd10)
}

// ClassifyATC handles POST /codelists/classify/atc.
func (h *CodelistHandler) ClassifyATC(w http.ResponseWriter, r *http.Request) {
	h.classify(w, r, "atc", h.cls.ClassifyToAtc)
}

func (h *CodelistHandler) classify(w http.ResponseWriter, r *http.Request, system string, fn func(context.Context, []int64) ([]string, error)) {
	ctx, span := h.tracer.Start(r.Context(), "classify_"+system)
	defer span.End()

	var req ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.ConceptIDs) == 0 {
		h.respondError(w, r, "concept_ids is required", http.StatusBadRequest)
		return
	}

	codes, err := fn(ctx, req.ConceptIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if codes == nil {
		codes = []string{}
	}
	if h.metrics != nil {
		h.metrics.ClassificationsTotal.WithLabelValues(system).Inc()
	}
	span.SetAttributes(attribute.Int("code_count", len(codes)))
	h.writeJSON(w, http.StatusOK, ClassifyResponse{Codes: codes})
}

// SubmitJobRequest queues specifications for asynchronous bulk resolution.
// Kind defaults to expand; a match job additionally needs the identifiers to
// test each specification against.
type SubmitJobRequest struct {
	Kind       string            `json:"kind,omitempty"`
	Specs      []json.RawMessage `json:"specs"`
	ConceptIDs []int64           `json:"concept_ids,omitempty"`
}

// SubmitJobResponse acknowledges a queued job.
type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// SubmitJob handles POST /codelists/jobs.
func (h *CodelistHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "submit_job")
	defer span.End()

	if h.jobs == nil {
		h.respondError(w, r, "bulk jobs are not configured", http.StatusServiceUnavailable)
		return
	}

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Specs) == 0 {
		h.respondError(w, r, "specs is required", http.StatusBadRequest)
		return
	}

	kind := postgres.JobKindExpand
	switch req.Kind {
	case "", string(postgres.JobKindExpand):
	case string(postgres.JobKindMatch):
		kind = postgres.JobKindMatch
		if len(req.ConceptIDs) == 0 {
			h.respondError(w, r, "concept_ids is required for match jobs", http.StatusBadRequest)
			return
		}
	default:
		h.respondError(w, r, "kind must be expand or match", http.StatusBadRequest)
		return
	}

	// Reject malformed specifications before queueing anything: a job that
	// cannot possibly succeed never reaches the worker.
	for i, spec := range req.Specs {
		if _, err := codelist.ParseSpec(spec); err != nil {
			h.respondError(w, r, "specs["+strconv.Itoa(i)+"]: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	specs, err := json.Marshal(req.Specs)
	if err != nil {
		h.respondError(w, r, "invalid specs", http.StatusBadRequest)
		return
	}
	job := &postgres.Job{Kind: kind, Spec: specs, Identifiers: req.ConceptIDs}
	if err := h.jobs.Enqueue(ctx, job); err != nil {
		h.logger.Error("job enqueue failed", zap.Error(err))
		h.respondError(w, r, "failed to queue job", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.String("job_id", job.ID))

	h.writeJSON(w, http.StatusAccepted, SubmitJobResponse{JobID: job.ID, Status: string(job.Status)})
}

// JobResponse is the wire form of a bulk job.
type JobResponse struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func toJobResponse(job *postgres.Job) JobResponse {
	resp := JobResponse{
		ID:          job.ID,
		Kind:        string(job.Kind),
		Status:      string(job.Status),
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
		Result:      job.Result,
	}
	if job.Error != nil {
		resp.Error = *job.Error
	}
	return resp
}

// GetJob handles GET /codelists/jobs/{jobID}.
func (h *CodelistHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.jobs == nil {
		h.respondError(w, r, "bulk jobs are not configured", http.StatusServiceUnavailable)
		return
	}

	job, err := h.jobs.Get(ctx, chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, postgres.ErrJobNotFound) {
			h.respondError(w, r, "job not found", http.StatusNotFound)
			return
		}
		h.logger.Error("job lookup failed", zap.Error(err))
		h.respondError(w, r, "failed to load job", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, toJobResponse(job))
}

// ListJobs handles GET /codelists/jobs.
func (h *CodelistHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.jobs == nil {
		h.respondError(w, r, "bulk jobs are not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	jobs, err := h.jobs.ListRecent(ctx, limit)
	if err != nil {
		h.logger.Error("job list failed", zap.Error(err))
		h.respondError(w, r, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out})
}

// Release handles GET /release, reporting the loaded terminology release.
func (h *CodelistHandler) Release(w http.ResponseWriter, r *http.Request) {
	release, err := h.eval.Release(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"release": release})
}

// writeExpansion renders the resolved set as a FHIR R5 ValueSet expansion.
func (h *CodelistHandler) writeExpansion(ctx context.Context, w http.ResponseWriter, release string, ids []int64, includeTerms bool) {
	contains := make([]fhir.ValueSetContains, 0, len(ids))
	for _, id := range ids {
		entry := fhir.ValueSetContains{
			System: fhir.SystemSNOMED,
			Code:   strconv.FormatInt(id, 10),
		}
		if includeTerms {
			entry.Display = h.termFor(ctx, id)
		}
		contains = append(contains, entry)
	}
	vs := fhir.NewExpansion("urn:uuid:"+uuid.NewString(), release, contains)

	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(vs)
}

// termFor looks up a display term, falling back to the empty string: terms
// decorate results and a missing one never fails the request.
func (h *CodelistHandler) termFor(ctx context.Context, id int64) string {
	term, err := h.graph.ConceptTerm(ctx, id)
	if err != nil {
		h.logger.Debug("term lookup failed", zap.Int64("concept_id", id), zap.Error(err))
		return ""
	}
	return term
}

// audit records a successful expansion for the audit trail. Failures are
// logged and swallowed: auditing never fails a request that already
// succeeded.
func (h *CodelistHandler) audit(ctx context.Context, spec json.RawMessage, release string, count int, start time.Time) {
	if h.auditPool == nil {
		return
	}
	event := postgres.AuditEvent{
		RequestID:   middleware.GetRequestID(ctx),
		ClientID:    middleware.GetClientID(ctx),
		Operation:   "expand",
		Spec:        spec,
		Release:     release,
		ResultCount: count,
		DurationMS:  time.Since(start).Milliseconds(),
		Outcome:     "success",
	}
	if err := postgres.WriteAuditEvent(ctx, h.auditPool, h.auditTopic, event); err != nil {
		h.logger.Error("audit write failed", zap.Error(err))
	}
}

func (h *CodelistHandler) observeEvaluation(outcome string, start time.Time, count int) {
	if h.metrics == nil {
		return
	}
	h.metrics.EvaluationsTotal.WithLabelValues(outcome).Inc()
	h.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	if outcome == "success" {
		h.metrics.ConceptsReturned.Observe(float64(count))
	}
}

// writeError maps an evaluation failure onto an HTTP status. Validation
// failures are the client's fault; collaborator failures are reported as a
// bad gateway so callers can tell them from bugs in this service.
func (h *CodelistHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *codelist.ValidationError
	var cerr *codelist.CollaboratorError
	switch {
	case errors.As(err, &verr):
		h.respondError(w, r, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled):
		h.respondError(w, r, "request cancelled", statusClientClosedRequest)
	case errors.Is(err, context.DeadlineExceeded):
		h.respondError(w, r, "evaluation timed out", http.StatusGatewayTimeout)
	case errors.As(err, &cerr):
		h.logger.Error("collaborator failure", zap.Error(err))
		h.respondError(w, r, "terminology service unavailable", http.StatusBadGateway)
	default:
		h.logger.Error("evaluation failed", zap.Error(err))
		h.respondError(w, r, "internal error", http.StatusInternalServerError)
	}
}

// respondError writes an error body, as a FHIR OperationOutcome when the
// caller asked for FHIR.
func (h *CodelistHandler) respondError(w http.ResponseWriter, r *http.Request, message string, code int) {
	if wantsFHIR(r) {
		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(fhir.NewErrorOutcome(issueCode(code), message))
		return
	}
	h.jsonError(w, message, code)
}

func (h *CodelistHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *CodelistHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func wantsFHIR(r *http.Request) bool {
	return r.URL.Query().Get("format") == "fhir"
}

// issueCode maps an HTTP status onto a FHIR issue type code.
func issueCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusNotFound:
		return "not-found"
	case http.StatusGatewayTimeout:
		return "timeout"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "transient"
	default:
		return "exception"
	}
}

func outcomeLabel(err error) string {
	var verr *codelist.ValidationError
	var cerr *codelist.CollaboratorError
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &cerr):
		return "collaborator"
	default:
		return "error"
	}
}
