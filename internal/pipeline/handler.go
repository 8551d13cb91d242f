package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/autoledger/autoledger/internal/audit"
	"github.com/autoledger/autoledger/internal/platform/httpx"
	"github.com/autoledger/autoledger/internal/shared"
)

// TrailReader lists a run's audit records.
type TrailReader interface {
	ListByRun(ctx context.Context, runID uuid.UUID) ([]audit.Record, error)
}

// StatusCache keeps rendered run views close to polling clients.
type StatusCache interface {
	Get(ctx context.Context, id string) ([]byte, bool)
	Set(ctx context.Context, id string, view []byte)
	Invalidate(ctx context.Context, id string)
}

// IdempotencyPort deduplicates retried start requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler exposes the pipeline ingress over HTTP.
type Handler struct {
	service     *Service
	trail       TrailReader
	cache       StatusCache
	idempotency IdempotencyPort
	logger      *slog.Logger
	validate    *validator.Validate
}

// WithIdempotency installs an optional start-request deduplicator.
func (h *Handler) WithIdempotency(store IdempotencyPort) *Handler {
	h.idempotency = store
	return h
}

// WithStatusCache installs an optional run status cache.
func (h *Handler) WithStatusCache(cache StatusCache) *Handler {
	h.cache = cache
	return h
}

// NewHandler returns the pipeline handler. trail may be nil.
func NewHandler(logger *slog.Logger, service *Service, trail TrailReader) *Handler {
	return &Handler{service: service, trail: trail, logger: logger, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// MountRoutes attaches pipeline routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/runs", h.start)
	r.Get("/runs", h.list)
	r.Get("/runs/{runID}", h.get)
	r.Post("/runs/{runID}/clarification", h.clarify)
	r.Post("/runs/{runID}/cancel", h.cancel)
	r.Get("/runs/{runID}/audit", h.auditTrail)
}

type startRequest struct {
	CompanyID       string          `json:"company_id" validate:"required,uuid"`
	Actor           string          `json:"actor" validate:"required"`
	Country         string          `json:"country" validate:"required,iso3166_1_alpha2"`
	TransactionDate string          `json:"transaction_date" validate:"required,datetime=2006-01-02"`
	Series          string          `json:"series,omitempty"`
	ExtractionRef   string          `json:"extraction_ref,omitempty"`
	IntentRef       string          `json:"intent_ref,omitempty"`
	Extraction      jsonRawOptional `json:"extraction,omitempty"`
	Intent          jsonRawOptional `json:"intent,omitempty"`
}

type jsonRawOptional []byte

func (j *jsonRawOptional) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)
	return nil
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), idempotencyKey, "pipeline"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", "this request was already processed")
				return
			}
			httpx.RespondError(w, err)
			return
		}
	}
	companyID, _ := uuid.Parse(req.CompanyID)
	date, _ := time.Parse("2006-01-02", req.TransactionDate)
	runID, err := h.service.Start(r.Context(), StartInput{
		CompanyID:       companyID,
		Actor:           req.Actor,
		Country:         req.Country,
		TransactionDate: date,
		Series:          req.Series,
		ExtractionRef:   req.ExtractionRef,
		IntentRef:       req.IntentRef,
		Extraction:      []byte(req.Extraction),
		Intent:          []byte(req.Intent),
	})
	if err != nil {
		if idempotencyKey != "" && h.idempotency != nil {
			_ = h.idempotency.Delete(r.Context(), idempotencyKey)
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"run_id": runID.String()})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Run ID", err.Error())
		return
	}
	if h.cache != nil {
		if cached, ok := h.cache.Get(r.Context(), runID.String()); ok {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(cached)
			return
		}
	}
	run, err := h.service.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "run not found")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	view := runView(run)
	if h.cache != nil {
		if rendered, err := json.Marshal(view); err == nil {
			h.cache.Set(r.Context(), runID.String(), rendered)
		}
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	companyID, err := uuid.Parse(r.URL.Query().Get("company_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Company ID", "company_id query parameter required")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	runs, pagination, err := h.service.ListRuns(r.Context(), companyID, page, perPage)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		views = append(views, runView(run))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"runs":        views,
		"page":        pagination.Page,
		"per_page":    pagination.PerPage,
		"total":       pagination.Total,
		"total_pages": pagination.TotalPages,
	})
}

type clarifyRequest struct {
	SlotUpdates map[string]any `json:"slot_updates" validate:"required,min=1"`
	Actor       string         `json:"actor" validate:"required"`
}

func (h *Handler) clarify(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Run ID", err.Error())
		return
	}
	var req clarifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(r.Context(), runID.String())
	}
	if err := h.service.ProvideClarification(r.Context(), runID, req.SlotUpdates, req.Actor); err != nil {
		switch {
		case errors.Is(err, ErrRunNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "run not found")
		case errors.Is(err, ErrNotAwaitingClarification):
			httpx.Problem(w, http.StatusConflict, "Not Awaiting Clarification", err.Error())
		default:
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"run_id": runID.String()})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Run ID", err.Error())
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(r.Context(), runID.String())
	}
	if err := h.service.Cancel(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, ErrRunNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "run not found")
		case errors.Is(err, ErrRunTerminal):
			httpx.Problem(w, http.StatusConflict, "Run Terminal", err.Error())
		default:
			httpx.RespondError(w, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Run ID", err.Error())
		return
	}
	if h.trail == nil {
		httpx.JSON(w, http.StatusOK, []audit.Record{})
		return
	}
	records, err := h.trail.ListByRun(r.Context(), runID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httpx.JSON(w, http.StatusOK, records)
}

func runView(run Run) map[string]any {
	view := map[string]any{
		"id":               run.ID.String(),
		"company_id":       run.CompanyID.String(),
		"country":          run.Country,
		"transaction_date": run.TransactionDate.Format("2006-01-02"),
		"series":           run.Series,
		"state":            run.State,
		"current_step":     run.CurrentStep,
		"started_at":       run.StartedAt,
		"updated_at":       run.UpdatedAt,
	}
	if run.CompletedAt != nil {
		view["completed_at"] = run.CompletedAt
	}
	if run.Error != nil {
		view["error"] = run.Error
	}
	if run.JournalEntryID != nil {
		view["journal_entry_id"] = run.JournalEntryID.String()
	}
	if run.Payload.Proposal != nil {
		view["proposal"] = run.Payload.Proposal
	}
	if run.State == StateAwaitingClarification && run.Payload.Question != nil {
		view["question"] = run.Payload.Question
	}
	if run.Payload.Proposal != nil && len(run.Payload.Proposal.MissingRequired) > 0 {
		view["missing_required"] = run.Payload.Proposal.MissingRequired
	}
	return view
}
