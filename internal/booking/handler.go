package booking

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/autoledger/autoledger/internal/platform/httpx"
)

// Handler exposes read access to booked entries.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler returns the booking handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes attaches booking routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/bookings", h.list)
	r.Get("/bookings/{entryID}", h.get)
	r.Get("/runs/{runID}/booking", h.byPipeline)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	companyID, err := uuid.Parse(r.URL.Query().Get("company_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Company ID", "company_id query parameter required")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	entries, pagination, err := h.service.List(r.Context(), companyID, page, perPage)
	if err != nil {
		h.logger.Error("list bookings", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries":     entries,
		"page":        pagination.Page,
		"per_page":    pagination.PerPage,
		"total":       pagination.Total,
		"total_pages": pagination.TotalPages,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	entryID, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Entry ID", err.Error())
		return
	}
	entry, err := h.service.Get(r.Context(), entryID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "entry not found")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) byPipeline(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Run ID", err.Error())
		return
	}
	entry, err := h.service.ByPipeline(r.Context(), runID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no entry booked for run")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}
