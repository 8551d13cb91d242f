package migration

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autoledger/autoledger/internal/platform/httpx"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

// PersistPort stores migrated policy documents for the next load.
// The in-memory store stays immutable; migrations become selectable
// after a reload.
type PersistPort interface {
	Save(ctx context.Context, p policy.Policy) error
}

// Handler exposes policy migration over HTTP.
type Handler struct {
	service *Service
	store   *policy.Store
	persist PersistPort
	logger  *slog.Logger
}

// NewHandler returns the migration handler. persist may be nil for a
// dry-run only deployment.
func NewHandler(logger *slog.Logger, service *Service, store *policy.Store, persist PersistPort) *Handler {
	return &Handler{service: service, store: store, persist: persist, logger: logger}
}

// MountRoutes attaches migration routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/policies/{policyID}/migrate", h.migrate)
}

func (h *Handler) migrate(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		httpx.Problem(w, http.StatusBadRequest, "Missing Target", "target query parameter required")
		return
	}
	p, err := h.store.Get(chi.URLParam(r, "policyID"))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "policy not found")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	migrated, err := h.service.Migrate(p, target)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	dryRun := r.URL.Query().Get("dry_run") == "true"
	if !dryRun && h.persist != nil {
		if err := h.persist.Save(r.Context(), migrated); err != nil {
			h.logger.Error("persist migrated policy", slog.String("policy", migrated.ID), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}
	httpx.JSON(w, http.StatusOK, migrated)
}
