package policy

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/autoledger/autoledger/internal/platform/httpx"
	"github.com/autoledger/autoledger/internal/shared"
)

// Handler exposes read access to the loaded policy set.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler returns the policy handler.
func NewHandler(logger *slog.Logger, store *Store) *Handler {
	return &Handler{store: store, logger: logger}
}

// MountRoutes attaches policy routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/policies", h.list)
	r.Get("/policies/{policyID}", h.get)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	var d time.Time
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Date", err.Error())
			return
		}
		d = parsed
	}
	var out []Policy
	for _, p := range h.store.All() {
		if country != "" && p.Country != country {
			continue
		}
		if !d.IsZero() && !p.EffectiveOn(d) {
			continue
		}
		out = append(out, p)
	}
	if out == nil {
		out = []Policy{}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Get(chi.URLParam(r, "policyID"))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "policy not found")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}
