package api

import (
	"context"
	"net/http"

	"github.com/okian/saferide/internal/domain/model"
)

// CatalogDependencies defines the reference data lookups.
type CatalogDependencies interface {
	ListScenarios(ctx context.Context) ([]model.Scenario, error)
	GetScenario(ctx context.Context, id string) (model.Scenario, error)
	GetQuest(ctx context.Context, id string) (model.Quest, error)
	GetSound(ctx context.Context, id string) (model.Sound, error)
}

// CatalogHandler serves scenarios, quests and sound data.
type CatalogHandler struct {
	deps CatalogDependencies
	responder
}

// NewCatalogHandler creates a new catalog handler.
func NewCatalogHandler(deps CatalogDependencies, r responder) *CatalogHandler {
	return &CatalogHandler{deps: deps, responder: r}
}

// HandleListScenarios handles GET /scenarios.
func (h *CatalogHandler) HandleListScenarios(w http.ResponseWriter, r *http.Request) {
	out, err := h.deps.ListScenarios(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "api.list_scenarios", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetScenario handles GET /scenarios/{id}.
func (h *CatalogHandler) HandleGetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := h.deps.GetScenario(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, "api.get_scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// HandleGetQuest handles GET /quests/{id}.
func (h *CatalogHandler) HandleGetQuest(w http.ResponseWriter, r *http.Request) {
	q, err := h.deps.GetQuest(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, "api.get_quest", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// HandleGetSound handles GET /sounddata/{id}.
func (h *CatalogHandler) HandleGetSound(w http.ResponseWriter, r *http.Request) {
	snd, err := h.deps.GetSound(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, "api.get_sound", err)
		return
	}
	writeJSON(w, http.StatusOK, snd)
}
