package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/okian/saferide/internal/domain/model"
	"github.com/okian/saferide/internal/domain/ranking"
)

// VillageDependencies defines the village operations the handlers need.
type VillageDependencies interface {
	ListVillages(ctx context.Context) ([]model.Village, error)
	GetVillage(ctx context.Context, id string) (model.Village, error)
	CreateVillage(ctx context.Context, name string) (model.Village, bool, error)
	VillageRanking(ctx context.Context, limit int) ([]ranking.Entry, error)
}

// VillageHandler handles village requests.
type VillageHandler struct {
	deps VillageDependencies
	responder
}

// NewVillageHandler creates a new village handler.
func NewVillageHandler(deps VillageDependencies, r responder) *VillageHandler {
	return &VillageHandler{deps: deps, responder: r}
}

type createVillageRequest struct {
	VillageName string `json:"village_name" validate:"required,max=100"`
}

type villageResponse struct {
	Message string `json:"message"`
	model.Village
}

// HandleList handles GET /villages.
func (h *VillageHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_villages"
	villages, err := h.deps.ListVillages(r.Context())
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, villages)
}

// HandleGet handles GET /villages/{id}.
func (h *VillageHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_village"
	v, err := h.deps.GetVillage(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// HandleCreate handles POST /villages. Creating a name that already exists
// returns the existing village with 200.
func (h *VillageHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_village"
	var req createVillageRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	v, created, err := h.deps.CreateVillage(r.Context(), req.VillageName)
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, villageResponse{Message: "Village already exists", Village: v})
		return
	}
	writeJSON(w, http.StatusCreated, villageResponse{Message: "Village created", Village: v})
}

// HandleRanking handles GET /villages/ranking[?limit=N]. Without a limit
// every ranked village is returned.
func (h *VillageHandler) HandleRanking(w http.ResponseWriter, r *http.Request) {
	const op = "api.village_ranking"
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request",
				WrapKind(op, ErrBadRequest, errors.New("limit must be a non-negative integer")))
			return
		}
		limit = n
	}
	entries, err := h.deps.VillageRanking(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
