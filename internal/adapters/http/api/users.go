package api

import (
	"context"
	"net/http"

	"github.com/okian/saferide/internal/app"
	"github.com/okian/saferide/internal/domain/model"
)

// UserDependencies defines the participant operations the handlers need.
type UserDependencies interface {
	CreateUser(ctx context.Context, in app.NewUser) (model.User, error)
	GetUser(ctx context.Context, id string) (model.User, error)
}

// UserHandler handles participant requests.
type UserHandler struct {
	deps UserDependencies
	responder
}

// NewUserHandler creates a new user handler.
func NewUserHandler(deps UserDependencies, r responder) *UserHandler {
	return &UserHandler{deps: deps, responder: r}
}

type createUserRequest struct {
	VillageID string `json:"village_id" validate:"required"`
	Name      string `json:"name" validate:"max=100"`
	Phone     string `json:"phone" validate:"max=32"`
	Age       int    `json:"age" validate:"gte=0,lte=150"`
	IsGuest   bool   `json:"is_guest"`
	SessionID string `json:"session_id"`
	Score     *int   `json:"score" validate:"omitempty,gte=0"`
}

// HandleCreate handles POST /users.
func (h *UserHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_user"
	var req createUserRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	u, err := h.deps.CreateUser(r.Context(), app.NewUser{
		VillageID: req.VillageID,
		Name:      req.Name,
		Phone:     req.Phone,
		Age:       req.Age,
		IsGuest:   req.IsGuest,
		SessionID: req.SessionID,
		Score:     req.Score,
	})
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// HandleGet handles GET /users/{id}.
func (h *UserHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_user"
	u, err := h.deps.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
