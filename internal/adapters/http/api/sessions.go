package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/okian/saferide/internal/app"
	"github.com/okian/saferide/internal/domain/model"
)

// IdempotencyHeader carries a client-chosen key for attempt submissions.
const IdempotencyHeader = "Idempotency-Key"

// SessionDependencies defines the session and attempt operations the
// handlers need.
type SessionDependencies interface {
	CreateSession(ctx context.Context, in app.NewSession) (model.Session, error)
	GetSession(ctx context.Context, id string) (app.SessionView, error)
	UpdateSurvey(ctx context.Context, id string, upd model.SurveyUpdate) (model.Session, error)
	SubmitAttempt(ctx context.Context, in app.AttemptSubmission) (app.AttemptReceipt, error)
}

// SessionHandler handles session requests.
type SessionHandler struct {
	deps SessionDependencies
	responder
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(deps SessionDependencies, r responder) *SessionHandler {
	return &SessionHandler{deps: deps, responder: r}
}

type createSessionRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
	VillageID  string `json:"village_id"`
	UserID     string `json:"user_id"`
}

type createSessionResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type surveyRequest struct {
	FavoriteScene      *string `json:"favorite_scene" validate:"omitempty,max=200"`
	SatisfactionRating *int    `json:"satisfaction_rating" validate:"omitempty,gte=1,lte=5"`
}

type attemptRequest struct {
	AttemptNumber  int     `json:"attempt_number" validate:"gte=1"`
	ScoreAwarded   *int    `json:"score_awarded"`
	SelectedOption string  `json:"selected_option" validate:"max=200"`
	IsCorrect      bool    `json:"is_correct"`
	ResponseTime   float64 `json:"response_time" validate:"gte=0"`
}

// HandleCreate handles POST /sessions.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_session"
	var req createSessionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	sess, err := h.deps.CreateSession(r.Context(), app.NewSession{
		ScenarioID: req.ScenarioID,
		VillageID:  req.VillageID,
		UserID:     req.UserID,
	})
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{Message: "Session created", SessionID: sess.SessionID})
}

// HandleGet handles GET /sessions/{id}.
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_session"
	view, err := h.deps.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleSurvey handles PATCH /sessions/{id}.
func (h *SessionHandler) HandleSurvey(w http.ResponseWriter, r *http.Request) {
	const op = "api.update_survey"
	var req surveyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	upd := model.SurveyUpdate{FavoriteScene: req.FavoriteScene, SatisfactionRating: req.SatisfactionRating}
	if upd.Empty() {
		writeError(w, http.StatusBadRequest, "bad_request",
			WrapKind(op, ErrBadRequest, errors.New("favorite_scene or satisfaction_rating is required")))
		return
	}
	sess, err := h.deps.UpdateSurvey(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleAttempt handles POST /sessions/{session_id}/quests/{quest_id}/attempts.
// Accepted attempts are persisted asynchronously.
func (h *SessionHandler) HandleAttempt(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_attempt"
	var req attemptRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	receipt, err := h.deps.SubmitAttempt(r.Context(), app.AttemptSubmission{
		SessionID:      r.PathValue("session_id"),
		QuestID:        r.PathValue("quest_id"),
		AttemptNumber:  req.AttemptNumber,
		ClaimedScore:   req.ScoreAwarded,
		SelectedOption: req.SelectedOption,
		IsCorrect:      req.IsCorrect,
		ResponseTime:   req.ResponseTime,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	if receipt.Status == app.StatusDuplicate {
		writeJSON(w, http.StatusOK, receipt)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}
