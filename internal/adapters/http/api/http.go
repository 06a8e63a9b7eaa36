// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/okian/saferide/internal/app"
	"github.com/okian/saferide/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Dependencies required by HTTP handlers. Each handler only sees the slice
// of it that it needs.
type Dependencies interface {
	VillageDependencies
	UserDependencies
	SessionDependencies
	CatalogDependencies
	CertificateDependencies
	StatsProvider
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	villageHandler     *VillageHandler
	userHandler        *UserHandler
	sessionHandler     *SessionHandler
	catalogHandler     *CatalogHandler
	certificateHandler *CertificateHandler

	writeLimiter *rate.Limiter
	logger       logger.Logger
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("api")
	}
	r := responder{logger: s.logger}
	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(deps)
	s.villageHandler = NewVillageHandler(deps, r)
	s.userHandler = NewUserHandler(deps, r)
	s.sessionHandler = NewSessionHandler(deps, r)
	s.catalogHandler = NewCatalogHandler(deps, r)
	s.certificateHandler = NewCertificateHandler(deps, r)
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	read := func(pattern, endpoint string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, MetricsMiddleware(h, endpoint))
	}
	write := func(pattern, endpoint string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, MetricsMiddleware(RateLimitMiddleware(h, s.writeLimiter, endpoint), endpoint))
	}

	read("GET /healthz", "healthz", s.healthHandler.HandleHealth)
	read("GET /stats", "stats", s.statsHandler.HandleStats)

	read("GET /villages", "villages", s.villageHandler.HandleList)
	read("GET /villages/ranking", "villages_ranking", s.villageHandler.HandleRanking)
	read("GET /villages/{id}", "village", s.villageHandler.HandleGet)
	write("POST /villages", "villages_create", s.villageHandler.HandleCreate)

	write("POST /users", "users_create", s.userHandler.HandleCreate)
	read("GET /users/{id}", "user", s.userHandler.HandleGet)

	write("POST /sessions", "sessions_create", s.sessionHandler.HandleCreate)
	read("GET /sessions/{id}", "session", s.sessionHandler.HandleGet)
	write("PATCH /sessions/{id}", "session_survey", s.sessionHandler.HandleSurvey)
	write("POST /sessions/{session_id}/quests/{quest_id}/attempts", "attempts", s.sessionHandler.HandleAttempt)

	read("GET /scenarios", "scenarios", s.catalogHandler.HandleListScenarios)
	read("GET /scenarios/{id}", "scenario", s.catalogHandler.HandleGetScenario)
	read("GET /quests/{id}", "quest", s.catalogHandler.HandleGetQuest)
	read("GET /sounddata/{id}", "sounddata", s.catalogHandler.HandleGetSound)

	read("GET /certificates", "certificates", s.certificateHandler.HandleList)
	write("POST /certificates", "certificates_create", s.certificateHandler.HandleCreate)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// responder turns service errors into HTTP responses.
type responder struct {
	logger logger.Logger
}

// writeServiceError maps the service's error kinds to status codes. Causes
// of 5xx responses are logged, not returned.
func (rs responder) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", Wrap(op, err))
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
	case errors.Is(err, app.ErrBackpressure):
		writeError(w, http.StatusTooManyRequests, "backpressure", NewKind(op, ErrBackpressure))
	case errors.Is(err, app.ErrStoreUnavailable):
		rs.logger.Error(r.Context(), "store unavailable", logger.String("op", op), logger.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", errors.New("record store unavailable"))
	case errors.Is(err, app.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "not_ready", Wrap(op, err))
	default:
		rs.logger.Error(r.Context(), "request failed", logger.String("op", op), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names in messages
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return describeValidation(err)
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
