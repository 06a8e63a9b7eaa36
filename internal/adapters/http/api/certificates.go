package api

import (
	"context"
	"net/http"

	"github.com/okian/saferide/internal/app"
	"github.com/okian/saferide/internal/domain/model"
)

// CertificateDependencies defines the certificate operations.
type CertificateDependencies interface {
	CreateCertificate(ctx context.Context, in app.NewCertificate) (model.Certificate, error)
	ListCertificates(ctx context.Context) ([]model.Certificate, error)
}

// CertificateHandler handles certificate requests.
type CertificateHandler struct {
	deps CertificateDependencies
	responder
}

// NewCertificateHandler creates a new certificate handler.
func NewCertificateHandler(deps CertificateDependencies, r responder) *CertificateHandler {
	return &CertificateHandler{deps: deps, responder: r}
}

type createCertificateRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	SessionID   string `json:"session_id"`
	Name        string `json:"name" validate:"required,max=100"`
	VillageName string `json:"village_name" validate:"max=100"`
	Score       int    `json:"score" validate:"gte=0"`
}

type createCertificateResponse struct {
	Message       string `json:"message"`
	CertificateID string `json:"certificate_id"`
}

// HandleList handles GET /certificates.
func (h *CertificateHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	out, err := h.deps.ListCertificates(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "api.list_certificates", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCreate handles POST /certificates.
func (h *CertificateHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_certificate"
	var req createCertificateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	c, err := h.deps.CreateCertificate(r.Context(), app.NewCertificate{
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Name:        req.Name,
		VillageName: req.VillageName,
		Score:       req.Score,
	})
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, createCertificateResponse{Message: "Certificate created", CertificateID: c.CertificateID})
}
