package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"

	"mihome/internal/auth/models"
	"mihome/internal/auth/service"
	"mihome/pkg/platform/httputil"
	"mihome/pkg/platform/qrimage"
)

// AuthService is what the auth routes need from the login service.
type AuthService interface {
	CreateSession(ctx context.Context) (*models.LoginSession, error)
	PollStatus(ctx context.Context, id string) (*service.PollResult, error)
	PasswordLogin(ctx context.Context, username, password string) (*models.LoginSession, error)
}

// AuthHandler serves the login endpoints.
type AuthHandler struct {
	auth   AuthService
	logger *slog.Logger
}

func NewAuthHandler(auth AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

// Register mounts the auth routes.
func (h *AuthHandler) Register(r chi.Router) {
	r.Post("/auth/qr", h.createQR)
	r.Get("/auth/qr", h.qrStatus)
	r.Post("/auth/login", h.login)
}

type qrCodeResponse struct {
	QRImage   string `json:"qrImage"`
	QRID      string `json:"qrId"`
	ExpiresAt int64  `json:"expiresAt"`
	LoginURL  string `json:"loginUrl"`
	IsDemo    bool   `json:"isDemo"`
}

func (h *AuthHandler) createQR(w http.ResponseWriter, r *http.Request) {
	session, err := h.auth.CreateSession(r.Context())
	if err != nil {
		h.logger.Error("creating qr session failed", "error", err)
		httputil.WriteError(w, err)
		return
	}

	img, err := qrimage.DataURL(session.LoginURL, qrimage.DefaultSize)
	if err != nil {
		h.logger.Error("rendering qr image failed", "session_id", session.ID, "error", err)
		httputil.WriteFailure(w, http.StatusInternalServerError, "could not render qr code")
		return
	}

	httputil.WriteSuccess(w, qrCodeResponse{
		QRImage:   img,
		QRID:      session.ID,
		ExpiresAt: session.ExpiresAt.UnixMilli(),
		LoginURL:  session.LoginURL,
		IsDemo:    false,
	})
}

func (h *AuthHandler) qrStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("qr_id")
	if id == "" {
		httputil.WriteFailure(w, http.StatusBadRequest, "qr_id is required")
		return
	}

	result, err := h.auth.PollStatus(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

type loginRequest struct {
	Username string `json:"username" valid:"required,stringlength(1|128)"`
	Password string `json:"password" valid:"required,stringlength(1|128)"`
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		httputil.WriteFailure(w, http.StatusBadRequest, "username and password are required")
		return
	}

	session, err := h.auth.PasswordLogin(r.Context(), req.Username, req.Password)
	if err != nil {
		h.logger.Warn("password login failed", "username", req.Username, "error", err)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteSuccess(w, service.PollResult{
		Status:      session.Status,
		Token:       session.AuthToken,
		User:        session.User,
		AccessToken: session.AccessToken,
	})
}
