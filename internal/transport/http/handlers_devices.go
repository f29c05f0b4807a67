package httptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mihome/internal/auth/store"
	"mihome/internal/jwt_token"
	"mihome/internal/mijia"
	"mihome/internal/mijia/sign"
	"mihome/pkg/platform/audit"
	"mihome/pkg/platform/httputil"
	"mihome/pkg/platform/sentinel"
)

// DeviceAPI is what the device routes need from the cloud client.
type DeviceAPI interface {
	Devices(ctx context.Context, creds sign.Credentials) ([]mijia.Device, error)
	Homes(ctx context.Context, creds sign.Credentials) ([]mijia.Home, error)
	Scenes(ctx context.Context, creds sign.Credentials, homeID string) ([]mijia.Scene, error)
	RunScene(ctx context.Context, creds sign.Credentials, sceneID string) error
	SetProps(ctx context.Context, creds sign.Credentials, props []mijia.Property) ([]mijia.Property, error)
	RunAction(ctx context.Context, creds sign.Credentials, action mijia.Action) (map[string]any, error)
}

// DeviceHandler serves the authenticated device, home and scene routes.
type DeviceHandler struct {
	api         DeviceAPI
	tokens      *jwttoken.JWTService
	credentials store.CredentialsStore
	logger      *slog.Logger
	trail       *audit.Trail
}

func NewDeviceHandler(api DeviceAPI, tokens *jwttoken.JWTService, credentials store.CredentialsStore, logger *slog.Logger, trail *audit.Trail) *DeviceHandler {
	return &DeviceHandler{api: api, tokens: tokens, credentials: credentials, logger: logger, trail: trail}
}

// Register mounts the device routes behind bearer auth.
func (h *DeviceHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/devices", h.listDevices)
		r.Post("/devices/{deviceID}", h.commandDevice)
		r.Get("/homes", h.listHomes)
		r.Get("/scenes/{homeID}", h.listScenes)
		r.Post("/scenes/run", h.runScene)
	})
}

type credsContextKey struct{}

// requireAuth validates the dashboard bearer token and resolves the caller's
// cloud credentials; handlers read them from the request context.
func (h *DeviceHandler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			httputil.WriteError(w, fmt.Errorf("missing bearer token: %w", sentinel.ErrUnauthenticated))
			return
		}

		claims, err := h.tokens.ValidateToken(token)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}

		stored, err := h.credentials.FindByUserID(r.Context(), claims.UserID)
		if err != nil {
			httputil.WriteError(w, fmt.Errorf("cloud credentials not found: %w", sentinel.ErrUnauthenticated))
			return
		}
		if stored.Expired(time.Now()) {
			httputil.WriteError(w, fmt.Errorf("cloud credentials expired: %w", sentinel.ErrUnauthenticated))
			return
		}

		creds := sign.Credentials{
			Ssecurity:    stored.Ssecurity,
			DeviceID:     stored.DeviceID,
			UserID:       stored.UserID,
			ServiceToken: stored.ServiceToken,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), credsContextKey{}, creds)))
	})
}

func credsFrom(ctx context.Context) sign.Credentials {
	creds, _ := ctx.Value(credsContextKey{}).(sign.Credentials)
	return creds
}

func (h *DeviceHandler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.api.Devices(r.Context(), credsFrom(r.Context()))
	if err != nil {
		h.logger.Error("listing devices failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	if devices == nil {
		devices = []mijia.Device{}
	}
	httputil.WriteSuccess(w, devices)
}

func (h *DeviceHandler) listHomes(w http.ResponseWriter, r *http.Request) {
	homes, err := h.api.Homes(r.Context(), credsFrom(r.Context()))
	if err != nil {
		h.logger.Error("listing homes failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	if homes == nil {
		homes = []mijia.Home{}
	}
	httputil.WriteSuccess(w, homes)
}

func (h *DeviceHandler) listScenes(w http.ResponseWriter, r *http.Request) {
	homeID := chi.URLParam(r, "homeID")
	scenes, err := h.api.Scenes(r.Context(), credsFrom(r.Context()), homeID)
	if err != nil {
		h.logger.Error("listing scenes failed", "home_id", homeID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	if scenes == nil {
		scenes = []mijia.Scene{}
	}
	httputil.WriteSuccess(w, scenes)
}

type deviceCommandRequest struct {
	Properties []mijia.Property `json:"properties"`
	Action     *mijia.Action    `json:"action"`
}

// commandDevice writes properties or invokes an action on one device. The
// request carries either a property list or a single action.
func (h *DeviceHandler) commandDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req deviceCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Properties) == 0 && req.Action == nil {
		httputil.WriteFailure(w, http.StatusBadRequest, "properties or action is required")
		return
	}

	creds := credsFrom(r.Context())

	if req.Action != nil {
		req.Action.DID = deviceID
		result, err := h.api.RunAction(r.Context(), creds, *req.Action)
		if err != nil {
			h.logger.Error("device action failed", "device_id", deviceID, "error", err)
			httputil.WriteError(w, err)
			return
		}
		h.recordCommand(r.Context(), creds.UserID, deviceID, "action")
		httputil.WriteSuccess(w, result)
		return
	}

	for i := range req.Properties {
		req.Properties[i].DID = deviceID
	}
	result, err := h.api.SetProps(r.Context(), creds, req.Properties)
	if err != nil {
		h.logger.Error("device property write failed", "device_id", deviceID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	h.recordCommand(r.Context(), creds.UserID, deviceID, "set_props")
	httputil.WriteSuccess(w, result)
}

type runSceneRequest struct {
	SceneID string `json:"sceneId"`
}

func (h *DeviceHandler) runScene(w http.ResponseWriter, r *http.Request) {
	var req runSceneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SceneID == "" {
		httputil.WriteFailure(w, http.StatusBadRequest, "sceneId is required")
		return
	}

	creds := credsFrom(r.Context())
	if err := h.api.RunScene(r.Context(), creds, req.SceneID); err != nil {
		h.logger.Error("running scene failed", "scene_id", req.SceneID, "error", err)
		httputil.WriteError(w, err)
		return
	}

	if h.trail != nil {
		h.trail.Record(r.Context(), audit.Event{
			Action: audit.ActionSceneRun,
			UserID: creds.UserID,
			Detail: req.SceneID,
		})
	}
	httputil.WriteSuccess(w, true)
}

func (h *DeviceHandler) recordCommand(ctx context.Context, userID, deviceID, kind string) {
	if h.trail == nil {
		return
	}
	h.trail.Record(ctx, audit.Event{
		Action: audit.ActionDeviceCommand,
		UserID: userID,
		Detail: kind + " " + deviceID,
	})
}
