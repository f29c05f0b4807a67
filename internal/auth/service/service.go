// Package service drives the vendor login flows: the QR handshake state
// machine and the credential login, both producing cloud credentials the
// device API client signs requests with.
package service

import (
	"context"
	"crypto/rand"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"mihome/internal/auth/store"
	"mihome/internal/jwt_token"
	"mihome/internal/mijia"
	"mihome/internal/platform/config"
	"mihome/internal/platform/metrics"
	"mihome/pkg/platform/audit"
)

const deviceIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// DeviceIDLength is the fixed length of the per-session device identifier the
// vendor correlates a login flow by.
const DeviceIDLength = 16

// Service owns the login state machines. One instance per process.
type Service struct {
	cfg         config.Config
	cloud       *mijia.Transport
	sessions    store.SessionStore
	credentials store.CredentialsStore
	tokens      *jwttoken.JWTService
	logger      *slog.Logger
	metrics     *metrics.Metrics
	trail       *audit.Trail

	// polls gates status checks so at most one long-poll per session id is
	// in flight; overlapping callers share its result.
	polls singleflight.Group

	now func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock injects the time source. Tests advance it past session deadlines.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithAuditTrail records login lifecycle events.
func WithAuditTrail(trail *audit.Trail) ServiceOption {
	return func(s *Service) { s.trail = trail }
}

// New wires the login service.
func New(
	cfg config.Config,
	cloud *mijia.Transport,
	sessions store.SessionStore,
	credentials store.CredentialsStore,
	tokens *jwttoken.JWTService,
	logger *slog.Logger,
	m *metrics.Metrics,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		cfg:         cfg,
		cloud:       cloud,
		sessions:    sessions,
		credentials: credentials,
		tokens:      tokens,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newDeviceID returns a fresh 16-character device identifier. Generated once
// per login flow and reused on every request of that flow.
func newDeviceID() string {
	buf := make([]byte, DeviceIDLength)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = deviceIDAlphabet[int(b)%len(deviceIDAlphabet)]
	}
	return string(buf)
}

func (s *Service) record(ctx context.Context, action audit.Action, sessionID, userID, detail string) {
	if s.trail == nil {
		return
	}
	s.trail.Record(ctx, audit.Event{
		Timestamp: s.now(),
		Action:    action,
		SessionID: sessionID,
		UserID:    userID,
		Detail:    detail,
	})
}
