// Package audit keeps a trail of login-flow and control-plane events. Events
// are appended best-effort: an audit failure is logged, never propagated into
// the request path.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Action identifies what happened.
type Action string

const (
	ActionSessionCreated   Action = "session_created"
	ActionSessionConfirmed Action = "session_confirmed"
	ActionSessionExpired   Action = "session_expired"
	ActionAuthFailed       Action = "auth_failed"
	ActionSceneRun         Action = "scene_run"
	ActionDeviceCommand    Action = "device_command"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp time.Time
	Action    Action
	SessionID string
	UserID    string
	Detail    string
}

// Store persists events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Trail is the appending façade handed to services and handlers.
type Trail struct {
	store  Store
	logger *slog.Logger
}

// NewTrail builds a Trail over the given store.
func NewTrail(store Store, logger *slog.Logger) *Trail {
	return &Trail{store: store, logger: logger}
}

// Record appends an event, stamping the time when unset. Failures are logged
// and swallowed.
func (t *Trail) Record(ctx context.Context, event Event) {
	if t == nil || t.store == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := t.store.Append(ctx, event); err != nil {
		t.logger.Warn("audit append failed", "action", string(event.Action), "error", err)
	}
}
