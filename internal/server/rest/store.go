package rest

import (
	"context"

	"github.com/filesentry/agent/internal/daemon"
	"github.com/filesentry/agent/internal/history"
)

// Monitor is the subset of daemon.Daemon the handlers need. An interface
// keeps handler tests free of real file monitors.
type Monitor interface {
	// Targets returns the current status of every configured target.
	Targets() []daemon.TargetStatus

	// Health returns the daemon health snapshot served on /healthz.
	Health() daemon.HealthStatus
}

// Journal is the subset of journal.Journal the handlers need.
type Journal interface {
	// Recent returns the newest confirmed changes, newest first.
	Recent(ctx context.Context, limit, offset int) ([]daemon.ChangeEvent, error)
}

// Archive is the subset of history.Store the handlers need. It is optional:
// agents running without a PostgreSQL archive serve only the local journal.
type Archive interface {
	// QueryChanges returns archived events within a detection-time window.
	QueryChanges(ctx context.Context, q history.ChangeQuery) ([]daemon.ChangeEvent, error)
}
