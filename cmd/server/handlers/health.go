// Package handlers provides HTTP handlers for the realtime task board.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskboard/realtime-board/internal/database/postgres"
	"github.com/taskboard/realtime-board/internal/realtime"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Database    string `json:"database"`
	Timestamp   string `json:"timestamp"`
}

// HealthHandlers serves the read-only health endpoint (spec component C9).
type HealthHandlers struct {
	broadcaster *realtime.Broadcaster
	db          postgres.HealthChecker
	version     string
}

// NewHealthHandlers builds a HealthHandlers reporting connections from
// broadcaster and the board database's connection pool health. The board
// has no meaning to report without a reachable tasks table, so a degraded
// db check degrades the whole response rather than being dropped silently.
func NewHealthHandlers(broadcaster *realtime.Broadcaster, db postgres.HealthChecker, version string) *HealthHandlers {
	return &HealthHandlers{broadcaster: broadcaster, db: db, version: version}
}

// Health handles GET /api/health.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	slog.Info("health check requested",
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)

	status := "ok"
	dbStatus := "unknown"
	statusCode := http.StatusOK
	if h.db != nil {
		if err := h.db.CheckHealth(r.Context()); err != nil {
			slog.Warn("database health check failed", "error", err)
			dbStatus = "unhealthy"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			dbStatus = "ok"
		}
	}

	response := HealthResponse{
		Status:      status,
		Service:     "realtime-board",
		Version:     h.version,
		Connections: h.broadcaster.ActiveSessions(),
		Database:    dbStatus,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode health response", "error", err)
		return
	}
}
