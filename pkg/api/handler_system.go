package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/version"
)

// healthHandler reports database reachability plus broker and workspace
// counters. Unreachable database means 503.
func (s *Server) healthHandler(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth := database.Health(ctx, s.db)
	body := map[string]any{
		"status":             "healthy",
		"version":            version.Full(),
		"database":           dbHealth,
		"stream_connections": s.broker.ConnectionCount(),
		"worker_spaces":      s.spaces.Count(),
	}
	if !dbHealth.Reachable {
		body["status"] = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}

// statsHandler reports per-space stats plus outbox backlog for the operator
// surface.
func (s *Server) statsHandler(c echo.Context) error {
	ctx := c.Request().Context()

	pending, err := s.outbox.PendingCount(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	failed, err := s.outbox.FailedCount(ctx)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"spaces":             s.spaces.Stats(),
		"stream_connections": s.broker.ConnectionCount(),
		"outbox_pending":     pending,
		"outbox_failed":      failed,
	})
}

// reprocessEventHandler requeues one terminally failed outbox event.
func (s *Server) reprocessEventHandler(c echo.Context) error {
	n, err := s.outbox.Reprocess(c.Request().Context(), c.PathParam("event_id"))
	if err != nil {
		return mapServiceError(err)
	}
	if n == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no failed event with that id")
	}
	return c.JSON(http.StatusOK, map[string]any{"reprocessed": n})
}

// reprocessAllFailedHandler requeues every terminally failed outbox event.
func (s *Server) reprocessAllFailedHandler(c echo.Context) error {
	n, err := s.outbox.ReprocessAllFailed(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"reprocessed": n})
}
