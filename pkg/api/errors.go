package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/bus"
	"github.com/hiveplane/hiveplane/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrUnauthorized) {
		return echo.NewHTTPError(http.StatusForbidden, "not the resource owner")
	}
	if errors.Is(err, services.ErrAlreadyResolved) {
		return echo.NewHTTPError(http.StatusConflict, "approval already resolved")
	}
	if errors.Is(err, services.ErrGone) {
		return echo.NewHTTPError(http.StatusGone, "approval timed out")
	}
	if errors.Is(err, bus.ErrQueueFull) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "agent queue is full, retry later")
	}
	if errors.Is(err, bus.ErrAgentNotRegistered) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "agent is not available")
	}

	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
