package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// CreateSessionRequest is the body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	ProjectID string `json:"project_id"`
}

func (s *Server) createSessionHandler(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id is required")
	}

	session, err := s.sessions.CreateSession(c.Request().Context(), ownerID(c), req.ProjectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, session)
}

func (s *Server) listSessionsHandler(c echo.Context) error {
	projectID := c.QueryParam("project_id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id query parameter is required")
	}

	sessions, err := s.sessions.ListSessions(c.Request().Context(), ownerID(c), projectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) getSessionHandler(c echo.Context) error {
	session, err := s.sessions.GetSession(c.Request().Context(), ownerID(c), c.PathParam("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, session)
}

func (s *Server) deleteSessionHandler(c echo.Context) error {
	if err := s.sessions.DeleteSession(c.Request().Context(), ownerID(c), c.PathParam("id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listMessagesHandler(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	messages, err := s.sessions.ListMessages(c.Request().Context(), ownerID(c), c.PathParam("id"), limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, messages)
}
