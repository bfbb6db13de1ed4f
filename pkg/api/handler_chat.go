package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

const maxMessageBytes = 100_000

// SendMessageRequest is the body for POST /api/v1/chat/:id/message.
type SendMessageRequest struct {
	Content     string  `json:"content"`
	TargetAgent *string `json:"target_agent,omitempty"`
}

// sendMessageHandler runs one chat turn. With target_agent set the message
// bypasses routing and goes to that agent (by id, name, or role); otherwise
// the workspace routes it by capability.
func (s *Server) sendMessageHandler(c echo.Context) error {
	sessionID := c.PathParam("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if len(req.Content) > maxMessageBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "content exceeds maximum length")
	}

	res, err := s.messages.HandleMessage(c.Request().Context(), ownerID(c), sessionID, req.Content, req.TargetAgent)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, res)
}
