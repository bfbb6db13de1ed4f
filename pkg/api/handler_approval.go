package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/approval"
	"github.com/hiveplane/hiveplane/pkg/models"
)

func (s *Server) listApprovalsHandler(c echo.Context) error {
	pending, err := s.approvals.ListPending(c.Request().Context(), ownerID(c))
	if err != nil {
		return mapServiceError(err)
	}
	if pending == nil {
		pending = []models.ApprovalRequest{}
	}
	return c.JSON(http.StatusOK, pending)
}

func (s *Server) getApprovalHandler(c echo.Context) error {
	req, err := s.approvals.Get(c.Request().Context(), ownerID(c), c.PathParam("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (s *Server) confirmApprovalHandler(c echo.Context) error {
	req, err := s.approvals.Confirm(c.Request().Context(), ownerID(c), c.PathParam("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, req)
}

// ToolApprovalRequest is the body for POST /approvals/tool-requests.
type ToolApprovalRequest struct {
	ProjectID string         `json:"project_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	ToolName  string         `json:"tool_name"`
	Params    map[string]any `json:"params,omitempty"`
}

// requestToolApprovalHandler gates a tool invocation. Low-risk tools come
// back approved immediately; everything else is inserted pending and
// surfaces on the owner's event stream as approval_required, to be confirmed
// or rejected through the /approvals/:id endpoints.
func (s *Server) requestToolApprovalHandler(c echo.Context) error {
	var body ToolApprovalRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.ToolName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tool_name is required")
	}

	req, err := s.approvals.RequestTool(c.Request().Context(), approval.ToolRequest{
		OwnerID:   ownerID(c),
		ProjectID: body.ProjectID,
		SessionID: body.SessionID,
		AgentID:   body.AgentID,
		Name:      body.ToolName,
		Params:    body.Params,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

// RejectApprovalRequest is the optional body for POST /approvals/:id/reject.
type RejectApprovalRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) rejectApprovalHandler(c echo.Context) error {
	var body RejectApprovalRequest
	_ = c.Bind(&body) // body is optional

	req, err := s.approvals.Reject(c.Request().Context(), ownerID(c), c.PathParam("id"), body.Reason)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, req)
}
