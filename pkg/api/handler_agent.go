package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/workspace"
)

// AgentResponse is the API view of a live agent instance.
type AgentResponse struct {
	ID     string             `json:"id"`
	Name   string             `json:"name"`
	Config models.AgentConfig `json:"config"`
}

func (s *Server) listAgentsHandler(c echo.Context) error {
	space, err := s.space(c)
	if err != nil {
		return mapServiceError(err)
	}

	out := []AgentResponse{}
	for _, inst := range space.Agents() {
		out = append(out, AgentResponse{ID: inst.ID, Name: inst.Name, Config: inst.Config})
	}
	return c.JSON(http.StatusOK, out)
}

// CreateAgentRequest is the body for POST /projects/:id/agents.
type CreateAgentRequest struct {
	Name   string             `json:"name"`
	Config models.AgentConfig `json:"config"`
}

func (s *Server) createAgentHandler(c echo.Context) error {
	var req CreateAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if req.Config.Role == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "config.role is required")
	}

	space, err := s.space(c)
	if err != nil {
		return mapServiceError(err)
	}
	row, err := space.AddAgent(c.Request().Context(), req.Name, req.Config)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, row)
}

func (s *Server) deleteAgentHandler(c echo.Context) error {
	space, err := s.space(c)
	if err != nil {
		return mapServiceError(err)
	}
	if err := space.RemoveAgent(c.Request().Context(), c.PathParam("agent_id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// space resolves the caller's worker space for the project in the path,
// verifying ownership first.
func (s *Server) space(c echo.Context) (*workspace.Space, error) {
	owner := ownerID(c)
	projectID := c.PathParam("id")
	if _, err := s.projects.GetProject(c.Request().Context(), owner, projectID); err != nil {
		return nil, err
	}
	return s.spaces.GetOrCreate(c.Request().Context(), owner, projectID)
}
