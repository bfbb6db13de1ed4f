package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/models"
)

// CreateProjectRequest is the body for POST /api/v1/projects.
type CreateProjectRequest struct {
	Name          string `json:"name"`
	WorkspacePath string `json:"workspace_path,omitempty"`
}

func (s *Server) createProjectHandler(c echo.Context) error {
	var req CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	project, err := s.projects.CreateProject(c.Request().Context(), ownerID(c), req.Name, req.WorkspacePath)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, project)
}

func (s *Server) listProjectsHandler(c echo.Context) error {
	projects, err := s.projects.ListProjects(c.Request().Context(), ownerID(c))
	if err != nil {
		return mapServiceError(err)
	}
	if projects == nil {
		projects = []models.Project{}
	}
	return c.JSON(http.StatusOK, projects)
}

func (s *Server) getProjectHandler(c echo.Context) error {
	project, err := s.projects.GetProject(c.Request().Context(), ownerID(c), c.PathParam("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, project)
}

// deleteProjectHandler removes the project and tears down its live worker
// space, if any.
func (s *Server) deleteProjectHandler(c echo.Context) error {
	owner := ownerID(c)
	projectID := c.PathParam("id")

	if err := s.projects.DeleteProject(c.Request().Context(), owner, projectID); err != nil {
		return mapServiceError(err)
	}
	s.spaces.Remove(c.Request().Context(), owner, projectID)
	return c.NoContent(http.StatusNoContent)
}
