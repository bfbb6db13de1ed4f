package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/services"
)

func (s *Server) createPlanHandler(c echo.Context) error {
	var in services.CreatePlanInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}

	detail, err := s.plans.CreatePlan(c.Request().Context(), ownerID(c), in)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, detail)
}

func (s *Server) getPlanHandler(c echo.Context) error {
	detail, err := s.plans.GetPlan(c.Request().Context(), ownerID(c), c.PathParam("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) listPlansHandler(c echo.Context) error {
	plans, err := s.plans.ListPlans(c.Request().Context(), ownerID(c), c.PathParam("id"))
	if err != nil {
		return mapServiceError(err)
	}
	if plans == nil {
		plans = []models.TaskPlan{}
	}
	return c.JSON(http.StatusOK, plans)
}

// executePlanHandler runs the plan synchronously and returns the aggregate.
// Progress is observable on the session event stream while this request is
// in flight.
func (s *Server) executePlanHandler(c echo.Context) error {
	result, err := s.plans.ExecutePlan(c.Request().Context(), ownerID(c), c.PathParam("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}
