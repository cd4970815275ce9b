package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"evalgo.org/graphdeploy/internal/deployment"
	"evalgo.org/graphdeploy/models"
)

// createDeployment generates the manifest of a project and queues its deployment.
// @Summary Create a deployment
// @Description Generates the project's manifest from its service graph and queues a deployment to one server or cluster
// @Tags deployments
// @Accept json
// @Produce json
// @Param deployment body deployment.CreateRequest true "Deployment request"
// @Success 201 {object} models.Deployment
// @Failure 400 {object} APIError
// @Failure 503 {object} APIError
// @Router /deployments [post]
func (s *Server) createDeployment(c echo.Context) error {
	var req deployment.CreateRequest
	if err := c.Bind(&req); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	d, err := s.deployments.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, d)
}

// listDeployments lists a project's deployments, newest first.
// @Summary List deployments
// @Tags deployments
// @Produce json
// @Param projectId query string true "Project ID"
// @Param status query string false "Status filter"
// @Param limit query int false "Page size (default 100, max 1000)"
// @Param offset query int false "Page offset"
// @Success 200 {object} DeploymentsResponse
// @Failure 400 {object} APIError
// @Router /deployments [get]
func (s *Server) listDeployments(c echo.Context) error {
	projectID := c.QueryParam("projectId")
	if projectID == "" {
		return BadRequestError("Missing projectId parameter", "projectId is required")
	}
	limit, offset := parsePagination(c)

	items, total, err := s.deployments.List(c.Request().Context(), models.DeploymentFilter{
		ProjectID: projectID,
		Status:    models.DeploymentStatus(c.QueryParam("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, DeploymentsResponse{
		Count:       len(items),
		Deployments: items,
		Pagination:  newPagination(total, limit, offset),
	})
}

// getDeployment returns one deployment.
// @Summary Get a deployment
// @Tags deployments
// @Produce json
// @Param id path string true "Deployment ID"
// @Success 200 {object} models.Deployment
// @Failure 404 {object} APIError
// @Router /deployments/{id} [get]
func (s *Server) getDeployment(c echo.Context) error {
	d, err := s.deployments.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// getDeploymentStatus returns the live status reported by the agent, or the stored one.
// @Summary Get deployment status
// @Tags deployments
// @Produce json
// @Param id path string true "Deployment ID"
// @Success 200 {object} deployment.Status
// @Failure 404 {object} APIError
// @Router /deployments/{id}/status [get]
func (s *Server) getDeploymentStatus(c echo.Context) error {
	st, err := s.deployments.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// getDeploymentHistory lists the rollback snapshots of a deployment.
// @Summary Get deployment history
// @Tags deployments
// @Produce json
// @Param id path string true "Deployment ID"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} HistoryResponse
// @Failure 404 {object} APIError
// @Router /deployments/{id}/history [get]
func (s *Server) getDeploymentHistory(c echo.Context) error {
	entries, err := s.deployments.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	limit, offset := parsePagination(c)
	page := paginate(entries, limit, offset)

	return c.JSON(http.StatusOK, HistoryResponse{
		Count:      len(page),
		History:    page,
		Pagination: newPagination(len(entries), limit, offset),
	})
}

// cancelDeployment stops a deployment that has not started and marks it failed.
// @Summary Cancel a deployment
// @Description Removes the queued job if it has not started yet, asks the agent to stop and marks the deployment failed. A job already running is not interrupted. Finished deployments cannot be cancelled.
// @Tags deployments
// @Produce json
// @Param id path string true "Deployment ID"
// @Success 200 {object} models.Deployment
// @Failure 400 {object} APIError
// @Failure 404 {object} APIError
// @Router /deployments/{id}/cancel [post]
func (s *Server) cancelDeployment(c echo.Context) error {
	d, err := s.deployments.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// rollbackDeployment redeploys a previous snapshot.
// @Summary Roll back a deployment
// @Description Starts a new deployment from the target deployment or the latest snapshot and marks this one rolling back
// @Tags deployments
// @Accept json
// @Produce json
// @Param id path string true "Deployment ID"
// @Param request body deployment.RollbackRequest false "Rollback target"
// @Success 202 {object} deployment.RollbackResult
// @Failure 400 {object} APIError
// @Failure 404 {object} APIError
// @Router /deployments/{id}/rollback [post]
func (s *Server) rollbackDeployment(c echo.Context) error {
	var req deployment.RollbackRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return BadRequestError("Invalid request body", err.Error())
		}
	}

	res, err := s.deployments.Rollback(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, res)
}

// getJob returns the queue state of a deployment job.
// @Summary Get job state
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID (the deployment ID)"
// @Success 200 {object} queue.JobStatus
// @Failure 404 {object} APIError
// @Router /jobs/{id} [get]
func (s *Server) getJob(c echo.Context) error {
	st, err := s.deployments.JobStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}
