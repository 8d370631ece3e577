package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/contentforge/jobserver/pkg/models"
	"github.com/contentforge/jobserver/pkg/tierpolicy"
)

// generateHandler implements POST /api/generate: admits the request
// through the tier policy and scheduler and returns the job's stream URL
// without blocking on generation.
func (s *Server) generateHandler(c echo.Context) error {
	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errorBody(models.ErrKindValidationFailed, "malformed request body"))
	}

	types := make([]models.ContentType, 0, len(req.ContentTypes))
	for _, t := range req.ContentTypes {
		types = append(types, models.ContentType(t))
	}

	principal := principalFrom(c)
	job, denial, err := s.scheduler.Admit(c.Request().Context(), principal, tierpolicy.Request{
		Topic:          req.Topic,
		RequestedTypes: types,
	}, int(s.modVer.Load()))
	if err != nil {
		return mapSchedulerError(err)
	}
	if denial != nil {
		return denialStatus(denial)
	}

	return c.JSON(http.StatusAccepted, GenerateResponse{
		JobID:     job.JobID,
		Status:    string(job.Status),
		StreamURL: fmt.Sprintf("/api/jobs/%s/stream", job.JobID),
	})
}

// cancelJobHandler implements POST /api/jobs/:id/cancel.
func (s *Server) cancelJobHandler(c echo.Context) error {
	jobID := c.Param("id")
	ok := s.scheduler.Cancel(c.Request().Context(), jobID)
	return c.JSON(http.StatusOK, CancelResponse{JobID: jobID, Cancelled: ok})
}

// streamJobHandler implements GET /api/jobs/:id/stream: an SSE push
// stream of the job's event log, starting after ?after_event_id=N.
func (s *Server) streamJobHandler(c echo.Context) error {
	jobID := c.Param("id")
	after := 0
	if v := c.QueryParam("after_event_id"); v != "" {
		fmt.Sscanf(v, "%d", &after)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	return s.bus.Stream(c.Request().Context(), jobID, after, resp)
}

// healthHandler implements GET /health.
func (s *Server) healthHandler(c echo.Context) error {
	dbHealth := s.store.Health(c.Request().Context())
	poolHealth := s.scheduler.Health(c.Request().Context())

	status := "healthy"
	if dbHealth.Status != "healthy" {
		status = "degraded"
	}

	return c.JSON(http.StatusOK, HealthResponse{
		Status:      status,
		Version:     s.appVersion(),
		DBStatus:    dbHealth.Status,
		CircuitOpen: dbHealth.CircuitOpen,
		ActiveJobs:  poolHealth.ActiveJobs,
		MaxWorkers:  poolHealth.MaxConcurrent,
	})
}

// metaHandler implements GET /meta: publishes tier capabilities for client
// rendering (not authenticated — contains no user data).
func (s *Server) metaHandler(c echo.Context) error {
	entries := make([]TierMetaEntry, 0, 4)
	for _, tier := range []models.Tier{models.TierFree, models.TierBasic, models.TierPro, models.TierEnterprise} {
		def := s.tiers.ResolveDefinition(tier)
		allowed := make([]string, len(def.AllowedTypes))
		for i, t := range def.AllowedTypes {
			allowed[i] = string(t)
		}
		entries = append(entries, TierMetaEntry{
			Tier:              string(tier),
			AllowedTypes:      allowed,
			MaxParallelStages: def.MaxParallelStages,
		})
	}
	return c.JSON(http.StatusOK, MetaResponse{Version: s.appVersion(), Tiers: entries})
}

// invalidateCacheHandler implements POST /api/admin/cache/invalidate:
// admin cache invalidation by fingerprint, user, or everything.
func (s *Server) invalidateCacheHandler(c echo.Context) error {
	var req InvalidateCacheRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errorBody(models.ErrKindValidationFailed, "malformed request body"))
	}

	switch {
	case req.All:
		s.cache.InvalidateAll()
	case req.UserID != "":
		s.cache.InvalidateUser(req.UserID)
	case req.Fingerprint != "":
		s.cache.InvalidateFingerprint(req.Fingerprint)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, errorBody(models.ErrKindValidationFailed, "one of fingerprint, user_id, or all is required"))
	}
	return c.NoContent(http.StatusNoContent)
}

// bumpModerationVersionHandler implements POST /api/admin/moderation/bump-version:
// every existing cache entry is invalidated indirectly — the bumped version
// changes the fingerprint, so subsequent lookups just miss.
func (s *Server) bumpModerationVersionHandler(c echo.Context) error {
	next := s.modVer.Add(1)
	return c.JSON(http.StatusOK, map[string]any{"moderation_version": next})
}
