package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/contentforge/jobserver/pkg/models"
	"github.com/contentforge/jobserver/pkg/scheduler"
	"github.com/contentforge/jobserver/pkg/tierpolicy"
)

// ErrorResponse is the JSON body for every non-2xx response, keyed by the
// ErrorKind taxonomy.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func errorBody(kind models.ErrorKind, message string) ErrorResponse {
	return ErrorResponse{Error: string(kind), Message: message}
}

// denialStatus maps an admission Denial onto the HTTP status + error kind
// pair.
func denialStatus(d *tierpolicy.Denial) *echo.HTTPError {
	switch d.Reason {
	case models.DenyTypeNotAllowed:
		return echo.NewHTTPError(http.StatusForbidden, errorBody(models.ErrKindTypeNotAllowed, "content type not allowed for this tier"))
	case models.DenyEmptyTopic:
		return echo.NewHTTPError(http.StatusBadRequest, errorBody(models.ErrKindEmptyTopic, "topic must not be empty"))
	case models.DenyEmptyTypes:
		return echo.NewHTTPError(http.StatusBadRequest, errorBody(models.ErrKindEmptyTypes, "no requested content type is allowed for this tier"))
	case models.DenyQuotaExceeded:
		return echo.NewHTTPError(http.StatusTooManyRequests, errorBody(models.ErrKindTooManyInFlight, "monthly quota exceeded"))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, errorBody(models.ErrKindValidationFailed, "request denied"))
	}
}

// mapSchedulerError maps scheduler-layer sentinel errors onto HTTP
// responses.
func mapSchedulerError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, scheduler.ErrTooManyInFlight):
		return echo.NewHTTPError(http.StatusTooManyRequests, errorBody(models.ErrKindTooManyInFlight, "too many jobs already in flight"))
	case errors.Is(err, scheduler.ErrAtCapacity):
		return echo.NewHTTPError(http.StatusServiceUnavailable, errorBody(models.ErrKindPoolUnavailable, "worker pool is at capacity"))
	default:
		slog.Error("unexpected scheduler error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, errorBody(models.ErrKindPipelineError, "internal server error"))
	}
}
