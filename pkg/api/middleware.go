package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/contentforge/jobserver/pkg/authn"
	"github.com/contentforge/jobserver/pkg/models"
)

const principalContextKey = "principal"

// authMiddleware resolves the caller's Principal and stores it on
// the request context, rejecting the request outright on failure.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := s.resolver.Resolve(c.Request().Context(), c.Request())
		if err != nil {
			return mapAuthError(err)
		}
		c.Set(principalContextKey, principal)
		return next(c)
	}
}

// requireAdmin gates the /api/admin/* group behind Principal.IsAdmin.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p := principalFrom(c)
		if !p.IsAdmin {
			return echo.NewHTTPError(http.StatusForbidden, errorBody(models.ErrKindUnauthorized, "admin privileges required"))
		}
		return next(c)
	}
}

func principalFrom(c echo.Context) models.Principal {
	p, _ := c.Get(principalContextKey).(models.Principal)
	return p
}

func mapAuthError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, authn.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, errorBody(models.ErrKindUnauthorized, "missing bearer credential"))
	case errors.Is(err, authn.ErrExpired):
		return echo.NewHTTPError(http.StatusUnauthorized, errorBody(models.ErrKindExpired, "credential expired"))
	case errors.Is(err, authn.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusUnauthorized, errorBody(models.ErrKindInvalidToken, "invalid credential"))
	default:
		return echo.NewHTTPError(http.StatusUnauthorized, errorBody(models.ErrKindUnauthorized, "authentication failed"))
	}
}
