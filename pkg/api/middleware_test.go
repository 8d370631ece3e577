package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentforge/jobserver/pkg/authn"
	"github.com/contentforge/jobserver/pkg/models"
)

type stubTierResolver struct{ tier models.Tier }

func (s stubTierResolver) Resolve(ctx context.Context, userID string) models.Tier {
	return s.tier
}

func signToken(t *testing.T, secret []byte, userID string, admin bool, exp time.Time) string {
	t.Helper()
	builder := jwt.NewBuilder().
		Claim("user_id", userID).
		Claim("is_admin", admin).
		Claim("email_verified", true)
	if !exp.IsZero() {
		builder = builder.Expiration(exp)
	}
	tok, err := builder.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), secret))
	require.NoError(t, err)
	return string(signed)
}

func TestAuthMiddlewareSucceedsAndStoresPrincipal(t *testing.T) {
	secret := []byte("super-secret-value-that-is-long-enough")
	resolver := authn.NewResolver(secret, stubTierResolver{tier: models.TierPro})
	s := &Server{resolver: resolver, echo: echo.New()}

	token := signToken(t, secret, "user-1", false, time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/api/generate", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	var captured models.Principal
	handler := s.authMiddleware(func(c echo.Context) error {
		captured = principalFrom(c)
		return c.NoContent(http.StatusOK)
	})

	err := handler(c)
	require.NoError(t, err)
	assert.Equal(t, "user-1", captured.UserID)
	assert.Equal(t, models.TierPro, captured.Tier)
}

func TestAuthMiddlewareRejectsMissingCredential(t *testing.T) {
	secret := []byte("super-secret-value-that-is-long-enough")
	resolver := authn.NewResolver(secret, stubTierResolver{tier: models.TierFree})
	s := &Server{resolver: resolver, echo: echo.New()}

	req := httptest.NewRequest(http.MethodGet, "/api/generate", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	handler := s.authMiddleware(func(c echo.Context) error {
		t.Fatal("next handler should not run")
		return nil
	})

	err := handler(c)
	require.Error(t, err)
	herr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, herr.Code)
}

func TestRequireAdminRejectsNonAdminPrincipal(t *testing.T) {
	s := &Server{echo: echo.New()}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/cache/invalidate", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	c.Set(principalContextKey, models.Principal{UserID: "user-1", IsAdmin: false})

	handler := s.requireAdmin(func(c echo.Context) error {
		t.Fatal("next handler should not run")
		return nil
	})

	err := handler(c)
	require.Error(t, err)
	herr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, herr.Code)
}

func TestRequireAdminAllowsAdminPrincipal(t *testing.T) {
	s := &Server{echo: echo.New()}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/cache/invalidate", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	c.Set(principalContextKey, models.Principal{UserID: "admin-1", IsAdmin: true})

	ran := false
	handler := s.requireAdmin(func(c echo.Context) error {
		ran = true
		return c.NoContent(http.StatusOK)
	})

	err := handler(c)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestPrincipalFromReturnsZeroValueWhenUnset(t *testing.T) {
	s := &Server{echo: echo.New()}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	p := principalFrom(c)
	assert.Equal(t, models.Principal{}, p)
}
