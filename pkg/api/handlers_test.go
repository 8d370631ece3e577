package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentforge/jobserver/pkg/cache"
	"github.com/contentforge/jobserver/pkg/config"
	"github.com/contentforge/jobserver/pkg/scheduler"
	"github.com/contentforge/jobserver/pkg/tierpolicy"
)

func newTestServerForMeta(t *testing.T) *Server {
	t.Helper()
	reg, err := config.LoadTierRegistry("")
	require.NoError(t, err)
	return &Server{echo: echo.New(), tiers: tierpolicy.New(reg, nil)}
}

func TestMetaHandlerListsAllFourTiers(t *testing.T) {
	s := newTestServerForMeta(t)

	req := httptest.NewRequest(http.MethodGet, "/meta", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	require.NoError(t, s.metaHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tier":"free"`)
	assert.Contains(t, rec.Body.String(), `"tier":"basic"`)
	assert.Contains(t, rec.Body.String(), `"tier":"pro"`)
	assert.Contains(t, rec.Body.String(), `"tier":"enterprise"`)
}

func TestBumpModerationVersionHandlerIncrements(t *testing.T) {
	s := &Server{echo: echo.New()}
	s.modVer.Store(1)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/moderation/bump-version", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	require.NoError(t, s.bumpModerationVersionHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"moderation_version":2`)
}

func TestInvalidateCacheHandlerRequiresATarget(t *testing.T) {
	s := &Server{echo: echo.New(), cache: cache.New(10)}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/cache/invalidate", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	err := s.invalidateCacheHandler(c)
	require.Error(t, err)
	herr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, herr.Code)
}

func TestInvalidateCacheHandlerAllClearsEverything(t *testing.T) {
	s := &Server{echo: echo.New(), cache: cache.New(10)}
	s.cache.Begin("fp-1", "user-1", "tok-1")
	s.cache.Publish("fp-1", "tok-1", cache.Bundle{}, 0)
	require.Equal(t, 1, s.cache.Len())

	req := httptest.NewRequest(http.MethodPost, "/api/admin/cache/invalidate", strings.NewReader(`{"all":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	require.NoError(t, s.invalidateCacheHandler(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, s.cache.Len())
}

func TestInvalidateCacheHandlerByFingerprint(t *testing.T) {
	s := &Server{echo: echo.New(), cache: cache.New(10)}
	s.cache.Begin("fp-1", "user-1", "tok-1")
	s.cache.Publish("fp-1", "tok-1", cache.Bundle{}, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/cache/invalidate", strings.NewReader(`{"fingerprint":"fp-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	require.NoError(t, s.invalidateCacheHandler(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, s.cache.Len())
}

func TestCancelJobHandlerReportsSchedulerResult(t *testing.T) {
	sched := scheduler.New(scheduler.Config{}, nil, nil, nil, nil, nil)
	s := &Server{echo: echo.New(), scheduler: sched}

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/cancel", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("job-1")

	require.NoError(t, s.cancelJobHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"job_id":"job-1"`)
	assert.Contains(t, rec.Body.String(), `"cancelled":false`)
}
