// Package api provides the HTTP surface for the content generation job
// server: route registration, auth/admin middleware chains, and graceful
// shutdown, built on Echo v4.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/contentforge/jobserver/pkg/authn"
	"github.com/contentforge/jobserver/pkg/cache"
	"github.com/contentforge/jobserver/pkg/config"
	"github.com/contentforge/jobserver/pkg/eventbus"
	"github.com/contentforge/jobserver/pkg/scheduler"
	"github.com/contentforge/jobserver/pkg/store"
	"github.com/contentforge/jobserver/pkg/tierpolicy"
	"github.com/contentforge/jobserver/pkg/version"
)

// Server is the HTTP API server.
type Server struct {
	echo      *echo.Echo
	http      *http.Server
	cfg       *config.Config
	resolver  *authn.Resolver
	tiers     *tierpolicy.Policy
	scheduler *scheduler.Scheduler
	store     *store.Store
	bus       *eventbus.Bus
	cache     *cache.Cache
	modVer    atomic.Int64
}

// NewServer builds the Echo-backed API server and registers every route.
func NewServer(cfg *config.Config, resolver *authn.Resolver, tiers *tierpolicy.Policy, sched *scheduler.Scheduler, st *store.Store, bus *eventbus.Bus, c *cache.Cache) *Server {
	e := echo.New()
	e.HideBanner = true

	s := &Server{
		echo:      e,
		cfg:       cfg,
		resolver:  resolver,
		tiers:     tiers,
		scheduler: sched,
		store:     st,
		bus:       bus,
		cache:     c,
	}
	s.modVer.Store(1)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(securityHeaders())
	e.Use(middleware.BodyLimit("1M"))

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/meta", s.metaHandler)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiGroup := s.echo.Group("/api")
	apiGroup.Use(s.authMiddleware)
	apiGroup.POST("/generate", s.generateHandler)
	apiGroup.POST("/jobs/:id/cancel", s.cancelJobHandler)
	apiGroup.GET("/jobs/:id/stream", s.streamJobHandler)

	admin := apiGroup.Group("/admin")
	admin.Use(s.requireAdmin)
	admin.POST("/cache/invalidate", s.invalidateCacheHandler)
	admin.POST("/moderation/bump-version", s.bumpModerationVersionHandler)
}

// Start begins serving on addr and blocks until the context is cancelled,
// then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// securityHeaders sets the baseline response headers for every route.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

func (s *Server) appVersion() string {
	return version.Full()
}
