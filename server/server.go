package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/internal/turn"
	apiv1 "github.com/parleyhq/parley/server/router/api/v1"
	"github.com/parleyhq/parley/store"
)

type Server struct {
	Secret  string
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	httpServer *http.Server
}

func NewServer(ctx context.Context, profile *profile.Profile, store *store.Store, turns *turn.Service, gatherer prometheus.Gatherer) (*Server, error) {
	s := &Server{
		Secret:  profile.Secret,
		Profile: profile,
		Store:   store,
	}

	echoServer := echo.New()
	echoServer.Use(middleware.Recover())
	s.echoServer = echoServer

	echoServer.GET("/healthz", func(c *echo.Context) error {
		if err := store.GetDriver().GetDB().PingContext(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "database is not reachable")
		}
		return c.String(http.StatusOK, "Service ready.")
	})
	if gatherer != nil {
		metrics := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		echoServer.GET("/metrics", func(c *echo.Context) error {
			metrics.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}

	apiV1Service := apiv1.NewAPIV1Service(s.Secret, profile, turns)
	apiV1Service.RegisterRoutes(echoServer)

	s.httpServer = &http.Server{
		Handler:           echoServer,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echoServer
}

func (s *Server) Start(_ context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	slog.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", slog.String("error", err.Error()))
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close database", slog.String("error", err.Error()))
	}
	slog.Info("server stopped properly")
}
