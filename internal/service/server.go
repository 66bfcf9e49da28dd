package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/prewarm/internal/log"
)

const (
	buildPath   = "/build"
	poolsPath   = "/pools"
	healthzPath = "/healthz"
	stopPath    = "/stop"

	shutdownTimeout = 5 * time.Second
	maxKeySize      = 4096
)

// Server is the HTTP front end of a Registry.
type Server struct {
	echo     *echo.Echo
	registry *Registry

	stopOnce sync.Once
	stopped  chan struct{}
}

func NewServer(registry *Registry) *Server {
	s := &Server{
		echo:     echo.New(),
		registry: registry,
		stopped:  make(chan struct{}),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			ctx := log.ContextAttrs(req.Context(), slog.String("request_id", id))
			c.SetRequest(req.WithContext(ctx))
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.DebugContext(c.Request().Context(), "request served",
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"latency", v.Latency.String(),
			)
			return nil
		},
	}))
	e.Use(middleware.Gzip())

	e.POST(buildPath, s.build)
	e.GET(poolsPath, s.pools)
	e.GET(healthzPath, s.healthz)
	e.POST(stopPath, s.stop)
	return s
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Stopped is closed once a stop was requested over HTTP.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Server) requestStop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
}

// Serve serves HTTP on ln until ctx is done or a stop is requested.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.stopped:
		}
		slog.InfoContext(ctx, "shutting down server")

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.InfoContext(ctx, "server is listening", "addr", ln.Addr().String())
		err := s.echo.Server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) build(c echo.Context) error {
	ctx := c.Request().Context()
	wait := true
	if q := c.QueryParam("wait"); q != "" {
		var err error
		wait, err = strconv.ParseBool(q)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid wait parameter: "+q)
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxKeySize))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading body: "+err.Error())
	}
	key := strings.TrimSpace(string(body))
	ctx = log.ContextAttrs(ctx, slog.String("key", key))

	out, err := s.registry.Dispatch(ctx, key, wait)
	switch {
	case errors.Is(err, ErrTargetNotFound):
		slog.WarnContext(ctx, "target can't be resolved", "error", err)
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		slog.ErrorContext(ctx, "dispatch failed", "error", err)
		return err
	}
	return c.String(http.StatusOK, out)
}

func (s *Server) pools(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.Stats())
}

func (s *Server) healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) stop(c echo.Context) error {
	slog.InfoContext(c.Request().Context(), "stop requested")
	err := c.String(http.StatusOK, "stopping")
	s.requestStop()
	return err
}

// errorHandler answers with the message as plain text.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}
	if err := c.String(code, msg); err != nil {
		slog.ErrorContext(c.Request().Context(), "writing error response", "error", err)
	}
}
