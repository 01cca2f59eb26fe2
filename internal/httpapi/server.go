// Package httpapi exposes the ingestion core over a JSend JSON API: the
// deduplicated feed, cycle health, cycle history, and manual triggers.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/feedview"
	"horse.fit/carriersignal/internal/globaltime"
	"horse.fit/carriersignal/internal/ingest"
	"horse.fit/carriersignal/internal/monitor"
	"horse.fit/carriersignal/internal/store"
)

const (
	defaultCycleLimit = 20
	maxCycleLimit     = 200
)

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// CycleTrigger starts a cycle in the background.
type CycleTrigger interface {
	Trigger(ctx context.Context, trigger store.CycleTrigger) (store.Cycle, error)
}

// Maintainer runs duplicate cleanup and retention purge.
type Maintainer interface {
	Run(ctx context.Context) (ingest.MaintenanceResult, error)
}

type Deps struct {
	Store       store.Store
	Feed        *feedview.Service
	Monitor     *monitor.Reporter
	Cycles      CycleTrigger
	Maintenance Maintainer
}

type Server struct {
	deps   Deps
	logger zerolog.Logger
	opts   Options
}

type cycleHistory struct {
	Items             []store.Cycle        `json:"items"`
	OpenFallbackTasks []store.FallbackTask `json:"open_fallback_tasks"`
}

func NewServer(deps Deps, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		deps:   deps,
		logger: logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
		},
	}
}

// Handler builds the echo instance with middleware and routes.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Info()
			msg := "http request"
			if v.Error != nil {
				event = s.logger.Error().Err(v.Error)
				msg = "http request failed"
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg(msg)
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/feed", s.handleFeed)
	api.GET("/cycles", s.handleCycles)
	api.GET("/cycles/health", s.handleCycleHealth)
	api.GET("/cycles/:cycle_id", s.handleCycleDetail)
	api.POST("/cycles/run", s.handleRunCycle)
	api.POST("/maintenance/cleanup", s.handleCleanup)
	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.deps.Store == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("carriersignal api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("carriersignal api server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = s.serverError(c, err, "Internal server error")
		return
	}
	_ = fail(c, status, message)
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.deps.Store.Ping(c.Request().Context()); err != nil {
		s.logger.Error().Err(err).Msg("store ping failed")
		return failUnavailable(c, "Store unavailable")
	}
	return ok(c, map[string]any{
		"service": "carriersignal",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleFeed(c echo.Context) error {
	fieldErrors := map[string]string{}
	window, err := parseWindow(c.QueryParam("window"), feedview.DefaultWindow)
	if err != nil {
		fieldErrors["window"] = err.Error()
	}
	limit, err := parsePositiveInt(c.QueryParam("limit"), feedview.DefaultLimit, 1, feedview.MaxLimit)
	if err != nil {
		fieldErrors["limit"] = err.Error()
	}
	if len(fieldErrors) > 0 {
		return failFields(c, fieldErrors)
	}

	result, err := s.deps.Feed.Feed(c.Request().Context(), feedview.Query{Window: window, Limit: limit})
	if err != nil {
		return s.serverError(c, err, "Failed to load feed")
	}
	return ok(c, result)
}

func (s *Server) handleCycleHealth(c echo.Context) error {
	snap, err := s.deps.Monitor.Snapshot(c.Request().Context())
	if err != nil {
		return s.serverError(c, err, "Failed to load cycle health")
	}
	return ok(c, snap)
}

func (s *Server) handleCycles(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultCycleLimit, 1, maxCycleLimit)
	if err != nil {
		return failFields(c, map[string]string{"limit": err.Error()})
	}

	ctx := c.Request().Context()
	cycles, err := s.deps.Store.ListCycles(ctx, store.CycleQuery{Limit: limit})
	if err != nil {
		return s.serverError(c, err, "Failed to load cycles")
	}
	tasks, err := s.deps.Store.ListFallbackTasks(ctx, store.FallbackQuery{Status: store.FallbackOpen})
	if err != nil {
		return s.serverError(c, err, "Failed to load fallback tasks")
	}
	return ok(c, cycleHistory{Items: cycles, OpenFallbackTasks: tasks})
}

func (s *Server) handleCycleDetail(c echo.Context) error {
	id := strings.TrimSpace(c.Param("cycle_id"))
	if id == "" {
		return failFields(c, map[string]string{"cycle_id": "is required"})
	}
	cyc, err := s.deps.Store.GetCycle(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return fail(c, http.StatusNotFound, "Cycle not found")
	}
	if err != nil {
		return s.serverError(c, err, "Failed to load cycle "+id)
	}
	return ok(c, cyc)
}

func (s *Server) handleRunCycle(c echo.Context) error {
	if s.deps.Cycles == nil {
		return failUnavailable(c, "Cycle runner is not configured")
	}
	cyc, err := s.deps.Cycles.Trigger(c.Request().Context(), store.TriggerManual)
	switch {
	case errors.Is(err, ingest.ErrCycleInProgress):
		return fail(c, http.StatusConflict, "A cycle is already running")
	case errors.Is(err, ingest.ErrRunnerClosed):
		return failUnavailable(c, "Cycle runner is shutting down")
	case err != nil:
		return s.serverError(c, err, "Failed to start cycle")
	}
	return accepted(c, cyc)
}

func (s *Server) handleCleanup(c echo.Context) error {
	if s.deps.Maintenance == nil {
		return failUnavailable(c, "Maintenance is not configured")
	}
	result, err := s.deps.Maintenance.Run(c.Request().Context())
	if err != nil {
		return s.serverError(c, err, "Failed to run cleanup")
	}
	return ok(c, result)
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}

// parseWindow accepts a Go duration ("36h") or a bare number of hours.
func parseWindow(raw string, defaultValue time.Duration) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}
	if hours, err := strconv.Atoi(trimmed); err == nil {
		if hours < 1 || hours > 24*30 {
			return 0, fmt.Errorf("must be between 1 and %d hours", 24*30)
		}
		return time.Duration(hours) * time.Hour, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be a duration such as 24h")
	}
	if d < time.Hour || d > 30*24*time.Hour {
		return 0, fmt.Errorf("must be between 1h and 720h")
	}
	return d, nil
}
