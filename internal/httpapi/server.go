// Package httpapi serves health, metrics and read-only views of the
// governed state, plus feedback intake.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/persona-governor/internal/feedback"
	"github.com/danielpatrickdp/persona-governor/internal/learning"
	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/optimizer"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/review"
)

// #region deps
// SpecReader reads persona spec versions.
type SpecReader interface {
	Active(ctx context.Context, twinID string) (persona.Spec, error)
	History(ctx context.Context, twinID string, limit int) ([]persona.Spec, error)
}

// LearningReader reads learned modules and learning runs.
type LearningReader interface {
	Modules(ctx context.Context, twinID string) ([]learning.Module, error)
	Runs(ctx context.Context, twinID string, limit int) ([]learning.Run, error)
}

// VariantReader lists prompt variants.
type VariantReader interface {
	List(ctx context.Context, twinID string, limit int) ([]optimizer.Variant, error)
}

// ReviewReader lists review items.
type ReviewReader interface {
	List(ctx context.Context, twinID string, status review.Status) ([]review.Item, error)
}

// FeedbackIngestor accepts feedback signals.
type FeedbackIngestor interface {
	Ingest(ctx context.Context, sig feedback.Signal) (feedback.Event, bool, error)
}

// Deps wires a Server. Nil readers leave their routes unregistered.
type Deps struct {
	Specs    SpecReader
	Learning LearningReader
	Variants VariantReader
	Review   ReviewReader
	Feedback FeedbackIngestor
	Logger   *zap.Logger
}

// #endregion deps

// #region server
// Server is the observability listener.
type Server struct {
	echo   *echo.Echo
	d      Deps
	logger *zap.Logger
}

// NewServer builds the echo instance and registers routes.
func NewServer(d Deps) *Server {
	logger := logging.OrNop(d.Logger).Named("http")
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			requestsTotal.WithLabelValues(c.Request().Method, c.Path(), strconv.Itoa(status)).Inc()
			requestDuration.WithLabelValues(c.Path()).Observe(time.Since(start).Seconds())
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
			return nil
		}
	})

	s := &Server{echo: e, d: d, logger: logger}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	if s.d.Specs != nil {
		v1.GET("/twins/:twin/spec", s.handleActiveSpec)
		v1.GET("/twins/:twin/specs", s.handleSpecHistory)
	}
	if s.d.Learning != nil {
		v1.GET("/twins/:twin/modules", s.handleModules)
		v1.GET("/twins/:twin/runs", s.handleRuns)
	}
	if s.d.Variants != nil {
		v1.GET("/twins/:twin/variants", s.handleVariants)
	}
	if s.d.Review != nil {
		v1.GET("/twins/:twin/review", s.handleReview)
	}
	if s.d.Feedback != nil {
		v1.POST("/feedback", s.handleFeedback)
	}
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// #endregion server

// #region handlers
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleActiveSpec(c echo.Context) error {
	spec, err := s.d.Specs.Active(c.Request().Context(), c.Param("twin"))
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, specView(spec, true))
}

func (s *Server) handleSpecHistory(c echo.Context) error {
	specs, err := s.d.Specs.History(c.Request().Context(), c.Param("twin"), limitParam(c, 50))
	if err != nil {
		return s.fail(err)
	}
	out := make([]SpecView, len(specs))
	for i, sp := range specs {
		out[i] = specView(sp, false)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleModules(c echo.Context) error {
	mods, err := s.d.Learning.Modules(c.Request().Context(), c.Param("twin"))
	if err != nil {
		return s.fail(err)
	}
	out := make([]ModuleView, len(mods))
	for i, m := range mods {
		out[i] = moduleView(m)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleRuns(c echo.Context) error {
	runs, err := s.d.Learning.Runs(c.Request().Context(), c.Param("twin"), limitParam(c, 20))
	if err != nil {
		return s.fail(err)
	}
	out := make([]RunView, len(runs))
	for i, r := range runs {
		out[i] = runView(r)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleVariants(c echo.Context) error {
	vs, err := s.d.Variants.List(c.Request().Context(), c.Param("twin"), limitParam(c, 20))
	if err != nil {
		return s.fail(err)
	}
	out := make([]VariantView, len(vs))
	for i, v := range vs {
		out[i] = variantView(v)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleReview(c echo.Context) error {
	status := review.Status(c.QueryParam("status"))
	if status == "" {
		status = review.StatusPending
	}
	switch status {
	case review.StatusPending, review.StatusResolved, review.StatusDismissed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}
	items, err := s.d.Review.List(c.Request().Context(), c.Param("twin"), status)
	if err != nil {
		return s.fail(err)
	}
	out := make([]ReviewView, len(items))
	for i, it := range items {
		out[i] = reviewView(it)
	}
	return c.JSON(http.StatusOK, out)
}

// FeedbackRequest is the body of POST /api/v1/feedback.
type FeedbackRequest struct {
	TwinID  string   `json:"twin_id"`
	TraceID string   `json:"trace_id"`
	Type    string   `json:"type"`
	Score   *float64 `json:"score,omitempty"`
	Note    string   `json:"note,omitempty"`
	AuditID string   `json:"response_audit_id,omitempty"`
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ev, created, err := s.d.Feedback.Ingest(c.Request().Context(), feedback.Signal{
		TwinID:          req.TwinID,
		TraceID:         req.TraceID,
		Source:          feedback.SourceFeedback,
		Type:            feedback.EventType(req.Type),
		Score:           req.Score,
		Note:            req.Note,
		ResponseAuditID: req.AuditID,
	})
	if err != nil {
		return s.fail(err)
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	return c.JSON(code, eventView(ev))
}

// fail maps domain errors to HTTP errors; anything else is a 500 whose
// cause stays in the log.
func (s *Server) fail(err error) error {
	switch {
	case errors.Is(err, persona.ErrNotFound), errors.Is(err, learning.ErrNotFound),
		errors.Is(err, optimizer.ErrNotFound), errors.Is(err, review.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, feedback.ErrInvalidSignal):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func limitParam(c echo.Context, def int) int {
	n, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}

// #endregion handlers
