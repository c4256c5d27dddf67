// Package server is the internal admin HTTP surface: health, metrics and
// read-only breakdowns of ledger, trust and discovery state.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/discovery"
	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/internal/trust"
	"github.com/terminal-bench/satengine/pkg/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Pinger reports storage health
type Pinger interface {
	Ping(ctx context.Context) error
}

// BusStatus reports event bus connectivity
type BusStatus interface {
	IsConnected() bool
	Reconnects() int64
}

// TrustReader explains an account's trust score
type TrustReader interface {
	Breakdown(ctx context.Context, accountID string) (*trust.Breakdown, error)
}

// LedgerReader reads balances and history
type LedgerReader interface {
	Balance(ctx context.Context, accountID string) (int64, error)
	History(ctx context.Context, accountID string, f store.EntryFilter) ([]*models.LedgerEntry, error)
}

// DiscoveryReader explains a content item's discovery score
type DiscoveryReader interface {
	ScoreBreakdown(ctx context.Context, contentID string, asOf time.Time) (*discovery.Breakdown, error)
}

// Deps are the services behind the routes
type Deps struct {
	Store     Pinger
	Bus       BusStatus
	Trust     TrustReader
	Ledger    LedgerReader
	Discovery DiscoveryReader
}

// Server is the admin HTTP server
type Server struct {
	router *gin.Engine
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
	srv    *http.Server
}

// New creates a server and registers its routes
func New(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router: gin.New(),
		deps:   deps,
		logger: logger.Named("server"),
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

// WithClock overrides the clock used for default snapshots
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Handler exposes the router
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.tracingMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	{
		v1.GET("/accounts/:id/trust", s.getTrust)
		v1.GET("/accounts/:id/ledger", s.getLedger)
		v1.GET("/content/:id/discovery", s.getDiscovery)
	}
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("admin server listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Middleware

func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("correlation_id", c.GetString("correlation_id")))
	}
}

// Handlers

func (s *Server) healthCheck(c *gin.Context) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	resp := gin.H{"status": "healthy"}
	if s.deps.Bus != nil {
		resp["bus"] = gin.H{
			"connected":  s.deps.Bus.IsConnected(),
			"reconnects": s.deps.Bus.Reconnects(),
		}
		if !s.deps.Bus.IsConnected() {
			resp["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getTrust(c *gin.Context) {
	b, err := s.deps.Trust.Breakdown(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type ledgerResponse struct {
	AccountID string                `json:"account_id"`
	Balance   int64                 `json:"balance"`
	Entries   []*models.LedgerEntry `json:"entries"`
}

func (s *Server) getLedger(c *gin.Context) {
	f, err := parseEntryFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	balance, err := s.deps.Ledger.Balance(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	entries, err := s.deps.Ledger.History(c.Request.Context(), id, f)
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	c.JSON(http.StatusOK, ledgerResponse{AccountID: id, Balance: balance, Entries: entries})
}

func parseEntryFilter(c *gin.Context) (store.EntryFilter, error) {
	f := store.EntryFilter{
		Kind:  models.EntryKind(c.Query("kind")),
		Limit: defaultHistoryLimit,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, maxHistoryLimit)
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be an RFC3339 timestamp")
		}
		f.Since = t
	}
	return f, nil
}

func (s *Server) getDiscovery(c *gin.Context) {
	asOf := s.now()
	if v := c.Query("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be an RFC3339 timestamp"})
			return
		}
		asOf = t
	}
	b, err := s.deps.Discovery.ScoreBreakdown(c.Request.Context(), c.Param("id"), asOf)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
