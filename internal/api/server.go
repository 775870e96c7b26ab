// Package api serves the monitoring surface: protection summaries, the event
// audit trail, handler status, a websocket event feed, and one operator
// override for recovery state.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"position-guardian/config"
	"position-guardian/internal/database"
	"position-guardian/internal/errorhandler"
	"position-guardian/internal/events"
	"position-guardian/internal/monitor"
	"position-guardian/internal/position"
)

// Server is the monitoring HTTP API
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	monitor    *monitor.Monitor
	handler    *errorhandler.Handler
	eventLog   *events.Log
	repo       *database.Repository // nil when persistence is disabled
	hub        *WSHub
	cfg        config.ServerConfig
	logger     zerolog.Logger
}

// NewServer creates the API server and registers routes
func NewServer(cfg config.ServerConfig, mon *monitor.Monitor, handler *errorhandler.Handler, eventLog *events.Log, repo *database.Repository, bus *events.Bus, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		monitor:  mon,
		handler:  handler,
		eventLog: eventLog,
		repo:     repo,
		hub:      NewWSHub(logger),
		cfg:      cfg,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.hub.Attach(bus)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/protection", s.handleSummary)
		api.GET("/protection/:symbol", s.handleSymbolSummary)
		api.GET("/protection/:symbol/protected", s.handleIsProtected)
		api.GET("/events", s.handleEvents)
		api.GET("/status", s.handleStatus)
		api.POST("/recovery/reset", s.handleRecoveryReset)
	}

	s.router.GET("/ws", s.hub.HandleConnection)
}

// Start runs the HTTP server until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Monitoring API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{"status": "ok", "time": time.Now()}
	if s.repo != nil {
		if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Summary())
}

func (s *Server) handleSymbolSummary(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	summary, err := s.monitor.SummaryFor(symbol)
	if err != nil {
		if err == position.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "no tracked position for " + symbol})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleIsProtected(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	summary, err := s.monitor.SummaryFor(symbol)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "protected": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":     symbol,
		"protected":  summary.Protected,
		"since":      summary.LastVerifiedAt,
		"stop_price": summary.ConfirmedStopPrice,
		"order_id":   summary.StopOrderID,
	})
}

// handleEvents serves the recent in-memory ring by default; with a symbol
// filter and persistence enabled it reads the durable audit trail
func (s *Server) handleEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	symbol := strings.ToUpper(c.Query("symbol"))
	if symbol != "" && s.repo != nil {
		list, err := s.repo.GetEventsBySymbol(c.Request.Context(), symbol, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": list})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": s.eventLog.Recent(limit)})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.handler.Status(c.Request.Context()))
}

// handleRecoveryReset is the single mutating endpoint: an operator override
// that clears recovery mode and closes the circuit breakers
func (s *Server) handleRecoveryReset(c *gin.Context) {
	s.handler.ResetRecovery(c.Request.Context())
	c.JSON(http.StatusOK, s.handler.Status(c.Request.Context()))
}
