// Package server exposes the trading engine over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mintex-trade/mintex/internal/amm"
	"github.com/mintex-trade/mintex/internal/auth"
	"github.com/mintex-trade/mintex/internal/config"
	"github.com/mintex-trade/mintex/internal/ticker"
)

// Server wires the trading engine, session auth and live ticker into one HTTP
// listener.
type Server struct {
	cfg      *config.Config
	engine   *amm.Engine
	db       *gorm.DB
	sessions auth.SessionStore
	hub      *ticker.Hub
	logger   *zap.Logger
	validate *validator.Validate

	httpServer *http.Server
	healthFns  []HealthCheck
}

// HealthCheck probes one dependency; a non-nil error marks the server
// unhealthy.
type HealthCheck func(ctx context.Context) error

// New creates the HTTP server. hub may be nil to disable the websocket ticker.
func New(cfg *config.Config, engine *amm.Engine, db *gorm.DB, sessions auth.SessionStore, hub *ticker.Hub, logger *zap.Logger, healthFns ...HealthCheck) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		db:        db,
		sessions:  sessions,
		hub:       hub,
		logger:    logger,
		validate:  validator.New(),
		healthFns: healthFns,
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	corsCfg := cors.Config{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	// Credentials cannot be combined with a wildcard origin.
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		corsCfg.AllowCredentials = true
	}
	router.Use(cors.New(corsCfg))

	s.registerRoutes(router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/pools", s.handleListPools)
	v1.GET("/pools/:symbol", s.handleGetPool)
	if s.hub != nil {
		v1.GET("/ticker", s.hub.HandleWS)
	}

	trades := v1.Group("")
	trades.Use(auth.Middleware(s.sessions))
	trades.POST("/swap", s.handleSwap)
	trades.POST("/buy", s.handleBuy)
	trades.POST("/sell", s.handleSell)
}

// Start begins serving. It blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	for _, check := range s.healthFns {
		if err := check(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
