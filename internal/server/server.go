// Package server is the HTTP intake for gateway notifications.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/settlement"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

// Handler is the part of the ledger service the intake calls.
type Handler interface {
	HandleGatewayEvent(ctx context.Context, ev settlement.Event) (*models.SettlementResult, error)
	HandlePayoutEvent(ctx context.Context, referenceNo, status string) (*models.SettlementResult, error)
	HealthCheck(ctx context.Context) error
}

type Server struct {
	handler Handler
	limiter *IPRateLimiter
	engine  *gin.Engine
	addr    string
}

func New(handler Handler, cfg models.ServerConfig) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("server requires a handler")
	}
	if cfg.RateLimit <= 0 || cfg.Burst <= 0 {
		return nil, fmt.Errorf("invalid rate limit %v with burst %d", cfg.RateLimit, cfg.Burst)
	}

	s := &Server{
		handler: handler,
		limiter: NewIPRateLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		engine:  gin.New(),
		addr:    cfg.Addr,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), requestLogger())
	s.engine.GET("/health", s.health)

	hooks := s.engine.Group("/webhooks")
	hooks.Use(s.limiter.Middleware())
	{
		hooks.POST("/midtrans", s.midtransNotification)
		hooks.POST("/midtrans/payout", s.payoutNotification)
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	limiterCtx, stopLimiter := context.WithCancel(ctx)
	defer stopLimiter()
	go s.limiter.Run(limiterCtx)

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("Webhook server listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("webhook server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	zap.L().Info("Shutting down webhook server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("webhook server shutdown: %w", err)
	}
	return nil
}
