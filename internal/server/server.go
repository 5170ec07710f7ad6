// Package server exposes the HTTP intake: the alert webhook that feeds
// signals into the orchestrator, plus liveness endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
	"github.com/ccruz0/crypto-2.0-sub006/internal/orchestrator"
)

// SignalHandler processes one inbound trade signal end to end.
type SignalHandler interface {
	HandleSignal(ctx context.Context, sig domain.TradeSignal) (orchestrator.Outcome, error)
}

// Config holds HTTP server settings.
type Config struct {
	Addr         string
	WebhookToken string
}

// Server hosts the alert webhook.
type Server struct {
	cfg     Config
	handler SignalHandler
	logger  *slog.Logger
	engine  *gin.Engine
	now     func() time.Time
}

// New creates the HTTP server and registers its routes.
func New(cfg Config, handler SignalHandler, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(slog.String("component", "server")),
		engine:  gin.New(),
		now:     time.Now,
	}

	s.engine.Use(gin.Recovery())
	s.engine.GET("/health", s.handleHealth)
	s.engine.POST("/webhook", s.requireToken(), s.handleWebhook)
	return s
}

// Engine returns the router, used by handler tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("http server listening", slog.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.WebhookToken == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-Webhook-Token") != s.cfg.WebhookToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.now().UTC()})
}

// alertPayload is the inbound webhook body, shaped like a TradingView alert.
type alertPayload struct {
	SignalID      string `json:"signal_id"`
	Symbol        string `json:"symbol" binding:"required"`
	Side          string `json:"side" binding:"required"`
	Strategy      string `json:"strategy"`
	Timeframe     string `json:"timeframe"`
	Price         string `json:"price" binding:"required"`
	Quantity      string `json:"quantity" binding:"required"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

func (p alertPayload) toSignal(now time.Time) (domain.TradeSignal, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(p.Price))
	if err != nil {
		return domain.TradeSignal{}, fmt.Errorf("server: invalid price %q", p.Price)
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(p.Quantity))
	if err != nil {
		return domain.TradeSignal{}, fmt.Errorf("server: invalid quantity %q", p.Quantity)
	}

	id := strings.TrimSpace(p.SignalID)
	if id == "" {
		id = uuid.NewString()
	}

	return domain.TradeSignal{
		ID:            id,
		Symbol:        strings.TrimSpace(p.Symbol),
		Side:          domain.Side(strings.ToUpper(strings.TrimSpace(p.Side))),
		StrategyKey:   strings.TrimSpace(p.Strategy),
		Timeframe:     strings.TrimSpace(p.Timeframe),
		Price:         price,
		Quantity:      qty,
		Message:       p.Message,
		CorrelationID: strings.TrimSpace(p.CorrelationID),
		CreatedAt:     now,
	}, nil
}

func (s *Server) handleWebhook(c *gin.Context) {
	var payload alertPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}

	sig, err := payload.toSignal(s.now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := s.handler.HandleSignal(c.Request.Context(), sig)
	if err != nil && outcome.Status == "" {
		s.logger.Error("signal handling failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Placement failures still return 200: the signal was accepted and its
	// terminal state is recorded on the intent.
	resp := gin.H{"signal_id": sig.ID, "status": outcome.Status, "reason": outcome.Reason}
	if outcome.Intent != nil {
		resp["intent_id"] = outcome.Intent.ID
		if outcome.Intent.OrderID != "" {
			resp["order_id"] = outcome.Intent.OrderID
		}
	}
	c.JSON(http.StatusOK, resp)
}
