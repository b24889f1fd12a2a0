// Package api exposes the trading service over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/synthex/internal/service"
)

// validDecimal accepts strings that parse as a decimal number. Money fields
// travel as strings so float rounding never touches them.
func validDecimal(fl validator.FieldLevel) bool {
	_, err := decimal.NewFromString(fl.Field().String())
	return err == nil
}

// Server wraps the HTTP layer around the trading service.
type Server struct {
	logger  *zap.Logger
	trading *service.Trading
	http    *http.Server
}

// New builds the router and binds it to addr. The metrics registry backs
// the /metrics endpoint.
func New(logger *zap.Logger, trading *service.Trading, reg *prometheus.Registry, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("decimal", validDecimal)
	}
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.Default())

	s := &Server{
		logger:  logger.Named("api"),
		trading: trading,
		http: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if reg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/instruments", s.listInstruments)
		v1.POST("/orders", s.submitOrder)
		v1.DELETE("/orders/:id", s.cancelOrder)
		v1.GET("/orders/pending", s.pendingTriggers)
		v1.GET("/book/:instrument/depth", s.depth)
		v1.GET("/book/:instrument/quotes", s.bestQuotes)
		v1.GET("/book/:instrument/mark", s.markPrice)
		v1.GET("/positions", s.positions)
		v1.POST("/positions/close", s.closePosition)
		v1.GET("/accounts/:user_id", s.balance)
		v1.POST("/accounts/:user_id/deposit", s.deposit)
		v1.GET("/funding/:instrument", s.fundingHistory)
		v1.GET("/risk", s.riskSummary)
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
