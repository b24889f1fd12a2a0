package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

// submitOrderRequest carries a new order. Money fields arrive as strings to
// keep decimal precision off the float path.
type submitOrderRequest struct {
	UserID       string `json:"user_id" binding:"required,uuid"`
	Instrument   string `json:"instrument" binding:"required"`
	Side         string `json:"side" binding:"required,oneof=BUY SELL"`
	Intent       string `json:"intent" binding:"required,oneof=LONG SHORT"`
	Type         string `json:"type" binding:"required,oneof=LIMIT MARKET STOP_LIMIT TAKE_PROFIT"`
	Price        string `json:"price" binding:"omitempty,decimal"`
	TriggerPrice string `json:"trigger_price" binding:"omitempty,decimal"`
	Quantity     string `json:"quantity" binding:"required,decimal"`
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order := &model.Order{
		ID:          uuid.New(),
		UserID:      uuid.MustParse(req.UserID),
		Instrument:  req.Instrument,
		Side:        req.Side,
		Intent:      req.Intent,
		Type:        req.Type,
		TimeInForce: model.TimeInForceGTC,
	}
	var err error
	if order.Quantity, err = decimal.NewFromString(req.Quantity); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quantity"})
		return
	}
	if req.Price != "" {
		if order.Price, err = decimal.NewFromString(req.Price); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
			return
		}
	}
	if req.TriggerPrice != "" {
		if order.TriggerPrice, err = decimal.NewFromString(req.TriggerPrice); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trigger_price"})
			return
		}
	}
	result, err := s.trading.SubmitOrder(c.Request.Context(), order)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	userID, ok := s.queryUser(c)
	if !ok {
		return
	}
	instrument := c.Query("instrument")
	if instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument is required"})
		return
	}
	order, err := s.trading.CancelOrder(c.Request.Context(), instrument, orderID, userID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) pendingTriggers(c *gin.Context) {
	userID, ok := s.queryUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.trading.PendingTriggers(userID))
}

func (s *Server) listInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, s.trading.Instruments())
}

func (s *Server) depth(c *gin.Context) {
	levels, err := strconv.Atoi(c.DefaultQuery("levels", "10"))
	if err != nil || levels <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid levels"})
		return
	}
	bids, asks, err := s.trading.Depth(c.Param("instrument"), levels)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids, "asks": asks})
}

func (s *Server) bestQuotes(c *gin.Context) {
	bid, ask, bidOK, askOK, err := s.trading.BestQuotes(c.Param("instrument"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	out := gin.H{}
	if bidOK {
		out["bid"] = bid
	}
	if askOK {
		out["ask"] = ask
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) markPrice(c *gin.Context) {
	price, err := s.trading.MarkPrice(c.Request.Context(), c.Param("instrument"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mark_price": price})
}

func (s *Server) positions(c *gin.Context) {
	userID, ok := s.queryUser(c)
	if !ok {
		return
	}
	positions, err := s.trading.Positions(c.Request.Context(), userID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

type closePositionRequest struct {
	UserID     string `json:"user_id" binding:"required,uuid"`
	Instrument string `json:"instrument" binding:"required"`
}

func (s *Server) closePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pos, err := s.trading.ClosePosition(c.Request.Context(), uuid.MustParse(req.UserID), req.Instrument)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) balance(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	acct, err := s.trading.Balance(c.Request.Context(), userID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

type depositRequest struct {
	Amount string `json:"amount" binding:"required,decimal"`
}

func (s *Server) deposit(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	if err := s.trading.Deposit(c.Request.Context(), userID, amount); err != nil {
		s.renderError(c, err)
		return
	}
	acct, err := s.trading.Balance(c.Request.Context(), userID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) fundingHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	recs, err := s.trading.FundingHistory(c.Request.Context(), c.Param("instrument"), limit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) riskSummary(c *gin.Context) {
	userID, ok := s.queryUser(c)
	if !ok {
		return
	}
	summary, err := s.trading.RiskSummary(c.Request.Context(), userID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) queryUser(c *gin.Context) (uuid.UUID, bool) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or missing user_id"})
		return uuid.Nil, false
	}
	return userID, true
}

// renderError maps the error taxonomy onto HTTP statuses.
func (s *Server) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.InvalidOrder), errors.Is(err, errors.SelfTrade):
		status = http.StatusBadRequest
	case errors.Is(err, errors.InsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, errors.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.NotOwner):
		status = http.StatusForbidden
	case errors.Is(err, errors.AlreadyMatching), errors.Is(err, errors.ConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, errors.OracleUnavailable), errors.Is(err, errors.RetryExhausted), errors.Is(err, errors.Transient):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
