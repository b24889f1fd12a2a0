// Package trigger holds conditional orders (stop-limit, take-profit) off the
// book and converts them into limit orders when their trigger price crosses.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/synthex/internal/engine"
	"github.com/openperp/synthex/internal/metrics"
	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

// InstrumentLister yields the symbols the poll loop watches.
type InstrumentLister interface {
	Symbols() []string
}

// Config tunes the price poll.
type Config struct {
	Interval time.Duration
}

// Monitor is the conditional order registry. Pending orders are invisible to
// the order book and reserve no margin until they trigger.
type Monitor struct {
	logger      *zap.Logger
	repo        model.Repository
	engine      *engine.Engine
	oracle      model.PriceOracle
	instruments InstrumentLister
	metrics     *metrics.Metrics
	interval    time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]*model.Order
}

func New(logger *zap.Logger, repo model.Repository, eng *engine.Engine, oracle model.PriceOracle, instruments InstrumentLister, m *metrics.Metrics, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	return &Monitor{
		logger:      logger.Named("trigger"),
		repo:        repo,
		engine:      eng,
		oracle:      oracle,
		instruments: instruments,
		metrics:     m,
		interval:    cfg.Interval,
		pending:     make(map[uuid.UUID]*model.Order),
	}
}

// Submit registers a conditional order. The order is persisted in
// PENDING_TRIGGER status and held until a price tick crosses its trigger.
func (t *Monitor) Submit(ctx context.Context, order *model.Order) (*model.Order, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if !order.IsConditional() {
		return nil, errors.InvalidOrder.Explain("order type %s has no trigger", order.Type)
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	now := time.Now()
	order.Status = model.OrderStatusPendingTrigger
	order.CreatedAt = now
	order.UpdatedAt = now
	if err := t.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	stored := *order
	t.mu.Lock()
	t.pending[order.ID] = &stored
	t.mu.Unlock()
	t.logger.Info("conditional order registered",
		zap.String("order_id", order.ID.String()),
		zap.String("instrument", order.Instrument),
		zap.String("type", order.Type),
		zap.String("trigger_price", order.TriggerPrice.String()))
	return order, nil
}

// Cancel removes a pending conditional order. Orders already triggered or
// cancelled are gone from the registry, so cancelling them reports NotFound.
func (t *Monitor) Cancel(ctx context.Context, orderID, userID uuid.UUID) (*model.Order, error) {
	t.mu.Lock()
	order, ok := t.pending[orderID]
	if ok && order.UserID != userID {
		t.mu.Unlock()
		return nil, errors.NotOwner.Explain("order %s belongs to another user", orderID)
	}
	if ok {
		delete(t.pending, orderID)
	}
	t.mu.Unlock()
	if !ok {
		return nil, errors.NotFound.Explain("no pending conditional order %s", orderID)
	}
	order.Status = model.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	if err := t.repo.SaveOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// Pending lists the registered conditional orders, optionally filtered by
// user.
func (t *Monitor) Pending(userID uuid.UUID) []*model.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*model.Order, 0, len(t.pending))
	for _, order := range t.pending {
		if userID != uuid.Nil && order.UserID != userID {
			continue
		}
		cp := *order
		out = append(out, &cp)
	}
	return out
}

// shouldTrigger applies the crossing rule: buy-side orders trigger when the
// price rises to the trigger, sell-side orders when it falls to it.
func shouldTrigger(order *model.Order, price decimal.Decimal) bool {
	if order.Side == model.OrderSideBuy {
		return price.GreaterThanOrEqual(order.TriggerPrice)
	}
	return price.LessThanOrEqual(order.TriggerPrice)
}

// OnPriceTick fires every pending order on the instrument whose trigger the
// price crosses. Each fired order is marked TRIGGERED and resubmitted as a
// plain limit order through the matching engine, at which point margin is
// reserved and normal rejection rules apply.
func (t *Monitor) OnPriceTick(ctx context.Context, instrument string, price decimal.Decimal) {
	t.mu.Lock()
	var fired []*model.Order
	for id, order := range t.pending {
		if order.Instrument != instrument || !shouldTrigger(order, price) {
			continue
		}
		fired = append(fired, order)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, order := range fired {
		t.fire(ctx, order, price)
	}
}

func (t *Monitor) fire(ctx context.Context, order *model.Order, price decimal.Decimal) {
	order.Status = model.OrderStatusTriggered
	order.UpdatedAt = time.Now()
	if err := t.repo.SaveOrder(ctx, order); err != nil {
		t.logger.Error("trigger save failed", zap.String("order_id", order.ID.String()), zap.Error(err))
	}
	limit := &model.Order{
		ID:          uuid.New(),
		UserID:      order.UserID,
		Instrument:  order.Instrument,
		Side:        order.Side,
		Intent:      order.Intent,
		Type:        model.OrderTypeLimit,
		Price:       order.Price,
		Quantity:    order.Remaining(),
		TimeInForce: model.TimeInForceGTC,
	}
	if _, err := t.engine.SubmitOrder(ctx, limit); err != nil {
		t.logger.Warn("triggered order rejected",
			zap.String("order_id", order.ID.String()),
			zap.String("limit_order_id", limit.ID.String()),
			zap.Error(err))
		return
	}
	if t.metrics != nil {
		t.metrics.TriggeredOrders.WithLabelValues(order.Instrument).Inc()
	}
	t.logger.Info("conditional order triggered",
		zap.String("order_id", order.ID.String()),
		zap.String("limit_order_id", limit.ID.String()),
		zap.String("instrument", order.Instrument),
		zap.String("tick_price", price.String()))
}

// Poll checks every watched instrument's current price once.
func (t *Monitor) Poll(ctx context.Context) {
	for _, sym := range t.instruments.Symbols() {
		price, err := t.oracle.CurrentPrice(ctx, sym)
		if err != nil {
			continue
		}
		t.OnPriceTick(ctx, sym, price)
	}
}

// Run polls on the configured interval until ctx is cancelled.
func (t *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Poll(ctx)
		}
	}
}
