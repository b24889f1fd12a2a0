// Package engine implements price-time priority matching on top of the order
// book. Matching for a single instrument is serialized: one mutation is in
// flight per book at a time, while different instruments match concurrently.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/synthex/internal/book"
	"github.com/openperp/synthex/internal/metrics"
	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

// Ledger is the slice of the position/margin ledger the engine drives:
// pessimistic margin reservation at submission and atomic settlement of each
// match.
type Ledger interface {
	ReserveMargin(ctx context.Context, order *model.Order, refPrice decimal.Decimal) error
	ReleaseMargin(ctx context.Context, order *model.Order) error
	SettleTrade(ctx context.Context, trade *model.Trade, taker, maker *model.Order) error
	ValidateFill(ctx context.Context, order *model.Order, qty decimal.Decimal) error
}

// Publisher receives executed trades for downstream distribution. A nil
// publisher is valid and drops events.
type Publisher interface {
	PublishTrade(ctx context.Context, trade *model.Trade)
}

// SubmitResult is the caller-visible outcome of a submission: the order in
// its post-matching state plus any fills it produced.
type SubmitResult struct {
	Order  *model.Order
	Trades []*model.Trade
}

// instrumentState pairs a book with the mutex that serializes its mutations.
type instrumentState struct {
	mu   sync.Mutex
	book *book.OrderBook
}

// Engine matches incoming orders against per-instrument books.
type Engine struct {
	logger  *zap.Logger
	repo    model.Repository
	ledger  Ledger
	oracle  model.PriceOracle
	pub     Publisher
	metrics *metrics.Metrics

	mu          sync.RWMutex
	instruments map[string]*instrumentState
}

// New creates a matching engine. pub and m may be nil.
func New(logger *zap.Logger, repo model.Repository, ledger Ledger, oracle model.PriceOracle, pub Publisher, m *metrics.Metrics) *Engine {
	return &Engine{
		logger:      logger.Named("engine"),
		repo:        repo,
		ledger:      ledger,
		oracle:      oracle,
		pub:         pub,
		metrics:     m,
		instruments: make(map[string]*instrumentState),
	}
}

// RegisterInstrument creates an empty book for the symbol. Re-registering is
// a no-op.
func (e *Engine) RegisterInstrument(instrument string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.instruments[instrument]; !ok {
		e.instruments[instrument] = &instrumentState{book: book.New(instrument)}
	}
}

func (e *Engine) state(instrument string) (*instrumentState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.instruments[instrument]
	if !ok {
		return nil, errors.NotFound.Explain("unknown instrument %q", instrument)
	}
	return st, nil
}

// Book returns the order book for read-side queries (depth, best bid/ask).
func (e *Engine) Book(instrument string) (*book.OrderBook, error) {
	st, err := e.state(instrument)
	if err != nil {
		return nil, err
	}
	return st.book, nil
}

// SubmitOrder validates, reserves margin, matches and finally rests or
// discards the remainder. Conditional order types never reach the engine;
// the trigger monitor converts them to limit orders first.
func (e *Engine) SubmitOrder(ctx context.Context, order *model.Order) (*SubmitResult, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if order.Type != model.OrderTypeLimit && order.Type != model.OrderTypeMarket {
		return nil, errors.InvalidOrder.Explain("order type %s is not matchable, submit it through the trigger monitor", order.Type)
	}
	st, err := e.state(order.Instrument)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.TimeInForce = model.TimeInForceGTC
	order.Status = model.OrderStatusPending

	refPrice, err := e.referencePrice(ctx, st.book, order)
	if err != nil {
		return nil, err
	}
	// Worst-case margin is reserved before the order may rest or match at
	// all; a submission that cannot fund itself never touches the book.
	if err := e.ledger.ReserveMargin(ctx, order, refPrice); err != nil {
		return nil, err
	}
	if err := e.repo.CreateOrder(ctx, order); err != nil {
		e.releaseQuiet(ctx, order)
		return nil, err
	}

	trades, err := e.match(ctx, st, order)
	if err != nil {
		// Fills already settled stay settled; the failed remainder is pulled
		// back so no unfunded exposure rests on the book.
		e.failRemainder(ctx, st, order)
		return nil, err
	}

	if order.Remaining().GreaterThan(decimal.Zero) {
		if order.Type == model.OrderTypeLimit {
			if err := st.book.Insert(order); err != nil {
				e.failRemainder(ctx, st, order)
				return nil, err
			}
		} else {
			// Market remainders never rest.
			if order.FilledQuantity.GreaterThan(decimal.Zero) {
				order.Status = model.OrderStatusFilled
			} else {
				order.Status = model.OrderStatusCancelled
			}
			e.releaseQuiet(ctx, order)
		}
	}
	if err := e.repo.SaveOrder(ctx, order); err != nil {
		e.logger.Error("failed to persist order state after matching",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.OrdersSubmitted.WithLabelValues(order.Instrument, order.Side).Inc()
	}
	return &SubmitResult{Order: order, Trades: trades}, nil
}

// match runs the taker against eligible makers until the taker is spent or
// liquidity runs out. Execution price is always the maker's price.
func (e *Engine) match(ctx context.Context, st *instrumentState, taker *model.Order) ([]*model.Trade, error) {
	isMarket := taker.Type == model.OrderTypeMarket
	var trades []*model.Trade
	for taker.Remaining().GreaterThan(decimal.Zero) {
		maker := st.book.FirstEligibleMaker(taker.Side, taker.UserID, taker.Price, isMarket)
		if maker == nil {
			break
		}
		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		trade := &model.Trade{
			ID:           uuid.New(),
			Instrument:   taker.Instrument,
			TakerOrderID: taker.ID,
			MakerOrderID: maker.ID,
			TakerUserID:  taker.UserID,
			MakerUserID:  maker.UserID,
			TakerSide:    taker.Side,
			Price:        maker.Price,
			Quantity:     qty,
			CreatedAt:    time.Now(),
		}
		taker.Fill(qty)
		st.book.ApplyMakerFill(maker.ID, qty)

		if err := e.ledger.SettleTrade(ctx, trade, taker, maker); err != nil {
			// Roll the in-memory fill back; the book still holds the maker.
			e.rollbackFill(st, taker, maker, qty)
			if !errors.IsTransient(err) && e.ledger.ValidateFill(ctx, maker, qty) != nil {
				// The maker's position changed after it rested and the fill
				// can never settle. Pull the maker so it stops blocking valid
				// takers, then keep matching.
				e.evictMaker(ctx, st, maker)
				continue
			}
			return trades, err
		}
		trades = append(trades, trade)
		if e.metrics != nil {
			e.metrics.TradesMatched.WithLabelValues(trade.Instrument).Inc()
		}
		if e.pub != nil {
			e.pub.PublishTrade(ctx, trade)
		}
		e.logger.Debug("trade executed",
			zap.String("instrument", trade.Instrument),
			zap.String("price", trade.Price.String()),
			zap.String("quantity", trade.Quantity.String()))
	}
	return trades, nil
}

// rollbackFill undoes the in-memory quantity changes of a fill whose
// settlement failed.
func (e *Engine) rollbackFill(st *instrumentState, taker, maker *model.Order, qty decimal.Decimal) {
	taker.FilledQuantity = taker.FilledQuantity.Sub(qty)
	if taker.FilledQuantity.GreaterThan(decimal.Zero) {
		taker.Status = model.OrderStatusPartiallyFilled
	} else {
		taker.Status = model.OrderStatusPending
	}
	maker.FilledQuantity = maker.FilledQuantity.Sub(qty)
	if maker.FilledQuantity.GreaterThan(decimal.Zero) {
		maker.Status = model.OrderStatusPartiallyFilled
	} else {
		maker.Status = model.OrderStatusPending
	}
	if _, ok := st.book.Get(maker.ID); !ok {
		// The fill unlinked the maker; put the remainder back.
		if err := st.book.Insert(maker); err != nil {
			e.logger.Error("failed to restore maker after settlement failure",
				zap.String("order_id", maker.ID.String()), zap.Error(err))
		}
	}
}

// evictMaker cancels a resting order whose fills can no longer settle.
func (e *Engine) evictMaker(ctx context.Context, st *instrumentState, maker *model.Order) {
	st.book.Remove(maker.ID)
	maker.Status = model.OrderStatusCancelled
	e.releaseQuiet(ctx, maker)
	if err := e.repo.SaveOrder(ctx, maker); err != nil {
		e.logger.Error("failed to persist evicted order",
			zap.String("order_id", maker.ID.String()), zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.OrdersCancelled.WithLabelValues(maker.Instrument).Inc()
	}
	e.logger.Warn("resting order can no longer settle, evicted",
		zap.String("order_id", maker.ID.String()),
		zap.String("instrument", maker.Instrument),
		zap.String("remaining", maker.Remaining().String()))
}

// CancelOrder removes the unfilled remainder of a resting order. A cancel
/// racing a match serializes behind it on the instrument lock: if the order
// filled completely in the meantime the cancel reports AlreadyMatching with
// the filled order state rather than silently dropping quantity.
func (e *Engine) CancelOrder(ctx context.Context, instrument string, orderID, userID uuid.UUID) (*model.Order, error) {
	st, err := e.state(instrument)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	order, err := st.book.Cancel(orderID, userID)
	if err != nil {
		if !errors.Is(err, errors.NotFound) {
			return nil, err
		}
		stored, getErr := e.repo.GetOrder(ctx, orderID)
		if getErr != nil {
			return nil, err
		}
		if stored.UserID != userID {
			return nil, errors.NotOwner.Explain("order %s does not belong to user %s", orderID, userID)
		}
		if stored.Status == model.OrderStatusFilled {
			return stored, errors.AlreadyMatching.Explain("order %s filled %s before the cancel arrived", orderID, stored.FilledQuantity)
		}
		return nil, err
	}

	e.releaseQuiet(ctx, order)
	if err := e.repo.SaveOrder(ctx, order); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.OrdersCancelled.WithLabelValues(instrument).Inc()
	}
	return order, nil
}

// MarkPrice returns the book midpoint when both sides are quoted, otherwise
// the oracle reference price.
func (e *Engine) MarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	st, err := e.state(instrument)
	if err != nil {
		return decimal.Zero, err
	}
	bid, haveBid := st.book.BestBid()
	ask, haveAsk := st.book.BestAsk()
	if haveBid && haveAsk {
		return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
	}
	return e.oracle.CurrentPrice(ctx, instrument)
}

// referencePrice chooses the price margin reservation is computed against:
// the limit price for limit orders, the best opposing quote or oracle price
// for market orders.
func (e *Engine) referencePrice(ctx context.Context, b *book.OrderBook, order *model.Order) (decimal.Decimal, error) {
	if order.Type == model.OrderTypeLimit {
		return order.Price, nil
	}
	if order.Side == model.OrderSideBuy {
		if ask, ok := b.BestAsk(); ok {
			return ask, nil
		}
	} else {
		if bid, ok := b.BestBid(); ok {
			return bid, nil
		}
	}
	return e.oracle.CurrentPrice(ctx, order.Instrument)
}

// failRemainder cancels the unexecuted remainder of a taker after an error.
func (e *Engine) failRemainder(ctx context.Context, st *instrumentState, order *model.Order) {
	if _, ok := st.book.Get(order.ID); ok {
		st.book.Remove(order.ID)
	}
	if order.Status != model.OrderStatusFilled {
		order.Status = model.OrderStatusCancelled
	}
	e.releaseQuiet(ctx, order)
	if err := e.repo.SaveOrder(ctx, order); err != nil {
		e.logger.Error("failed to persist cancelled remainder",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}

func (e *Engine) releaseQuiet(ctx context.Context, order *model.Order) {
	if err := e.ledger.ReleaseMargin(ctx, order); err != nil {
		e.logger.Error("failed to release margin reservation",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}
