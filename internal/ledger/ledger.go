// Package ledger translates fills into position state and moves collateral.
// Every balance mutation commits in the same transaction as the position
// write it belongs to; this is the core's hardest transactional boundary.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

// DefaultMarginRate reserves 20% of notional as collateral.
var DefaultMarginRate = decimal.NewFromFloat(0.20)

// Config holds the ledger's accounting parameters.
type Config struct {
	MarginRate decimal.Decimal
}

// reservation tracks what was locked for one order: the per-unit margin it
// was priced at and how much of the lock is still outstanding.
type reservation struct {
	perUnit   decimal.Decimal
	remaining decimal.Decimal
}

// Ledger owns positions, margin and balances. Individual operations are
// retried on optimistic-lock conflicts with bounded backoff.
type Ledger struct {
	logger *zap.Logger
	repo   model.Repository
	cfg    Config
	retry  errors.RetryPolicy

	mu           sync.Mutex
	reservations map[uuid.UUID]*reservation
}

// New creates a ledger. A zero MarginRate falls back to the default.
func New(logger *zap.Logger, repo model.Repository, cfg Config) *Ledger {
	if cfg.MarginRate.LessThanOrEqual(decimal.Zero) {
		cfg.MarginRate = DefaultMarginRate
	}
	return &Ledger{
		logger:       logger.Named("ledger"),
		repo:         repo,
		cfg:          cfg,
		retry:        errors.DefaultRetryPolicy,
		reservations: make(map[uuid.UUID]*reservation),
	}
}

// MarginRate returns the configured margin fraction.
func (l *Ledger) MarginRate() decimal.Decimal { return l.cfg.MarginRate }

// increasesExposure reports whether a fill on the order opens or grows a
// position. (LONG, BUY) and (SHORT, SELL) increase; the other two pairings
// reduce.
func increasesExposure(o *model.Order) bool {
	return (o.Intent == model.IntentLong && o.Side == model.OrderSideBuy) ||
		(o.Intent == model.IntentShort && o.Side == model.OrderSideSell)
}

// ValidateFill checks an order against the owner's current position state:
// an increase must not oppose an open position and a reduce must name one
// large enough to absorb qty. The same check gates submission and lets the
// engine tell a maker gone stale from a failure of the taker itself.
func (l *Ledger) ValidateFill(ctx context.Context, order *model.Order, qty decimal.Decimal) error {
	pos, err := l.repo.OpenPosition(ctx, order.UserID, order.Instrument)
	if err != nil {
		if !errors.Is(err, errors.NotFound) {
			return err
		}
		if increasesExposure(order) {
			return nil
		}
		return errors.InvalidOrder.Explain("no open %s position on %s to reduce", order.Intent, order.Instrument)
	}
	if pos.Type != order.Intent {
		if increasesExposure(order) {
			// One open position per (user, instrument): the opposite intent
			// must reduce, never open a second position.
			return errors.InvalidOrder.Explain("open position on %s is %s, cannot increase as %s", order.Instrument, pos.Type, order.Intent)
		}
		return errors.InvalidOrder.Explain("open position on %s is %s, not %s", order.Instrument, pos.Type, order.Intent)
	}
	if !increasesExposure(order) && qty.GreaterThan(pos.Size) {
		return errors.InvalidOrder.Explain("reduce quantity %s exceeds position size %s", qty, pos.Size)
	}
	return nil
}

// ReserveMargin locks the worst-case margin for an exposure-increasing order
// before it may rest or match. Reduce-intent orders reserve nothing but must
// name an open position large enough to absorb them.
func (l *Ledger) ReserveMargin(ctx context.Context, order *model.Order, refPrice decimal.Decimal) error {
	if err := l.ValidateFill(ctx, order, order.Quantity); err != nil {
		return err
	}
	if !increasesExposure(order) {
		return nil
	}

	if refPrice.LessThanOrEqual(decimal.Zero) {
		return errors.InvalidOrder.Explain("no reference price to margin order %s against", order.ID)
	}
	perUnit := refPrice.Mul(l.cfg.MarginRate)
	required := perUnit.Mul(order.Quantity)

	err := l.retry.Retry(ctx, func() error {
		return l.repo.InTx(ctx, func(r model.Repository) error {
			acct, err := r.GetAccount(ctx, order.UserID)
			if err != nil {
				return err
			}
			if acct.Available().LessThan(required) {
				return errors.InsufficientBalance.Explain("need %s margin, %s available", required, acct.Available())
			}
			acct.Locked = acct.Locked.Add(required)
			return r.SaveAccount(ctx, acct)
		})
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.reservations[order.ID] = &reservation{perUnit: perUnit, remaining: required}
	l.mu.Unlock()
	return nil
}

// ReleaseMargin unlocks whatever is left of an order's reservation. Safe to
// call for orders that never reserved.
func (l *Ledger) ReleaseMargin(ctx context.Context, order *model.Order) error {
	l.mu.Lock()
	res, ok := l.reservations[order.ID]
	if ok {
		delete(l.reservations, order.ID)
	}
	l.mu.Unlock()
	if !ok || res.remaining.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	return l.retry.Retry(ctx, func() error {
		return l.repo.InTx(ctx, func(r model.Repository) error {
			acct, err := r.GetAccount(ctx, order.UserID)
			if err != nil {
				return err
			}
			acct.Locked = acct.Locked.Sub(res.remaining)
			if acct.Locked.IsNegative() {
				acct.Locked = decimal.Zero
			}
			return r.SaveAccount(ctx, acct)
		})
	})
}

// consumeReservation takes qty's worth of an order's lock and returns the
// amount to unlock inside the settlement transaction.
func (l *Ledger) consumeReservation(orderID uuid.UUID, qty decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[orderID]
	if !ok {
		return decimal.Zero
	}
	consumed := decimal.Min(res.remaining, res.perUnit.Mul(qty))
	res.remaining = res.remaining.Sub(consumed)
	if res.remaining.LessThanOrEqual(decimal.Zero) {
		delete(l.reservations, orderID)
	}
	return consumed
}

// restoreReservation puts a consumed lock back after a failed settlement.
func (l *Ledger) restoreReservation(orderID uuid.UUID, amount, perUnit decimal.Decimal) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[orderID]
	if !ok {
		res = &reservation{perUnit: perUnit}
		l.reservations[orderID] = res
	}
	res.remaining = res.remaining.Add(amount)
}

// SettleTrade applies one fill to both parties: trade row, order state and
// position/balance movement commit or roll back as a unit.
func (l *Ledger) SettleTrade(ctx context.Context, trade *model.Trade, taker, maker *model.Order) error {
	takerConsumed := l.consumeReservation(taker.ID, trade.Quantity)
	makerConsumed := l.consumeReservation(maker.ID, trade.Quantity)

	err := l.retry.Retry(ctx, func() error {
		return l.repo.InTx(ctx, func(r model.Repository) error {
			if err := r.CreateTrade(ctx, trade); err != nil {
				return err
			}
			if err := l.applyFill(ctx, r, taker, trade.Price, trade.Quantity, takerConsumed); err != nil {
				return err
			}
			if err := l.applyFill(ctx, r, maker, trade.Price, trade.Quantity, makerConsumed); err != nil {
				return err
			}
			if err := r.SaveOrder(ctx, taker); err != nil {
				return err
			}
			return r.SaveOrder(ctx, maker)
		})
	})
	if err != nil {
		rate := l.cfg.MarginRate
		l.restoreReservation(taker.ID, takerConsumed, trade.Price.Mul(rate))
		l.restoreReservation(maker.ID, makerConsumed, trade.Price.Mul(rate))
		return err
	}
	return nil
}

// applyFill opens, grows, shrinks or closes one party's position for a fill
// of qty at price. unlocked is the share of the party's margin reservation
// this fill consumes.
func (l *Ledger) applyFill(ctx context.Context, r model.Repository, order *model.Order, price, qty, unlocked decimal.Decimal) error {
	acct, err := r.GetAccount(ctx, order.UserID)
	if err != nil {
		return err
	}
	acct.Locked = acct.Locked.Sub(unlocked)
	if acct.Locked.IsNegative() {
		acct.Locked = decimal.Zero
	}

	if increasesExposure(order) {
		margin := qty.Mul(price).Mul(l.cfg.MarginRate)
		if acct.Available().LessThan(margin) {
			return errors.InsufficientBalance.Explain("fill needs %s margin, %s available", margin, acct.Available())
		}
		acct.Balance = acct.Balance.Sub(margin)
		if err := r.SaveAccount(ctx, acct); err != nil {
			return err
		}
		return l.openOrIncrease(ctx, r, order, price, qty, margin)
	}

	pos, err := r.OpenPosition(ctx, order.UserID, order.Instrument)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return errors.InvalidOrder.Explain("no open position on %s to reduce", order.Instrument)
		}
		return err
	}
	credit, err := l.reduceOrClose(ctx, r, pos, price, qty)
	if err != nil {
		return err
	}
	acct.Balance = acct.Balance.Add(credit)
	return r.SaveAccount(ctx, acct)
}

// openOrIncrease creates a position or folds the fill into the size-weighted
// average entry price of an existing one.
func (l *Ledger) openOrIncrease(ctx context.Context, r model.Repository, order *model.Order, price, qty, margin decimal.Decimal) error {
	pos, err := r.OpenPosition(ctx, order.UserID, order.Instrument)
	if errors.Is(err, errors.NotFound) {
		now := time.Now()
		pos = &model.Position{
			ID:         uuid.New(),
			UserID:     order.UserID,
			Instrument: order.Instrument,
			Type:       order.Intent,
			EntryPrice: price,
			Size:       qty,
			Margin:     margin,
			Status:     model.PositionStatusOpen,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return r.CreatePosition(ctx, pos)
	}
	if err != nil {
		return err
	}
	if pos.Type != order.Intent {
		// One open position per (user, instrument): an opposite-intent fill
		// must go through the reduce path, never flip a position in place.
		return errors.InvalidOrder.Explain("open position on %s is %s, cannot increase as %s", order.Instrument, pos.Type, order.Intent)
	}
	newSize := pos.Size.Add(qty)
	pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(price.Mul(qty)).Div(newSize)
	pos.Size = newSize
	pos.Margin = pos.Margin.Add(margin)
	pos.UpdatedAt = time.Now()
	return r.SavePosition(ctx, pos)
}

// reduceOrClose shrinks the position by qty at price and returns the balance
// credit: the released margin share plus realized profit and loss. Closing
// the final unit releases the exact remaining margin so no dust is stranded.
func (l *Ledger) reduceOrClose(ctx context.Context, r model.Repository, pos *model.Position, price, qty decimal.Decimal) (decimal.Decimal, error) {
	if qty.GreaterThan(pos.Size) {
		return decimal.Zero, errors.InvalidOrder.Explain("reduce quantity %s exceeds position size %s", qty, pos.Size)
	}
	pnl := pos.RealizedPnL(price, qty)

	var marginShare decimal.Decimal
	now := time.Now()
	if qty.Equal(pos.Size) {
		marginShare = pos.Margin
		pos.Margin = decimal.Zero
		pos.Size = decimal.Zero
		pos.Status = model.PositionStatusClosed
		pos.ExitPrice = price
		pos.ClosedAt = &now
	} else {
		marginShare = pos.Margin.Mul(qty).Div(pos.Size)
		pos.Margin = pos.Margin.Sub(marginShare)
		pos.Size = pos.Size.Sub(qty)
	}
	pos.UpdatedAt = now
	if err := r.SavePosition(ctx, pos); err != nil {
		return decimal.Zero, err
	}
	return marginShare.Add(pnl), nil
}

// Close voluntarily closes the user's whole position at exitPrice, crediting
// margin plus realized profit and loss back to the balance.
func (l *Ledger) Close(ctx context.Context, userID uuid.UUID, instrument string, exitPrice decimal.Decimal) (*model.Position, error) {
	var closed *model.Position
	err := l.retry.Retry(ctx, func() error {
		return l.repo.InTx(ctx, func(r model.Repository) error {
			pos, err := r.OpenPosition(ctx, userID, instrument)
			if err != nil {
				return err
			}
			credit, err := l.reduceOrClose(ctx, r, pos, exitPrice, pos.Size)
			if err != nil {
				return err
			}
			acct, err := r.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			acct.Balance = acct.Balance.Add(credit)
			if err := r.SaveAccount(ctx, acct); err != nil {
				return err
			}
			closed = pos
			return nil
		})
	})
	return closed, err
}

// ForceClose liquidates a position at markPrice without owner consent. The
// payout is the remaining equity floored at zero: losses are capped at the
// reserved margin. shouldClose, if non-nil, re-checks the freshly read
// position inside the transaction, so a scan working from a stale snapshot
// never liquidates a position that recovered in the meantime.
func (l *Ledger) ForceClose(ctx context.Context, userID uuid.UUID, instrument string, markPrice decimal.Decimal, shouldClose func(*model.Position) bool) (decimal.Decimal, bool, error) {
	var payout decimal.Decimal
	closed := false
	err := l.retry.Retry(ctx, func() error {
		return l.repo.InTx(ctx, func(r model.Repository) error {
			payout, closed = decimal.Zero, false
			pos, err := r.OpenPosition(ctx, userID, instrument)
			if err != nil {
				if errors.Is(err, errors.NotFound) {
					// Already closed by a concurrent fill or scan.
					return nil
				}
				return err
			}
			if shouldClose != nil && !shouldClose(pos) {
				return nil
			}
			payout = pos.Margin.Add(pos.UnrealizedPnL(markPrice))
			if payout.IsNegative() {
				payout = decimal.Zero
			}
			now := time.Now()
			pos.ExitPrice = markPrice
			pos.Margin = decimal.Zero
			pos.Size = decimal.Zero
			pos.Status = model.PositionStatusClosed
			pos.ClosedAt = &now
			pos.UpdatedAt = now
			if err := r.SavePosition(ctx, pos); err != nil {
				return err
			}
			acct, err := r.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			acct.Balance = acct.Balance.Add(payout)
			if err := r.SaveAccount(ctx, acct); err != nil {
				return err
			}
			closed = true
			return nil
		})
	})
	return payout, closed, err
}

// SettleFunding applies one funding payment to every open position on the
// instrument as a single batch: either all positions pay/receive or none do.
// A positive rate moves funds from longs to shorts.
func (l *Ledger) SettleFunding(ctx context.Context, instrument string, rate, markPrice decimal.Decimal) error {
	return l.retry.Retry(ctx, func() error {
		return l.repo.InTx(ctx, func(r model.Repository) error {
			return l.SettleFundingIn(ctx, r, instrument, rate, markPrice)
		})
	})
}

// SettleFundingIn is SettleFunding running inside an existing transaction,
// so callers can commit the payment batch together with their own writes.
func (l *Ledger) SettleFundingIn(ctx context.Context, r model.Repository, instrument string, rate, markPrice decimal.Decimal) error {
	positions, err := r.OpenPositionsByInstrument(ctx, instrument)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		payment := pos.Size.Mul(markPrice).Mul(rate)
		delta := payment.Neg()
		if pos.Type == model.IntentShort {
			delta = payment
		}
		acct, err := r.GetAccount(ctx, pos.UserID)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(delta)
		if err := r.SaveAccount(ctx, acct); err != nil {
			return err
		}
	}
	return nil
}

// Balance returns the user's account state.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (*model.Account, error) {
	return l.repo.GetAccount(ctx, userID)
}

// Positions returns the user's open positions.
func (l *Ledger) Positions(ctx context.Context, userID uuid.UUID) ([]*model.Position, error) {
	return l.repo.OpenPositionsByUser(ctx, userID)
}

// Deposit credits collateral to the user's balance.
func (l *Ledger) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.InvalidOrder.Explain("deposit must be positive, got %s", amount)
	}
	return l.repo.Deposit(ctx, userID, amount)
}
