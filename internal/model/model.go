// Package model defines the domain types shared by the trading core: orders,
// trades, positions and funding records. All money and quantity arithmetic
// uses shopspring/decimal; float64 never touches a balance.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openperp/synthex/pkg/errors"
)

// Order sides, intents, types, statuses and time-in-force values.
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Intent selects which position a fill affects. It is independent of the
	// matching side: a SELL with intent LONG reduces a long position.
	IntentLong  = "LONG"
	IntentShort = "SHORT"

	OrderTypeLimit      = "LIMIT"
	OrderTypeMarket     = "MARKET"
	OrderTypeStopLimit  = "STOP_LIMIT"
	OrderTypeTakeProfit = "TAKE_PROFIT"

	OrderStatusPending         = "PENDING"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"

	// Conditional orders sit outside the book until their trigger crosses.
	OrderStatusPendingTrigger = "PENDING_TRIGGER"
	OrderStatusTriggered      = "TRIGGERED"

	TimeInForceGTC = "GTC"
)

// Order represents a trading order.
type Order struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Instrument     string          `json:"instrument" gorm:"index:idx_orders_book,priority:1"`
	Side           string          `json:"side" gorm:"index:idx_orders_book,priority:2"`
	Intent         string          `json:"intent"`
	Type           string          `json:"type"`
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	TriggerPrice   decimal.Decimal `json:"trigger_price" gorm:"type:decimal(32,16)"`
	Quantity       decimal.Decimal `json:"quantity" gorm:"type:decimal(32,16)"`
	FilledQuantity decimal.Decimal `json:"filled_quantity" gorm:"type:decimal(32,16)"`
	TimeInForce    string          `json:"time_in_force"`
	Status         string          `json:"status" gorm:"index:idx_orders_book,priority:3"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsTerminal reports whether the order can never mutate again.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// IsConditional reports whether the order waits on a trigger price.
func (o *Order) IsConditional() bool {
	return o.Type == OrderTypeStopLimit || o.Type == OrderTypeTakeProfit
}

// Fill applies qty to the order and advances its status. The caller holds the
// instrument's matching lock.
func (o *Order) Fill(qty decimal.Decimal) {
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
		o.FilledQuantity = o.Quantity
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = time.Now()
}

// Validate checks structural correctness of a submission.
func (o *Order) Validate() error {
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return errors.InvalidOrder.Explain("quantity must be positive, got %s", o.Quantity)
	}
	switch o.Side {
	case OrderSideBuy, OrderSideSell:
	default:
		return errors.InvalidOrder.Explain("unknown side %q", o.Side)
	}
	switch o.Intent {
	case IntentLong, IntentShort:
	default:
		return errors.InvalidOrder.Explain("unknown intent %q", o.Intent)
	}
	switch o.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if o.Price.LessThanOrEqual(decimal.Zero) {
			return errors.InvalidOrder.Explain("limit price must be positive, got %s", o.Price)
		}
	case OrderTypeStopLimit, OrderTypeTakeProfit:
		if o.Price.LessThanOrEqual(decimal.Zero) {
			return errors.InvalidOrder.Explain("limit price must be positive, got %s", o.Price)
		}
		if o.TriggerPrice.LessThanOrEqual(decimal.Zero) {
			return errors.InvalidOrder.Explain("trigger price must be positive, got %s", o.TriggerPrice)
		}
	default:
		return errors.InvalidOrder.Explain("unknown order type %q", o.Type)
	}
	if o.Instrument == "" {
		return errors.InvalidOrder.Explain("instrument is required")
	}
	return nil
}

// Trade represents one match between a taker and a maker order. Price is
// always the maker's quoted price.
type Trade struct {
	ID           uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	Instrument   string          `json:"instrument" gorm:"index"`
	TakerOrderID uuid.UUID       `json:"taker_order_id" gorm:"type:uuid"`
	MakerOrderID uuid.UUID       `json:"maker_order_id" gorm:"type:uuid"`
	TakerUserID  uuid.UUID       `json:"taker_user_id" gorm:"type:uuid"`
	MakerUserID  uuid.UUID       `json:"maker_user_id" gorm:"type:uuid"`
	TakerSide    string          `json:"taker_side"`
	Price        decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	Quantity     decimal.Decimal `json:"quantity" gorm:"type:decimal(32,16)"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Position statuses.
const (
	PositionStatusOpen   = "OPEN"
	PositionStatusClosed = "CLOSED"
)

// Position is a user's open exposure on one instrument. At most one open
// position exists per (user, instrument); margin accounting relies on it.
type Position struct {
	ID         uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID       `json:"user_id" gorm:"type:uuid;index:idx_positions_owner"`
	Instrument string          `json:"instrument" gorm:"index"`
	Type       string          `json:"type"` // LONG or SHORT
	EntryPrice decimal.Decimal `json:"entry_price" gorm:"type:decimal(32,16)"`
	Size       decimal.Decimal `json:"size" gorm:"type:decimal(32,16)"`
	Margin     decimal.Decimal `json:"margin" gorm:"type:decimal(32,16)"`
	Status     string          `json:"status" gorm:"index"`
	ExitPrice  decimal.Decimal `json:"exit_price" gorm:"type:decimal(32,16)"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	// Version is bumped on every write; the store rejects stale writes with
	// ConcurrentModification.
	Version int64 `json:"version"`
}

// Notional returns entry price times size, the exposure margin was sized for.
func (p *Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Size)
}

// UnrealizedPnL values the position against the given mark price.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Type == IntentLong {
		return mark.Sub(p.EntryPrice).Mul(p.Size)
	}
	return p.EntryPrice.Sub(mark).Mul(p.Size)
}

// RealizedPnL computes the profit of closing qty at exit.
func (p *Position) RealizedPnL(exit decimal.Decimal, qty decimal.Decimal) decimal.Decimal {
	if p.Type == IntentLong {
		return exit.Sub(p.EntryPrice).Mul(qty)
	}
	return p.EntryPrice.Sub(exit).Mul(qty)
}

// Funding record direction and reason values.
const (
	FundingLongPaysShort = "LONG_PAYS_SHORT"
	FundingShortPaysLong = "SHORT_PAYS_LONG"

	FundingReasonDeviation = "PRICE_DEVIATION"
	FundingReasonImbalance = "IMBALANCE"
)

// FundingRateRecord captures one published funding rate. Records are
// immutable once written.
type FundingRateRecord struct {
	ID         uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	Instrument string          `json:"instrument" gorm:"index"`
	Rate       decimal.Decimal `json:"rate" gorm:"type:decimal(32,16)"`
	Direction  string          `json:"direction"`
	Reason     string          `json:"reason"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Account holds a user's collateral balance. Locked funds back resting orders
// whose worst-case margin has been reserved but not yet consumed by fills.
type Account struct {
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;primaryKey"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(32,16)"`
	Locked    decimal.Decimal `json:"locked" gorm:"type:decimal(32,16)"`
	UpdatedAt time.Time       `json:"updated_at"`

	Version int64 `json:"version"`
}

// Available returns the spendable balance.
func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Locked)
}
