package model

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository is the persistence boundary of the trading core. Implementations
// classify their storage errors into the pkg/errors taxonomy (Transient vs
// permanent kinds); no storage-engine error text crosses this interface.
type Repository interface {
	// Orders
	CreateOrder(ctx context.Context, order *Order) error
	SaveOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error)
	OpenOrders(ctx context.Context, instrument, side string) ([]*Order, error)

	// Trades
	CreateTrade(ctx context.Context, trade *Trade) error

	// Positions. SavePosition performs an optimistic version check and
	// returns ConcurrentModification on a stale write.
	CreatePosition(ctx context.Context, pos *Position) error
	SavePosition(ctx context.Context, pos *Position) error
	OpenPosition(ctx context.Context, userID uuid.UUID, instrument string) (*Position, error)
	OpenPositionsByUser(ctx context.Context, userID uuid.UUID) ([]*Position, error)
	OpenPositionsByInstrument(ctx context.Context, instrument string) ([]*Position, error)

	// Funding
	CreateFundingRecord(ctx context.Context, rec *FundingRateRecord) error
	FundingHistory(ctx context.Context, instrument string, limit int) ([]*FundingRateRecord, error)

	// Accounts
	GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error)
	SaveAccount(ctx context.Context, acct *Account) error
	Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error

	// InTx runs fn against a transactional view of the repository. Every
	// write inside fn commits or rolls back as one unit; this is the
	// boundary that keeps balance and position mutations atomic.
	InTx(ctx context.Context, fn func(Repository) error) error
}

// PriceOracle supplies the external reference price for an instrument.
// Implementations return OracleUnavailable when no price is known.
type PriceOracle interface {
	CurrentPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}
