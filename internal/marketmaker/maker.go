// Package marketmaker seeds the books with two-sided liquidity quoted
// around the oracle reference price.
package marketmaker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/synthex/internal/engine"
	"github.com/openperp/synthex/internal/metrics"
	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

// FundingSignal exposes the latest settled funding rate. A large absolute
// rate means the mark has drifted from the reference, so quotes widen.
type FundingSignal interface {
	LatestRate(ctx context.Context, instrument string) decimal.Decimal
}

// InstrumentLister yields the symbols to quote on.
type InstrumentLister interface {
	Symbols() []string
}

// Inventory reports the maker's open positions, used to cap one-sided
// exposure.
type Inventory interface {
	Positions(ctx context.Context, userID uuid.UUID) ([]*model.Position, error)
}

// Config tunes the quoting ladder.
type Config struct {
	UserID        uuid.UUID
	Levels        int
	BaseSpread    decimal.Decimal
	LevelStep     decimal.Decimal
	QuoteSize     decimal.Decimal
	FundingWeight decimal.Decimal
	InventoryCap  decimal.Decimal
	Interval      time.Duration
}

// DefaultConfig quotes three levels per side, 20 bps half-spread, 10 bps
// between levels.
func DefaultConfig() Config {
	return Config{
		Levels:        3,
		BaseSpread:    decimal.NewFromFloat(0.002),
		LevelStep:     decimal.NewFromFloat(0.001),
		QuoteSize:     decimal.NewFromInt(1),
		FundingWeight: decimal.NewFromInt(2),
		InventoryCap:  decimal.NewFromInt(50),
		Interval:      5 * time.Second,
	}
}

// Maker refreshes resting quotes through the normal submission path, so its
// orders obey the same margin and matching rules as everyone else's.
type Maker struct {
	logger      *zap.Logger
	engine      *engine.Engine
	oracle      model.PriceOracle
	funding     FundingSignal
	inventory   Inventory
	instruments InstrumentLister
	metrics     *metrics.Metrics
	cfg         Config
}

func New(logger *zap.Logger, eng *engine.Engine, oracle model.PriceOracle, funding FundingSignal, inventory Inventory, instruments InstrumentLister, m *metrics.Metrics, cfg Config) *Maker {
	if cfg.UserID == uuid.Nil {
		cfg.UserID = uuid.New()
	}
	if cfg.Levels <= 0 {
		cfg.Levels = DefaultConfig().Levels
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.QuoteSize.IsZero() {
		cfg.QuoteSize = DefaultConfig().QuoteSize
	}
	if cfg.BaseSpread.IsZero() {
		cfg.BaseSpread = DefaultConfig().BaseSpread
	}
	if cfg.LevelStep.IsZero() {
		cfg.LevelStep = DefaultConfig().LevelStep
	}
	if cfg.FundingWeight.IsZero() {
		cfg.FundingWeight = DefaultConfig().FundingWeight
	}
	if cfg.InventoryCap.IsZero() {
		cfg.InventoryCap = DefaultConfig().InventoryCap
	}
	return &Maker{
		logger:      logger.Named("marketmaker"),
		engine:      eng,
		oracle:      oracle,
		funding:     funding,
		inventory:   inventory,
		instruments: instruments,
		metrics:     m,
		cfg:         cfg,
	}
}

// UserID identifies the maker's orders and positions.
func (mm *Maker) UserID() uuid.UUID { return mm.cfg.UserID }

// RefreshAll requotes every instrument once. Failures are isolated per
// instrument.
func (mm *Maker) RefreshAll(ctx context.Context) {
	for _, sym := range mm.instruments.Symbols() {
		if err := mm.Refresh(ctx, sym); err != nil {
			mm.logger.Warn("quote cycle skipped", zap.String("instrument", sym), zap.Error(err))
		}
	}
	if mm.metrics != nil {
		mm.metrics.MakerQuoteCycles.Inc()
	}
}

// Refresh cancels the maker's stale quotes on one instrument and submits a
// fresh two-sided ladder around the oracle price. The half-spread widens
// with the absolute funding rate. When the maker carries inventory, the side
// that unwinds it quotes reduce intent so fills shrink the position instead
// of colliding with it.
func (mm *Maker) Refresh(ctx context.Context, instrument string) error {
	mid, err := mm.oracle.CurrentPrice(ctx, instrument)
	if err != nil {
		return errors.OracleUnavailable.Wrap(err)
	}
	if err := mm.cancelQuotes(ctx, instrument); err != nil {
		return err
	}

	spread := mm.cfg.BaseSpread
	if mm.funding != nil {
		signal := mm.funding.LatestRate(ctx, instrument).Abs()
		spread = spread.Add(mm.cfg.FundingWeight.Mul(signal))
	}
	plan := mm.planQuotes(ctx, instrument)

	one := decimal.NewFromInt(1)
	for i := 0; i < mm.cfg.Levels; i++ {
		offset := spread.Add(mm.cfg.LevelStep.Mul(decimal.NewFromInt(int64(i))))
		if qty := take(&plan.bidBudget, mm.cfg.QuoteSize); qty.IsPositive() {
			bid := mid.Mul(one.Sub(offset))
			mm.submitQuote(ctx, instrument, model.OrderSideBuy, plan.bidIntent, bid, qty)
		}
		if qty := take(&plan.askBudget, mm.cfg.QuoteSize); qty.IsPositive() {
			ask := mid.Mul(one.Add(offset))
			mm.submitQuote(ctx, instrument, model.OrderSideSell, plan.askIntent, ask, qty)
		}
	}
	return nil
}

// quotePlan fixes each side's intent and quantity budget for one refresh.
// A negative budget means unlimited.
type quotePlan struct {
	bidIntent, askIntent string
	bidBudget, askBudget decimal.Decimal
}

// take draws want from the budget, returning how much may actually rest.
func take(budget *decimal.Decimal, want decimal.Decimal) decimal.Decimal {
	if budget.IsNegative() {
		return want
	}
	qty := decimal.Min(want, *budget)
	*budget = budget.Sub(qty)
	return qty
}

// planQuotes picks intents from the maker's open position: flat quotes both
// sides as openers, a long maker unwinds through reduce-intent asks, a short
// maker through reduce-intent bids. Reduce budgets never exceed the position
// size, and the growing side stops at the inventory cap.
func (mm *Maker) planQuotes(ctx context.Context, instrument string) quotePlan {
	unlimited := decimal.NewFromInt(-1)
	plan := quotePlan{
		bidIntent: model.IntentLong,
		askIntent: model.IntentShort,
		bidBudget: unlimited,
		askBudget: unlimited,
	}
	pos := mm.position(ctx, instrument)
	if pos == nil {
		return plan
	}
	capped := mm.cfg.InventoryCap.IsPositive() && pos.Size.GreaterThanOrEqual(mm.cfg.InventoryCap)
	if pos.Type == model.IntentLong {
		plan.askIntent = model.IntentLong
		plan.askBudget = pos.Size
		if capped {
			plan.bidBudget = decimal.Zero
		}
	} else {
		plan.bidIntent = model.IntentShort
		plan.bidBudget = pos.Size
		if capped {
			plan.askBudget = decimal.Zero
		}
	}
	return plan
}

func (mm *Maker) position(ctx context.Context, instrument string) *model.Position {
	if mm.inventory == nil {
		return nil
	}
	positions, err := mm.inventory.Positions(ctx, mm.cfg.UserID)
	if err != nil {
		return nil
	}
	for _, pos := range positions {
		if pos.Instrument == instrument {
			return pos
		}
	}
	return nil
}

func (mm *Maker) cancelQuotes(ctx context.Context, instrument string) error {
	b, err := mm.engine.Book(instrument)
	if err != nil {
		return err
	}
	for _, orderID := range b.OrdersByUser(mm.cfg.UserID) {
		if _, err := mm.engine.CancelOrder(ctx, instrument, orderID, mm.cfg.UserID); err != nil {
			// A quote filled between listing and cancel is fine.
			if errors.Is(err, errors.NotFound) || errors.Is(err, errors.AlreadyMatching) {
				continue
			}
			return err
		}
	}
	return nil
}

func (mm *Maker) submitQuote(ctx context.Context, instrument, side, intent string, price, qty decimal.Decimal) {
	order := &model.Order{
		ID:          uuid.New(),
		Instrument:  instrument,
		UserID:      mm.cfg.UserID,
		Side:        side,
		Intent:      intent,
		Type:        model.OrderTypeLimit,
		Price:       price,
		Quantity:    qty,
		TimeInForce: model.TimeInForceGTC,
	}
	if _, err := mm.engine.SubmitOrder(ctx, order); err != nil {
		mm.logger.Debug("quote rejected",
			zap.String("instrument", instrument),
			zap.String("side", side),
			zap.String("price", price.String()),
			zap.Error(err))
	}
}

// Run requotes on the configured interval until ctx is cancelled.
func (mm *Maker) Run(ctx context.Context) {
	ticker := time.NewTicker(mm.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mm.RefreshAll(ctx)
		}
	}
}
