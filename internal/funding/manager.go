// Package funding computes and settles periodic funding rates that pull the
// synthetic mark price toward the oracle reference.
package funding

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/synthex/internal/ledger"
	"github.com/openperp/synthex/internal/metrics"
	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

// MarkSource yields the tradable mark price for an instrument, normally the
// matching engine's book mid with an oracle fallback.
type MarkSource interface {
	MarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// InstrumentLister yields the symbols the settlement cycle covers.
type InstrumentLister interface {
	Symbols() []string
}

// Publisher receives funding records after settlement. Implementations must
// tolerate being nil-checked by the caller.
type Publisher interface {
	PublishFunding(ctx context.Context, rec *model.FundingRateRecord) error
}

// Config tunes the rate formula.
type Config struct {
	DeviationWeight decimal.Decimal
	ImbalanceWeight decimal.Decimal
	MaxRate         decimal.Decimal
	Interval        time.Duration
}

// DefaultConfig weights price deviation over open-interest imbalance and caps
// the per-cycle rate at 0.75%.
func DefaultConfig() Config {
	return Config{
		DeviationWeight: decimal.NewFromFloat(0.5),
		ImbalanceWeight: decimal.NewFromFloat(0.1),
		MaxRate:         decimal.NewFromFloat(0.0075),
		Interval:        time.Minute,
	}
}

// Manager runs funding cycles.
type Manager struct {
	logger      *zap.Logger
	repo        model.Repository
	ledger      *ledger.Ledger
	oracle      model.PriceOracle
	marks       MarkSource
	instruments InstrumentLister
	pub         Publisher
	metrics     *metrics.Metrics
	cfg         Config
}

func New(logger *zap.Logger, repo model.Repository, led *ledger.Ledger, oracle model.PriceOracle, marks MarkSource, instruments InstrumentLister, pub Publisher, m *metrics.Metrics, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxRate.IsZero() {
		cfg.MaxRate = DefaultConfig().MaxRate
	}
	return &Manager{
		logger:      logger.Named("funding"),
		repo:        repo,
		ledger:      led,
		oracle:      oracle,
		marks:       marks,
		instruments: instruments,
		pub:         pub,
		metrics:     m,
		cfg:         cfg,
	}
}

// Rate is one computed funding rate before settlement.
type Rate struct {
	Instrument string
	Rate       decimal.Decimal
	Direction  string
	Reason     string
	MarkPrice  decimal.Decimal
}

// ComputeRate derives the funding rate for one instrument from the mark's
// deviation against the oracle reference and from the open-interest
// imbalance, clamped to the configured cap. Positive rates mean longs pay
// shorts.
func (f *Manager) ComputeRate(ctx context.Context, instrument string) (*Rate, error) {
	refPrice, err := f.oracle.CurrentPrice(ctx, instrument)
	if err != nil {
		return nil, errors.OracleUnavailable.Wrap(err)
	}
	if !refPrice.IsPositive() {
		return nil, errors.OracleUnavailable.Explain("non-positive reference price")
	}
	markPrice, err := f.marks.MarkPrice(ctx, instrument)
	if err != nil || !markPrice.IsPositive() {
		markPrice = refPrice
	}

	deviation := markPrice.Sub(refPrice).Div(refPrice)
	imbalance, err := f.imbalance(ctx, instrument, markPrice)
	if err != nil {
		return nil, err
	}

	devTerm := f.cfg.DeviationWeight.Mul(deviation)
	imbTerm := f.cfg.ImbalanceWeight.Mul(imbalance)
	rate := devTerm.Add(imbTerm)
	if rate.GreaterThan(f.cfg.MaxRate) {
		rate = f.cfg.MaxRate
	} else if rate.LessThan(f.cfg.MaxRate.Neg()) {
		rate = f.cfg.MaxRate.Neg()
	}

	reason := model.FundingReasonDeviation
	if imbTerm.Abs().GreaterThan(devTerm.Abs()) {
		reason = model.FundingReasonImbalance
	}
	direction := model.FundingLongPaysShort
	if rate.IsNegative() {
		direction = model.FundingShortPaysLong
	}
	return &Rate{
		Instrument: instrument,
		Rate:       rate,
		Direction:  direction,
		Reason:     reason,
		MarkPrice:  markPrice,
	}, nil
}

// imbalance returns (longNotional - shortNotional) / (longNotional +
// shortNotional), or zero when there is no open interest.
func (f *Manager) imbalance(ctx context.Context, instrument string, markPrice decimal.Decimal) (decimal.Decimal, error) {
	positions, err := f.repo.OpenPositionsByInstrument(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	longN, shortN := decimal.Zero, decimal.Zero
	for _, pos := range positions {
		notional := pos.Size.Mul(markPrice)
		if pos.Type == model.IntentLong {
			longN = longN.Add(notional)
		} else {
			shortN = shortN.Add(notional)
		}
	}
	total := longN.Add(shortN)
	if total.IsZero() {
		return decimal.Zero, nil
	}
	return longN.Sub(shortN).Div(total), nil
}

// SettleInstrument computes, records, and applies one funding cycle for one
// instrument. The payment batch and the rate record commit together.
func (f *Manager) SettleInstrument(ctx context.Context, instrument string) (*model.FundingRateRecord, error) {
	rate, err := f.ComputeRate(ctx, instrument)
	if err != nil {
		return nil, err
	}
	rec := &model.FundingRateRecord{
		ID:         uuid.New(),
		Instrument: instrument,
		Rate:       rate.Rate,
		Direction:  rate.Direction,
		Reason:     rate.Reason,
		CreatedAt:  time.Now(),
	}
	err = f.repo.InTx(ctx, func(r model.Repository) error {
		if err := r.CreateFundingRecord(ctx, rec); err != nil {
			return err
		}
		return f.ledger.SettleFundingIn(ctx, r, instrument, rate.Rate, rate.MarkPrice)
	})
	if err != nil {
		return nil, err
	}
	if f.metrics != nil {
		f.metrics.FundingCycles.WithLabelValues(instrument).Inc()
		fv, _ := rate.Rate.Float64()
		f.metrics.FundingRate.WithLabelValues(instrument).Set(fv)
	}
	if f.pub != nil {
		if err := f.pub.PublishFunding(ctx, rec); err != nil {
			f.logger.Warn("funding publish failed", zap.String("instrument", instrument), zap.Error(err))
		}
	}
	f.logger.Info("funding settled",
		zap.String("instrument", instrument),
		zap.String("rate", rate.Rate.String()),
		zap.String("direction", rate.Direction),
		zap.String("reason", rate.Reason))
	return rec, nil
}

// SettleAll runs one cycle across every instrument. Failures are isolated
// per instrument.
func (f *Manager) SettleAll(ctx context.Context) {
	for _, sym := range f.instruments.Symbols() {
		if _, err := f.SettleInstrument(ctx, sym); err != nil {
			f.logger.Warn("funding cycle skipped", zap.String("instrument", sym), zap.Error(err))
		}
	}
}

// History returns the most recent funding records for an instrument, newest
// first.
func (f *Manager) History(ctx context.Context, instrument string, limit int) ([]*model.FundingRateRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return f.repo.FundingHistory(ctx, instrument, limit)
}

// LatestRate returns the most recent settled rate, or zero when no cycle has
// run yet. The market maker uses it as a spread-widening signal.
func (f *Manager) LatestRate(ctx context.Context, instrument string) decimal.Decimal {
	recs, err := f.repo.FundingHistory(ctx, instrument, 1)
	if err != nil || len(recs) == 0 {
		return decimal.Zero
	}
	return recs[0].Rate
}

// Run settles on the configured interval until ctx is cancelled.
func (f *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.SettleAll(ctx)
		}
	}
}
