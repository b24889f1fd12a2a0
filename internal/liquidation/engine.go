// Package liquidation scans open positions against mark prices and force
// closes those whose equity has been exhausted.
package liquidation

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

// Tier classifies how close a position is to liquidation.
type Tier string

const (
	TierSafe        Tier = "SAFE"
	TierWarning     Tier = "WARNING"
	TierDanger      Tier = "DANGER"
	TierLiquidation Tier = "LIQUIDATION"
)

// Thresholds are equity/margin ratios separating the tiers. A position sits
// in the lowest tier whose threshold its ratio does not exceed.
type Thresholds struct {
	Warning     decimal.Decimal
	Danger      decimal.Decimal
	Liquidation decimal.Decimal
}

// DefaultThresholds places positions in WARNING below 50% remaining equity,
// DANGER below 25%, and liquidates at zero.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:     decimal.NewFromFloat(0.50),
		Danger:      decimal.NewFromFloat(0.25),
		Liquidation: decimal.Zero,
	}
}

// Classify returns the risk tier of pos at markPrice.
func (t Thresholds) Classify(pos *model.Position, markPrice decimal.Decimal) Tier {
	if pos.Margin.IsZero() {
		return TierLiquidation
	}
	equity := pos.Margin.Add(pos.UnrealizedPnL(markPrice))
	ratio := equity.Div(pos.Margin)
	switch {
	case ratio.LessThanOrEqual(t.Liquidation):
		return TierLiquidation
	case ratio.LessThan(t.Danger):
		return TierDanger
	case ratio.LessThan(t.Warning):
		return TierWarning
	default:
		return TierSafe
	}
}

// InstrumentLister yields the symbols the scan should cover.
type InstrumentLister interface {
	Symbols() []string
}

// Config tunes the scan.
type Config struct {
	Thresholds Thresholds
	Interval   time.Duration
}

// DefaultConfig scans every second with the default tiers.
func DefaultConfig() Config {
	return Config{Thresholds: DefaultThresholds(), Interval: time.Second}
}

// Engine runs the liquidation scan.
type Engine struct {
	logger      *zap.Logger
	repo        model.Repository
	ledger      *ledger.Ledger
	oracle      model.PriceOracle
	instruments InstrumentLister
	metrics     *metrics.Metrics
	cfg         Config
}

func New(logger *zap.Logger, repo model.Repository, led *ledger.Ledger, oracle model.PriceOracle, instruments InstrumentLister, m *metrics.Metrics, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Thresholds.Warning.IsZero() && cfg.Thresholds.Danger.IsZero() {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Engine{
		logger:      logger.Named("liquidation"),
		repo:        repo,
		ledger:      led,
		oracle:      oracle,
		instruments: instruments,
		metrics:     m,
		cfg:         cfg,
	}
}

// Result describes one liquidated position.
type Result struct {
	UserID     uuid.UUID
	Instrument string
	Payout     decimal.Decimal
}

// ScanAll sweeps every registered instrument. A price failure on one
// instrument skips that instrument only; the rest of the sweep proceeds.
func (e *Engine) ScanAll(ctx context.Context) []Result {
	start := time.Now()
	var out []Result
	for _, sym := range e.instruments.Symbols() {
		results, err := e.ScanInstrument(ctx, sym)
		if err != nil {
			e.logger.Warn("scan skipped", zap.String("instrument", sym), zap.Error(err))
			continue
		}
		out = append(out, results...)
	}
	if e.metrics != nil {
		e.metrics.ScanDuration.Observe(time.Since(start).Seconds())
	}
	return out
}

// ScanInstrument checks every open position on one instrument and force
// closes those in the LIQUIDATION tier. The tier is re-checked against the
// freshly read position inside the close transaction, so a stale snapshot
// never liquidates a position that recovered.
func (e *Engine) ScanInstrument(ctx context.Context, instrument string) ([]Result, error) {
	markPrice, err := e.oracle.CurrentPrice(ctx, instrument)
	if err != nil {
		return nil, errors.OracleUnavailable.Wrap(err)
	}
	positions, err := e.repo.OpenPositionsByInstrument(ctx, instrument)
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, pos := range positions {
		tier := e.cfg.Thresholds.Classify(pos, markPrice)
		if tier != TierLiquidation {
			continue
		}
		payout, closed, err := e.ledger.ForceClose(ctx, pos.UserID, instrument, markPrice, func(fresh *model.Position) bool {
			return e.cfg.Thresholds.Classify(fresh, markPrice) == TierLiquidation
		})
		if err != nil {
			e.logger.Error("force close failed",
				zap.String("instrument", instrument),
				zap.String("user_id", pos.UserID.String()),
				zap.Error(err))
			continue
		}
		if !closed {
			continue
		}
		if e.metrics != nil {
			e.metrics.Liquidations.WithLabelValues(instrument).Inc()
		}
		e.logger.Info("position liquidated",
			zap.String("instrument", instrument),
			zap.String("user_id", pos.UserID.String()),
			zap.String("mark_price", markPrice.String()),
			zap.String("payout", payout.String()))
		out = append(out, Result{UserID: pos.UserID, Instrument: instrument, Payout: payout})
	}
	return out, nil
}

// PositionRisk is one row of a user risk summary.
type PositionRisk struct {
	Position    *model.Position `json:"position"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	Equity      decimal.Decimal `json:"equity"`
	MarginRatio decimal.Decimal `json:"margin_ratio"`
	Tier        Tier            `json:"tier"`
}

// RiskSummary reports the tier of every open position a user holds.
// Instruments without a usable price are reported in the LIQUIDATION-free
// SAFE tier with a zero mark so the summary never fails wholesale.
func (e *Engine) RiskSummary(ctx context.Context, userID uuid.UUID) ([]PositionRisk, error) {
	positions, err := e.repo.OpenPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]PositionRisk, 0, len(positions))
	for _, pos := range positions {
		markPrice, err := e.oracle.CurrentPrice(ctx, pos.Instrument)
		if err != nil {
			out = append(out, PositionRisk{Position: pos, Tier: TierSafe})
			continue
		}
		equity := pos.Margin.Add(pos.UnrealizedPnL(markPrice))
		ratio := decimal.Zero
		if pos.Margin.IsPositive() {
			ratio = equity.Div(pos.Margin)
		}
		out = append(out, PositionRisk{
			Position:    pos,
			MarkPrice:   markPrice,
			Equity:      equity,
			MarginRatio: ratio,
			Tier:        e.cfg.Thresholds.Classify(pos, markPrice),
		})
	}
	return out, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ScanAll(ctx)
		}
	}
}
