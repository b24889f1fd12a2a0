// Package service wires the trading core into one facade and owns the
// lifecycle of its background loops.
package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/synthex/internal/book"
	"github.com/openperp/synthex/internal/engine"
	"github.com/openperp/synthex/internal/funding"
	"github.com/openperp/synthex/internal/ledger"
	"github.com/openperp/synthex/internal/liquidation"
	"github.com/openperp/synthex/internal/marketmaker"
	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/internal/registry"
	"github.com/openperp/synthex/internal/trigger"
	"github.com/openperp/synthex/pkg/errors"
)

// Runner is a background loop that exits when its context is cancelled.
type Runner interface {
	Run(ctx context.Context)
}

// Trading is the single entry point the API layer talks to. It routes
// operations to the engine, ledger, trigger monitor and risk services, and
// runs their periodic cycles.
type Trading struct {
	logger      *zap.Logger
	registry    *registry.Registry
	engine      *engine.Engine
	ledger      *ledger.Ledger
	liquidation *liquidation.Engine
	funding     *funding.Manager
	trigger     *trigger.Monitor
	maker       *marketmaker.Maker

	extra []Runner

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(logger *zap.Logger, reg *registry.Registry, eng *engine.Engine, led *ledger.Ledger, liq *liquidation.Engine, fund *funding.Manager, trig *trigger.Monitor, maker *marketmaker.Maker) *Trading {
	return &Trading{
		logger:      logger.Named("service"),
		registry:    reg,
		engine:      eng,
		ledger:      led,
		liquidation: liq,
		funding:     fund,
		trigger:     trig,
		maker:       maker,
	}
}

// AddRunner registers an extra background loop (oracle feeds, custom jobs)
// started and stopped with the service. Must be called before Start.
func (s *Trading) AddRunner(r Runner) {
	s.extra = append(s.extra, r)
}

// Start launches the background cycles. Each runs until Stop.
func (s *Trading) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Internal.Explain("service already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	runners := []Runner{s.liquidation, s.funding, s.trigger}
	if s.maker != nil {
		runners = append(runners, s.maker)
	}
	runners = append(runners, s.extra...)
	for _, r := range runners {
		r := r
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			r.Run(runCtx)
		}()
	}
	s.started = true
	s.logger.Info("background services started", zap.Int("runners", len(runners)))
	return nil
}

// Stop cancels the background cycles and waits for any cycle in flight to
// finish.
func (s *Trading) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("background services stopped")
}

// SubmitOrder routes a submission: conditional types go to the trigger
// monitor, everything else straight to the matching engine.
func (s *Trading) SubmitOrder(ctx context.Context, order *model.Order) (*engine.SubmitResult, error) {
	if order.IsConditional() {
		stored, err := s.trigger.Submit(ctx, order)
		if err != nil {
			return nil, err
		}
		return &engine.SubmitResult{Order: stored}, nil
	}
	return s.engine.SubmitOrder(ctx, order)
}

// CancelOrder cancels a resting or pending-trigger order. The book is tried
// first, then the conditional registry.
func (s *Trading) CancelOrder(ctx context.Context, instrument string, orderID, userID uuid.UUID) (*model.Order, error) {
	order, err := s.engine.CancelOrder(ctx, instrument, orderID, userID)
	if err == nil || !errors.Is(err, errors.NotFound) {
		return order, err
	}
	return s.trigger.Cancel(ctx, orderID, userID)
}

// Depth returns aggregated book levels for an instrument.
func (s *Trading) Depth(instrument string, levels int) (bids, asks []book.Level, err error) {
	b, err := s.engine.Book(instrument)
	if err != nil {
		return nil, nil, err
	}
	bids, asks = b.Depth(levels)
	return bids, asks, nil
}

// BestQuotes returns the current best bid and ask. Absent sides come back
// as zero decimals with ok=false.
func (s *Trading) BestQuotes(instrument string) (bid, ask decimal.Decimal, bidOK, askOK bool, err error) {
	b, err := s.engine.Book(instrument)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, false, err
	}
	bid, bidOK = b.BestBid()
	ask, askOK = b.BestAsk()
	return bid, ask, bidOK, askOK, nil
}

// MarkPrice returns the instrument's mark.
func (s *Trading) MarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	return s.engine.MarkPrice(ctx, instrument)
}

// Positions lists a user's open positions.
func (s *Trading) Positions(ctx context.Context, userID uuid.UUID) ([]*model.Position, error) {
	return s.ledger.Positions(ctx, userID)
}

// ClosePosition closes a user's position voluntarily at the current mark.
func (s *Trading) ClosePosition(ctx context.Context, userID uuid.UUID, instrument string) (*model.Position, error) {
	markPrice, err := s.engine.MarkPrice(ctx, instrument)
	if err != nil {
		return nil, err
	}
	return s.ledger.Close(ctx, userID, instrument, markPrice)
}

// Balance returns a user's account.
func (s *Trading) Balance(ctx context.Context, userID uuid.UUID) (*model.Account, error) {
	return s.ledger.Balance(ctx, userID)
}

// Deposit credits collateral.
func (s *Trading) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	return s.ledger.Deposit(ctx, userID, amount)
}

// FundingHistory returns recent funding records, newest first.
func (s *Trading) FundingHistory(ctx context.Context, instrument string, limit int) ([]*model.FundingRateRecord, error) {
	return s.funding.History(ctx, instrument, limit)
}

// RiskSummary reports the liquidation tier of each open position the user
// holds.
func (s *Trading) RiskSummary(ctx context.Context, userID uuid.UUID) ([]liquidation.PositionRisk, error) {
	return s.liquidation.RiskSummary(ctx, userID)
}

// PendingTriggers lists a user's waiting conditional orders.
func (s *Trading) PendingTriggers(userID uuid.UUID) []*model.Order {
	return s.trigger.Pending(userID)
}

// Instruments lists the registered markets.
func (s *Trading) Instruments() []registry.Instrument {
	return s.registry.Instruments()
}
