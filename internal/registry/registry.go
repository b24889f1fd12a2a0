// Package registry maps instrument symbols to their external reference
// prices. It is the leaf dependency of the matching engine, liquidation
// engine, funding manager and market maker.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

// Instrument describes one synthetic market.
type Instrument struct {
	Symbol      string `json:"symbol" mapstructure:"symbol"`
	DisplayName string `json:"display_name" mapstructure:"display_name"`
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// Registry resolves reference prices through the configured oracle, keeping
// the last known price so a brief oracle outage does not stall consumers.
// Failures stay isolated per instrument.
type Registry struct {
	logger    *zap.Logger
	oracle    model.PriceOracle
	cache     *PriceCache // optional
	staleness time.Duration

	mu          sync.RWMutex
	instruments map[string]Instrument
	lastPrices  map[string]pricePoint
}

var _ model.PriceOracle = (*Registry)(nil)

// New creates a registry. cache may be nil; staleness bounds how long the
// last known price may substitute for a failing oracle.
func New(logger *zap.Logger, oracle model.PriceOracle, cache *PriceCache, staleness time.Duration) *Registry {
	if staleness <= 0 {
		staleness = 30 * time.Second
	}
	return &Registry{
		logger:      logger.Named("registry"),
		oracle:      oracle,
		cache:       cache,
		staleness:   staleness,
		instruments: make(map[string]Instrument),
		lastPrices:  make(map[string]pricePoint),
	}
}

// Register adds an instrument. Re-registering replaces the entry.
func (r *Registry) Register(inst Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instruments[inst.Symbol] = inst
}

// Instruments lists the registered markets.
func (r *Registry) Instruments() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, inst)
	}
	return out
}

// Symbols lists the registered market symbols in stable order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.instruments))
	for sym := range r.instruments {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the symbol is a registered instrument.
func (r *Registry) Has(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instruments[symbol]
	return ok
}

// CurrentPrice returns the instrument's reference price: the oracle when it
// answers, otherwise the last known price if still fresh.
func (r *Registry) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if !r.Has(symbol) {
		return decimal.Zero, errors.NotFound.Explain("unknown instrument %q", symbol)
	}
	price, err := r.oracle.CurrentPrice(ctx, symbol)
	if err == nil {
		r.remember(ctx, symbol, price)
		return price, nil
	}

	r.mu.RLock()
	last, ok := r.lastPrices[symbol]
	r.mu.RUnlock()
	if ok && time.Since(last.at) <= r.staleness {
		return last.price, nil
	}
	if r.cache != nil {
		if cached, cerr := r.cache.Get(ctx, symbol); cerr == nil {
			return cached, nil
		}
	}
	return decimal.Zero, errors.OracleUnavailable.Wrap(err).Explain("no reference price for %s", symbol)
}

// UpdatePrice accepts a pushed price from a streaming feed.
func (r *Registry) UpdatePrice(ctx context.Context, symbol string, price decimal.Decimal) {
	if !r.Has(symbol) || price.LessThanOrEqual(decimal.Zero) {
		return
	}
	r.remember(ctx, symbol, price)
}

func (r *Registry) remember(ctx context.Context, symbol string, price decimal.Decimal) {
	r.mu.Lock()
	r.lastPrices[symbol] = pricePoint{price: price, at: time.Now()}
	r.mu.Unlock()
	if r.cache != nil {
		if err := r.cache.Set(ctx, symbol, price); err != nil {
			r.logger.Debug("price cache write failed", zap.String("instrument", symbol), zap.Error(err))
		}
	}
}
