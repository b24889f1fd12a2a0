// Package oracle provides reference-price sources: a static in-process
// oracle for tests and simulations, and a websocket feed for live prices.
package oracle

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

// Static is a mutable in-memory oracle. It backs tests, local simulation and
// any setup where prices are pushed rather than pulled.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

var _ model.PriceOracle = (*Static)(nil)

// NewStatic creates a static oracle, optionally seeded with prices.
func NewStatic(seed map[string]decimal.Decimal) *Static {
	prices := make(map[string]decimal.Decimal, len(seed))
	for k, v := range seed {
		prices[k] = v
	}
	return &Static{prices: prices}
}

// SetPrice updates the instrument's price.
func (s *Static) SetPrice(instrument string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[instrument] = price
}

// Unset removes the price, making the instrument unavailable.
func (s *Static) Unset(instrument string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, instrument)
}

// CurrentPrice implements model.PriceOracle.
func (s *Static) CurrentPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[instrument]
	if !ok {
		return decimal.Zero, errors.OracleUnavailable.Explain("no price for %s", instrument)
	}
	return price, nil
}
