// Package store provides the persistence adapters behind model.Repository:
// a GORM-backed store for production and an in-memory store for tests and
// embedded runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

// memoryState is the raw table set. All mutation goes through Memory's lock;
// transactions snapshot and restore the whole state on rollback, which is
// cheap at test scale.
type memoryState struct {
	orders    map[uuid.UUID]*model.Order
	trades    map[uuid.UUID]*model.Trade
	positions map[uuid.UUID]*model.Position
	funding   []*model.FundingRateRecord
	accounts  map[uuid.UUID]*model.Account
}

func newMemoryState() *memoryState {
	return &memoryState{
		orders:    make(map[uuid.UUID]*model.Order),
		trades:    make(map[uuid.UUID]*model.Trade),
		positions: make(map[uuid.UUID]*model.Position),
		accounts:  make(map[uuid.UUID]*model.Account),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for id, o := range s.orders {
		cp := *o
		c.orders[id] = &cp
	}
	for id, t := range s.trades {
		cp := *t
		c.trades[id] = &cp
	}
	for id, p := range s.positions {
		cp := *p
		c.positions[id] = &cp
	}
	c.funding = append(c.funding, s.funding...)
	for id, a := range s.accounts {
		cp := *a
		c.accounts[id] = &cp
	}
	return c
}

// Memory is an in-memory Repository with the same optimistic-locking
// semantics as the GORM store.
type Memory struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

var _ model.Repository = (*Memory)(nil)

func (m *Memory) CreateOrder(ctx context.Context, order *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createOrder(order)
}

func (m *Memory) SaveOrder(ctx context.Context, order *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.saveOrder(order)
}

func (m *Memory) GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getOrder(orderID)
}

func (m *Memory) OpenOrders(ctx context.Context, instrument, side string) ([]*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.openOrders(instrument, side), nil
}

func (m *Memory) CreateTrade(ctx context.Context, trade *model.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createTrade(trade)
}

func (m *Memory) CreatePosition(ctx context.Context, pos *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createPosition(pos)
}

func (m *Memory) SavePosition(ctx context.Context, pos *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.savePosition(pos)
}

func (m *Memory) OpenPosition(ctx context.Context, userID uuid.UUID, instrument string) (*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.openPosition(userID, instrument)
}

func (m *Memory) OpenPositionsByUser(ctx context.Context, userID uuid.UUID) ([]*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.openPositions(func(p *model.Position) bool { return p.UserID == userID }), nil
}

func (m *Memory) OpenPositionsByInstrument(ctx context.Context, instrument string) ([]*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.openPositions(func(p *model.Position) bool { return p.Instrument == instrument }), nil
}

func (m *Memory) CreateFundingRecord(ctx context.Context, rec *model.FundingRateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createFundingRecord(rec)
}

func (m *Memory) FundingHistory(ctx context.Context, instrument string, limit int) ([]*model.FundingRateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.fundingHistory(instrument, limit), nil
}

func (m *Memory) GetAccount(ctx context.Context, userID uuid.UUID) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getAccount(userID), nil
}

func (m *Memory) SaveAccount(ctx context.Context, acct *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.saveAccount(acct)
}

func (m *Memory) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.state.getAccount(userID)
	acct.Balance = acct.Balance.Add(amount)
	return m.state.saveAccount(acct)
}

// InTx serializes the whole transaction under the store lock and restores the
// pre-transaction snapshot if fn fails.
func (m *Memory) InTx(ctx context.Context, fn func(model.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(&memTx{state: m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// memTx is the unsynchronized transactional view handed to InTx callbacks.
type memTx struct {
	state *memoryState
}

var _ model.Repository = (*memTx)(nil)

func (t *memTx) CreateOrder(ctx context.Context, order *model.Order) error { // nolint:revive
	return t.state.createOrder(order)
}
func (t *memTx) SaveOrder(ctx context.Context, order *model.Order) error {
	return t.state.saveOrder(order)
}
func (t *memTx) GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return t.state.getOrder(orderID)
}
func (t *memTx) OpenOrders(ctx context.Context, instrument, side string) ([]*model.Order, error) {
	return t.state.openOrders(instrument, side), nil
}
func (t *memTx) CreateTrade(ctx context.Context, trade *model.Trade) error {
	return t.state.createTrade(trade)
}
func (t *memTx) CreatePosition(ctx context.Context, pos *model.Position) error {
	return t.state.createPosition(pos)
}
func (t *memTx) SavePosition(ctx context.Context, pos *model.Position) error {
	return t.state.savePosition(pos)
}
func (t *memTx) OpenPosition(ctx context.Context, userID uuid.UUID, instrument string) (*model.Position, error) {
	return t.state.openPosition(userID, instrument)
}
func (t *memTx) OpenPositionsByUser(ctx context.Context, userID uuid.UUID) ([]*model.Position, error) {
	return t.state.openPositions(func(p *model.Position) bool { return p.UserID == userID }), nil
}
func (t *memTx) OpenPositionsByInstrument(ctx context.Context, instrument string) ([]*model.Position, error) {
	return t.state.openPositions(func(p *model.Position) bool { return p.Instrument == instrument }), nil
}
func (t *memTx) CreateFundingRecord(ctx context.Context, rec *model.FundingRateRecord) error {
	return t.state.createFundingRecord(rec)
}
func (t *memTx) FundingHistory(ctx context.Context, instrument string, limit int) ([]*model.FundingRateRecord, error) {
	return t.state.fundingHistory(instrument, limit), nil
}
func (t *memTx) GetAccount(ctx context.Context, userID uuid.UUID) (*model.Account, error) {
	return t.state.getAccount(userID), nil
}
func (t *memTx) SaveAccount(ctx context.Context, acct *model.Account) error {
	return t.state.saveAccount(acct)
}
func (t *memTx) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	acct := t.state.getAccount(userID)
	acct.Balance = acct.Balance.Add(amount)
	return t.state.saveAccount(acct)
}
func (t *memTx) InTx(ctx context.Context, fn func(model.Repository) error) error {
	// Nested transactions join the outer one.
	return fn(t)
}

// --- state operations ---

func (s *memoryState) createOrder(order *model.Order) error {
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *memoryState) saveOrder(order *model.Order) error {
	if _, ok := s.orders[order.ID]; !ok {
		return errors.NotFound.Explain("order %s", order.ID)
	}
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *memoryState) getOrder(orderID uuid.UUID) (*model.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, errors.NotFound.Explain("order %s", orderID)
	}
	cp := *o
	return &cp, nil
}

func (s *memoryState) openOrders(instrument, side string) []*model.Order {
	var out []*model.Order
	for _, o := range s.orders {
		if o.Instrument != instrument || o.IsTerminal() {
			continue
		}
		if side != "" && o.Side != side {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memoryState) createTrade(trade *model.Trade) error {
	cp := *trade
	s.trades[trade.ID] = &cp
	return nil
}

func (s *memoryState) createPosition(pos *model.Position) error {
	for _, existing := range s.positions {
		if existing.UserID == pos.UserID && existing.Instrument == pos.Instrument &&
			existing.Status == model.PositionStatusOpen {
			return errors.ConcurrentModification.Explain("open position already exists for user %s on %s", pos.UserID, pos.Instrument)
		}
	}
	pos.Version = 1
	cp := *pos
	s.positions[pos.ID] = &cp
	return nil
}

func (s *memoryState) savePosition(pos *model.Position) error {
	existing, ok := s.positions[pos.ID]
	if !ok {
		return errors.NotFound.Explain("position %s", pos.ID)
	}
	if existing.Version != pos.Version {
		return errors.ConcurrentModification.Explain("position %s version %d is stale", pos.ID, pos.Version)
	}
	pos.Version++
	cp := *pos
	s.positions[pos.ID] = &cp
	return nil
}

func (s *memoryState) openPosition(userID uuid.UUID, instrument string) (*model.Position, error) {
	for _, p := range s.positions {
		if p.UserID == userID && p.Instrument == instrument && p.Status == model.PositionStatusOpen {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errors.NotFound.Explain("no open position for user %s on %s", userID, instrument)
}

func (s *memoryState) openPositions(match func(*model.Position) bool) []*model.Position {
	var out []*model.Position
	for _, p := range s.positions {
		if p.Status == model.PositionStatusOpen && match(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memoryState) createFundingRecord(rec *model.FundingRateRecord) error {
	cp := *rec
	s.funding = append(s.funding, &cp)
	return nil
}

func (s *memoryState) fundingHistory(instrument string, limit int) []*model.FundingRateRecord {
	var out []*model.FundingRateRecord
	for i := len(s.funding) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.funding[i].Instrument == instrument {
			cp := *s.funding[i]
			out = append(out, &cp)
		}
	}
	return out
}

// getAccount returns the stored account, or a zero-balance account for users
// the store has not seen yet.
func (s *memoryState) getAccount(userID uuid.UUID) *model.Account {
	if a, ok := s.accounts[userID]; ok {
		cp := *a
		return &cp
	}
	return &model.Account{UserID: userID, Balance: decimal.Zero, Locked: decimal.Zero}
}

func (s *memoryState) saveAccount(acct *model.Account) error {
	existing, ok := s.accounts[acct.UserID]
	if ok && existing.Version != acct.Version {
		return errors.ConcurrentModification.Explain("account %s version %d is stale", acct.UserID, acct.Version)
	}
	acct.Version++
	acct.UpdatedAt = time.Now()
	cp := *acct
	s.accounts[acct.UserID] = &cp
	return nil
}
