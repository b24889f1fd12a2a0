// Package book implements the per-instrument central-limit order book: a
// price-ordered set of resting orders, FIFO within each price level.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

// priceLevel holds all resting orders at one price in arrival order.
type priceLevel struct {
	price  decimal.Decimal
	orders []*model.Order
}

func (pl *priceLevel) remaining() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.orders {
		total = total.Add(o.Remaining())
	}
	return total
}

func (pl *priceLevel) remove(orderID uuid.UUID) bool {
	for i, o := range pl.orders {
		if o.ID == orderID {
			pl.orders = append(pl.orders[:i], pl.orders[i+1:]...)
			return true
		}
	}
	return false
}

// Level is one aggregated price level of a depth snapshot.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook holds all non-terminal resting orders for one instrument.
// Structural mutation during matching is serialized by the engine's
// per-instrument lock; the internal RWMutex only shields concurrent readers
// (depth and best-price queries) from in-flight writes.
type OrderBook struct {
	instrument string

	mu     sync.RWMutex
	bids   *btree.BTreeG[*priceLevel]
	asks   *btree.BTreeG[*priceLevel]
	orders map[uuid.UUID]*model.Order
}

func byPrice(a, b *priceLevel) bool { return a.price.LessThan(b.price) }

// New creates an empty order book for the instrument.
func New(instrument string) *OrderBook {
	return &OrderBook{
		instrument: instrument,
		bids:       btree.NewBTreeG(byPrice),
		asks:       btree.NewBTreeG(byPrice),
		orders:     make(map[uuid.UUID]*model.Order),
	}
}

// Instrument returns the symbol this book serves.
func (b *OrderBook) Instrument() string { return b.instrument }

// Insert places a resting order into its price level. Orders with
// non-positive quantity or price are rejected; matching happens in the
// engine before Insert is reached, so the order rests as submitted.
func (b *OrderBook) Insert(order *model.Order) error {
	if order.Remaining().LessThanOrEqual(decimal.Zero) {
		return errors.InvalidOrder.Explain("cannot rest order %s with no remaining quantity", order.ID)
	}
	if order.Price.LessThanOrEqual(decimal.Zero) {
		return errors.InvalidOrder.Explain("cannot rest order %s without a positive price", order.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	side := b.sideTree(order.Side)
	key := &priceLevel{price: order.Price}
	level, ok := side.Get(key)
	if !ok {
		level = &priceLevel{price: order.Price}
		side.Set(level)
	}
	// FIFO within the level, tie-broken by creation time in case orders are
	// reloaded out of arrival order.
	level.orders = append(level.orders, order)
	sort.SliceStable(level.orders, func(i, j int) bool {
		return level.orders[i].CreatedAt.Before(level.orders[j].CreatedAt)
	})
	b.orders[order.ID] = order
	return nil
}

// Get returns the resting order with the given id.
func (b *OrderBook) Get(orderID uuid.UUID) (*model.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[orderID]
	return o, ok
}

// Cancel removes the remainder of a resting order. The requester must own
// the order; terminal or unknown orders report NotFound.
func (b *OrderBook) Cancel(orderID, userID uuid.UUID) (*model.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return nil, errors.NotFound.Explain("order %s not resting on %s", orderID, b.instrument)
	}
	if order.UserID != userID {
		return nil, errors.NotOwner.Explain("order %s does not belong to user %s", orderID, userID)
	}
	b.unlink(order)
	order.Status = model.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	return order, nil
}

// Remove unlinks a resting order without changing its status. Used by the
// engine when a maker fills completely and by the market maker when it
// refreshes its quotes.
func (b *OrderBook) Remove(orderID uuid.UUID) (*model.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return nil, false
	}
	b.unlink(order)
	return order, true
}

// unlink drops the order from its level and the id index. Caller holds mu.
func (b *OrderBook) unlink(order *model.Order) {
	side := b.sideTree(order.Side)
	key := &priceLevel{price: order.Price}
	if level, ok := side.Get(key); ok {
		level.remove(order.ID)
		if len(level.orders) == 0 {
			side.Delete(key)
		}
	}
	delete(b.orders, order.ID)
}

// FirstEligibleMaker walks the side opposing takerSide in price-time priority
// and returns the first maker the taker may match: own orders are skipped
// (self-trade prevention) and, for limit takers, the scan stops at the first
// price the taker no longer crosses.
func (b *OrderBook) FirstEligibleMaker(takerSide string, takerUser uuid.UUID, limit decimal.Decimal, isMarket bool) *model.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var found *model.Order
	visit := func(level *priceLevel) bool {
		if !isMarket {
			if takerSide == model.OrderSideBuy && limit.LessThan(level.price) {
				return false
			}
			if takerSide == model.OrderSideSell && limit.GreaterThan(level.price) {
				return false
			}
		}
		for _, maker := range level.orders {
			if maker.UserID == takerUser {
				continue
			}
			if maker.Remaining().LessThanOrEqual(decimal.Zero) {
				continue
			}
			found = maker
			return false
		}
		return true // level held only own or spent orders, keep walking
	}
	if takerSide == model.OrderSideBuy {
		b.asks.Scan(visit)
	} else {
		b.bids.Reverse(visit)
	}
	return found
}

// ApplyMakerFill decrements a maker's remainder and unlinks it once filled.
func (b *OrderBook) ApplyMakerFill(orderID uuid.UUID, qty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return
	}
	order.Fill(qty)
	if order.Status == model.OrderStatusFilled {
		b.unlink(order)
	}
}

// BestBid returns the highest bid price with resting quantity.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestPrice(b.bids, true)
}

// BestAsk returns the lowest ask price with resting quantity.
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestPrice(b.asks, false)
}

func bestPrice(side *btree.BTreeG[*priceLevel], descending bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	visit := func(level *priceLevel) bool {
		if level.remaining().GreaterThan(decimal.Zero) {
			best = level.price
			found = true
			return false
		}
		return true
	}
	if descending {
		side.Reverse(visit)
	} else {
		side.Scan(visit)
	}
	return best, found
}

// Depth returns up to levels aggregated price levels per side, bids
// descending and asks ascending.
func (b *OrderBook) Depth(levels int) (bids, asks []Level) {
	if levels <= 0 {
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	collect := func(out *[]Level) func(*priceLevel) bool {
		return func(level *priceLevel) bool {
			qty := level.remaining()
			if qty.GreaterThan(decimal.Zero) {
				*out = append(*out, Level{Price: level.price, Quantity: qty})
			}
			return len(*out) < levels
		}
	}
	b.bids.Reverse(collect(&bids))
	b.asks.Scan(collect(&asks))
	return bids, asks
}

// OrdersByUser returns the ids of the user's resting orders, e.g. for a
// market maker refreshing its own quotes.
func (b *OrderBook) OrdersByUser(userID uuid.UUID) []uuid.UUID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []uuid.UUID
	for id, o := range b.orders {
		if o.UserID == userID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of resting orders.
func (b *OrderBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

func (b *OrderBook) sideTree(side string) *btree.BTreeG[*priceLevel] {
	if side == model.OrderSideBuy {
		return b.bids
	}
	return b.asks
}
