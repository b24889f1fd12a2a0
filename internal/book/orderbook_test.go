package book

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

func limitOrder(user uuid.UUID, side string, price, qty int64) *model.Order {
	return &model.Order{
		ID:         uuid.New(),
		UserID:     user,
		Instrument: "BTC-PERP",
		Side:       side,
		Intent:     model.IntentLong,
		Type:       model.OrderTypeLimit,
		Price:      decimal.NewFromInt(price),
		Quantity:   decimal.NewFromInt(qty),
		Status:     model.OrderStatusPending,
		CreatedAt:  time.Now(),
	}
}

func TestBestBidAskOrdering(t *testing.T) {
	b := New("BTC-PERP")
	user := uuid.New()

	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideBuy, 99, 1)))
	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideBuy, 101, 1)))
	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideBuy, 100, 1)))
	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideSell, 105, 1)))
	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideSell, 103, 1)))

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(decimal.NewFromInt(101)))

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(decimal.NewFromInt(103)))
}

// Price ordering must be numeric, not lexicographic: 9 < 10.
func TestNumericPriceOrdering(t *testing.T) {
	b := New("BTC-PERP")
	user := uuid.New()

	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideBuy, 9, 1)))
	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideBuy, 10, 1)))

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(decimal.NewFromInt(10)))
}

func TestFIFOWithinLevel(t *testing.T) {
	b := New("BTC-PERP")
	userA, userB := uuid.New(), uuid.New()

	first := limitOrder(userA, model.OrderSideSell, 100, 1)
	second := limitOrder(userB, model.OrderSideSell, 100, 1)
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)
	require.NoError(t, b.Insert(first))
	require.NoError(t, b.Insert(second))

	maker := b.FirstEligibleMaker(model.OrderSideBuy, uuid.New(), decimal.NewFromInt(100), false)
	require.NotNil(t, maker)
	assert.Equal(t, first.ID, maker.ID)
}

func TestFirstEligibleMakerSkipsOwnOrders(t *testing.T) {
	b := New("BTC-PERP")
	self, other := uuid.New(), uuid.New()

	mine := limitOrder(self, model.OrderSideSell, 100, 1)
	theirs := limitOrder(other, model.OrderSideSell, 100, 1)
	theirs.CreatedAt = mine.CreatedAt.Add(time.Millisecond)
	require.NoError(t, b.Insert(mine))
	require.NoError(t, b.Insert(theirs))

	maker := b.FirstEligibleMaker(model.OrderSideBuy, self, decimal.NewFromInt(100), false)
	require.NotNil(t, maker)
	assert.Equal(t, theirs.ID, maker.ID)
}

func TestFirstEligibleMakerRespectsLimit(t *testing.T) {
	b := New("BTC-PERP")
	user := uuid.New()
	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideSell, 101, 1)))

	assert.Nil(t, b.FirstEligibleMaker(model.OrderSideBuy, uuid.New(), decimal.NewFromInt(100), false))
	assert.NotNil(t, b.FirstEligibleMaker(model.OrderSideBuy, uuid.New(), decimal.NewFromInt(101), false))
	assert.NotNil(t, b.FirstEligibleMaker(model.OrderSideBuy, uuid.New(), decimal.Zero, true))
}

func TestCancelOwnership(t *testing.T) {
	b := New("BTC-PERP")
	owner, stranger := uuid.New(), uuid.New()
	order := limitOrder(owner, model.OrderSideBuy, 100, 5)
	require.NoError(t, b.Insert(order))

	_, err := b.Cancel(order.ID, stranger)
	assert.True(t, errors.Is(err, errors.NotOwner))

	_, err = b.Cancel(uuid.New(), owner)
	assert.True(t, errors.Is(err, errors.NotFound))

	cancelled, err := b.Cancel(order.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 0, b.Len())

	_, err = b.Cancel(order.ID, owner)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestDepthAggregatesLevels(t *testing.T) {
	b := New("BTC-PERP")
	user := uuid.New()

	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideBuy, 100, 2)))
	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideBuy, 100, 3)))
	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideBuy, 99, 1)))
	require.NoError(t, b.Insert(limitOrder(user, model.OrderSideSell, 101, 4)))

	bids, asks := b.Depth(10)
	require.Len(t, bids, 2)
	require.Len(t, asks, 1)
	assert.True(t, bids[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, bids[0].Quantity.Equal(decimal.NewFromInt(5)))
	assert.True(t, bids[1].Price.Equal(decimal.NewFromInt(99)))
	assert.True(t, asks[0].Quantity.Equal(decimal.NewFromInt(4)))

	bids, asks = b.Depth(1)
	assert.Len(t, bids, 1)
	assert.Len(t, asks, 1)
}

func TestApplyMakerFillRemovesFilled(t *testing.T) {
	b := New("BTC-PERP")
	user := uuid.New()
	order := limitOrder(user, model.OrderSideSell, 100, 10)
	require.NoError(t, b.Insert(order))

	b.ApplyMakerFill(order.ID, decimal.NewFromInt(4))
	got, ok := b.Get(order.ID)
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusPartiallyFilled, got.Status)
	assert.True(t, got.Remaining().Equal(decimal.NewFromInt(6)))

	b.ApplyMakerFill(order.ID, decimal.NewFromInt(6))
	_, ok = b.Get(order.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())
}

func TestOrdersByUser(t *testing.T) {
	b := New("BTC-PERP")
	mine, other := uuid.New(), uuid.New()
	a := limitOrder(mine, model.OrderSideBuy, 99, 1)
	c := limitOrder(mine, model.OrderSideSell, 101, 1)
	require.NoError(t, b.Insert(a))
	require.NoError(t, b.Insert(c))
	require.NoError(t, b.Insert(limitOrder(other, model.OrderSideBuy, 98, 1)))

	ids := b.OrdersByUser(mine)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, c.ID}, ids)
}
