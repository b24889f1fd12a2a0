package engine_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openperp/synthex/internal/engine"
	"github.com/openperp/synthex/internal/ledger"
	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/internal/oracle"
	"github.com/openperp/synthex/internal/store"
	"github.com/openperp/synthex/pkg/errors"
	"github.com/openperp/synthex/pkg/logger"
)

const instrument = "BTC-PERP"

type fixture struct {
	repo   *store.Memory
	ledger *ledger.Ledger
	oracle *oracle.Static
	engine *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := store.NewMemory()
	log := logger.NewNop()
	led := ledger.New(log, repo, ledger.Config{})
	orc := oracle.NewStatic(map[string]decimal.Decimal{
		instrument: decimal.NewFromInt(100),
	})
	eng := engine.New(log, repo, led, orc, nil, nil)
	eng.RegisterInstrument(instrument)
	return &fixture{repo: repo, ledger: led, oracle: orc, engine: eng}
}

func (f *fixture) fund(t *testing.T, amount int64) uuid.UUID {
	t.Helper()
	user := uuid.New()
	require.NoError(t, f.ledger.Deposit(context.Background(), user, decimal.NewFromInt(amount)))
	return user
}

func (f *fixture) submit(t *testing.T, user uuid.UUID, side, intent, typ string, price, qty int64) *engine.SubmitResult {
	t.Helper()
	res, err := f.engine.SubmitOrder(context.Background(), &model.Order{
		UserID:     user,
		Instrument: instrument,
		Side:       side,
		Intent:     intent,
		Type:       typ,
		Price:      decimal.NewFromInt(price),
		Quantity:   decimal.NewFromInt(qty),
	})
	require.NoError(t, err)
	return res
}

func TestLimitOrderRestsWithoutCounterparty(t *testing.T) {
	f := newFixture(t)
	user := f.fund(t, 10_000)

	res := f.submit(t, user, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 100, 5)
	assert.Empty(t, res.Trades)
	assert.Equal(t, model.OrderStatusPending, res.Order.Status)

	b, err := f.engine.Book(instrument)
	require.NoError(t, err)
	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(decimal.NewFromInt(100)))
}

func TestExecutionAtMakerPrice(t *testing.T) {
	f := newFixture(t)
	seller := f.fund(t, 10_000)
	buyer := f.fund(t, 10_000)

	f.submit(t, seller, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 100, 5)
	res := f.submit(t, buyer, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 102, 5)

	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].Price.Equal(decimal.NewFromInt(100)), "maker price wins")
	assert.Equal(t, model.OrderStatusFilled, res.Order.Status)
}

func TestPartialFillRestsRemainder(t *testing.T) {
	f := newFixture(t)
	seller := f.fund(t, 100_000)
	buyer := f.fund(t, 100_000)

	// Resting asks: 10 @ 100, then 4 @ 101.
	f.submit(t, seller, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 100, 10)
	f.submit(t, seller, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 101, 4)

	res := f.submit(t, buyer, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 101, 12)
	require.Len(t, res.Trades, 2)
	assert.True(t, res.Trades[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, res.Trades[0].Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, res.Trades[1].Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, res.Trades[1].Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, model.OrderStatusFilled, res.Order.Status)

	// 2 remain from the 4 @ 101 ask.
	b, _ := f.engine.Book(instrument)
	_, asks := b.Depth(10)
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Quantity.Equal(decimal.NewFromInt(2)))
}

func TestFIFOAtSamePrice(t *testing.T) {
	f := newFixture(t)
	sellerA := f.fund(t, 10_000)
	sellerB := f.fund(t, 10_000)
	buyer := f.fund(t, 10_000)

	first := f.submit(t, sellerA, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 100, 3)
	f.submit(t, sellerB, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 100, 3)

	res := f.submit(t, buyer, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 100, 3)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, first.Order.ID, res.Trades[0].MakerOrderID)
}

func TestSelfTradePrevention(t *testing.T) {
	f := newFixture(t)
	self := f.fund(t, 100_000)
	other := f.fund(t, 100_000)

	f.submit(t, self, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 100, 5)
	theirs := f.submit(t, other, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 100, 5)

	res := f.submit(t, self, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 100, 5)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, theirs.Order.ID, res.Trades[0].MakerOrderID)
	assert.NotEqual(t, res.Trades[0].TakerUserID, res.Trades[0].MakerUserID)
}

func TestMarketOrderNeverRests(t *testing.T) {
	f := newFixture(t)
	seller := f.fund(t, 10_000)
	buyer := f.fund(t, 10_000)

	f.submit(t, seller, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 100, 3)

	res, err := f.engine.SubmitOrder(context.Background(), &model.Order{
		UserID:     buyer,
		Instrument: instrument,
		Side:       model.OrderSideBuy,
		Intent:     model.IntentLong,
		Type:       model.OrderTypeMarket,
		Quantity:   decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].Quantity.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, model.OrderStatusFilled, res.Order.Status)

	b, _ := f.engine.Book(instrument)
	assert.Equal(t, 0, b.Len())
}

func TestMarketOrderWithoutLiquidityCancels(t *testing.T) {
	f := newFixture(t)
	buyer := f.fund(t, 10_000)

	res, err := f.engine.SubmitOrder(context.Background(), &model.Order{
		UserID:     buyer,
		Instrument: instrument,
		Side:       model.OrderSideBuy,
		Intent:     model.IntentLong,
		Type:       model.OrderTypeMarket,
		Quantity:   decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, model.OrderStatusCancelled, res.Order.Status)
}

func TestInsufficientBalanceRejectsBeforeBook(t *testing.T) {
	f := newFixture(t)
	user := f.fund(t, 10)

	_, err := f.engine.SubmitOrder(context.Background(), &model.Order{
		UserID:     user,
		Instrument: instrument,
		Side:       model.OrderSideBuy,
		Intent:     model.IntentLong,
		Type:       model.OrderTypeLimit,
		Price:      decimal.NewFromInt(100),
		Quantity:   decimal.NewFromInt(10),
	})
	assert.True(t, errors.Is(err, errors.InsufficientBalance))

	b, _ := f.engine.Book(instrument)
	assert.Equal(t, 0, b.Len())
}

func TestInvalidOrdersRejected(t *testing.T) {
	f := newFixture(t)
	user := f.fund(t, 10_000)
	ctx := context.Background()

	_, err := f.engine.SubmitOrder(ctx, &model.Order{
		UserID: user, Instrument: instrument,
		Side: model.OrderSideBuy, Intent: model.IntentLong, Type: model.OrderTypeLimit,
		Price: decimal.NewFromInt(100), Quantity: decimal.Zero,
	})
	assert.True(t, errors.Is(err, errors.InvalidOrder))

	_, err = f.engine.SubmitOrder(ctx, &model.Order{
		UserID: user, Instrument: instrument,
		Side: model.OrderSideBuy, Intent: model.IntentLong, Type: model.OrderTypeLimit,
		Price: decimal.NewFromInt(-5), Quantity: decimal.NewFromInt(1),
	})
	assert.True(t, errors.Is(err, errors.InvalidOrder))

	_, err = f.engine.SubmitOrder(ctx, &model.Order{
		UserID: user, Instrument: "DOGE-PERP",
		Side: model.OrderSideBuy, Intent: model.IntentLong, Type: model.OrderTypeLimit,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1),
	})
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestCancelReleasesReservation(t *testing.T) {
	f := newFixture(t)
	user := f.fund(t, 10_000)
	ctx := context.Background()

	res := f.submit(t, user, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 100, 5)

	acct, err := f.ledger.Balance(ctx, user)
	require.NoError(t, err)
	assert.True(t, acct.Locked.Equal(decimal.NewFromInt(100)), "5 * 100 * 0.20 locked")

	cancelled, err := f.engine.CancelOrder(ctx, instrument, res.Order.ID, user)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)

	acct, err = f.ledger.Balance(ctx, user)
	require.NoError(t, err)
	assert.True(t, acct.Locked.IsZero())
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(10_000)))
}

func TestCancelAfterFullFillReportsAlreadyMatching(t *testing.T) {
	f := newFixture(t)
	seller := f.fund(t, 10_000)
	buyer := f.fund(t, 10_000)
	ctx := context.Background()

	resting := f.submit(t, seller, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 100, 5)
	f.submit(t, buyer, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 100, 5)

	got, err := f.engine.CancelOrder(ctx, instrument, resting.Order.ID, seller)
	assert.True(t, errors.Is(err, errors.AlreadyMatching))
	require.NotNil(t, got)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
}

func TestCancelPartialFillKeepsFilledPortion(t *testing.T) {
	f := newFixture(t)
	seller := f.fund(t, 10_000)
	buyer := f.fund(t, 10_000)
	ctx := context.Background()

	resting := f.submit(t, seller, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 100, 5)
	f.submit(t, buyer, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 100, 2)

	cancelled, err := f.engine.CancelOrder(ctx, instrument, resting.Order.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.FilledQuantity.Equal(decimal.NewFromInt(2)))

	// Seller keeps the position from the filled 2 units.
	pos, err := f.repo.OpenPosition(ctx, seller, instrument)
	require.NoError(t, err)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(2)))
}

func TestFillOpensPositionsBothSides(t *testing.T) {
	f := newFixture(t)
	seller := f.fund(t, 10_000)
	buyer := f.fund(t, 10_000)
	ctx := context.Background()

	f.submit(t, seller, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 100, 5)
	f.submit(t, buyer, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 100, 5)

	long, err := f.repo.OpenPosition(ctx, buyer, instrument)
	require.NoError(t, err)
	assert.Equal(t, model.IntentLong, long.Type)
	assert.True(t, long.EntryPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, long.Margin.Equal(decimal.NewFromInt(100)))

	short, err := f.repo.OpenPosition(ctx, seller, instrument)
	require.NoError(t, err)
	assert.Equal(t, model.IntentShort, short.Type)
	assert.True(t, short.Size.Equal(decimal.NewFromInt(5)))
}

func TestMarkPricePrefersBookMid(t *testing.T) {
	f := newFixture(t)
	user := f.fund(t, 100_000)
	ctx := context.Background()

	mark, err := f.engine.MarkPrice(ctx, instrument)
	require.NoError(t, err)
	assert.True(t, mark.Equal(decimal.NewFromInt(100)), "oracle fallback")

	f.submit(t, user, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 98, 1)
	f.submit(t, user, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 104, 1)

	mark, err = f.engine.MarkPrice(ctx, instrument)
	require.NoError(t, err)
	assert.True(t, mark.Equal(decimal.NewFromInt(101)), "mid of 98/104")
}

func TestStaleMakerEvictedDuringMatch(t *testing.T) {
	f := newFixture(t)
	maker := f.fund(t, 100_000)
	seller := f.fund(t, 100_000)
	buyer := f.fund(t, 100_000)
	ctx := context.Background()

	// A flat maker quotes both sides.
	f.submit(t, maker, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 100, 5)
	ask := f.submit(t, maker, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 102, 5)

	// The bid fills and the maker is now LONG; its resting SHORT ask can
	// never settle while that position stands.
	f.submit(t, seller, model.OrderSideSell, model.IntentShort, model.OrderTypeLimit, 100, 5)

	// A valid taker crossing the stale ask must not fail: the ask is pulled
	// and the taker rests at its own limit.
	res := f.submit(t, buyer, model.OrderSideBuy, model.IntentLong, model.OrderTypeLimit, 102, 3)
	assert.Empty(t, res.Trades)
	assert.Equal(t, model.OrderStatusPending, res.Order.Status)

	b, _ := f.engine.Book(instrument)
	_, stillThere := b.Get(ask.Order.ID)
	assert.False(t, stillThere, "stale ask removed from the book")
	_, haveAsk := b.BestAsk()
	assert.False(t, haveAsk)
	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(decimal.NewFromInt(102)))

	stored, err := f.repo.GetOrder(ctx, ask.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, stored.Status)

	// The evicted ask's reservation came back; only the long's margin and
	// the taker's fresh reservation stay locked.
	acct, err := f.ledger.Balance(ctx, maker)
	require.NoError(t, err)
	assert.True(t, acct.Locked.IsZero())
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(99_900)), "only the filled bid's margin was spent")
}

// flakyLedger fails a configurable number of settlements before delegating.
type flakyLedger struct {
	*ledger.Ledger
	failures int
}

func (fl *flakyLedger) SettleTrade(ctx context.Context, trade *model.Trade, taker, maker *model.Order) error {
	if fl.failures > 0 {
		fl.failures--
		return errors.RetryExhausted.Explain("storage unavailable")
	}
	return fl.Ledger.SettleTrade(ctx, trade, taker, maker)
}

func TestFailedSettlementRestoresMakerToPending(t *testing.T) {
	repo := store.NewMemory()
	log := logger.NewNop()
	led := ledger.New(log, repo, ledger.Config{})
	fl := &flakyLedger{Ledger: led, failures: 1}
	orc := oracle.NewStatic(map[string]decimal.Decimal{instrument: decimal.NewFromInt(100)})
	eng := engine.New(log, repo, fl, orc, nil, nil)
	eng.RegisterInstrument(instrument)
	ctx := context.Background()

	seller := uuid.New()
	buyer := uuid.New()
	require.NoError(t, led.Deposit(ctx, seller, decimal.NewFromInt(10_000)))
	require.NoError(t, led.Deposit(ctx, buyer, decimal.NewFromInt(10_000)))

	resting, err := eng.SubmitOrder(ctx, &model.Order{
		UserID: seller, Instrument: instrument,
		Side: model.OrderSideSell, Intent: model.IntentShort, Type: model.OrderTypeLimit,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	_, err = eng.SubmitOrder(ctx, &model.Order{
		UserID: buyer, Instrument: instrument,
		Side: model.OrderSideBuy, Intent: model.IntentLong, Type: model.OrderTypeLimit,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(5),
	})
	assert.True(t, errors.Is(err, errors.RetryExhausted))

	b, _ := eng.Book(instrument)
	maker, ok := b.Get(resting.Order.ID)
	require.True(t, ok, "maker survives the failed settlement")
	assert.Equal(t, model.OrderStatusPending, maker.Status)
	assert.True(t, maker.FilledQuantity.IsZero())
}

func TestConditionalTypesRejectedByEngine(t *testing.T) {
	f := newFixture(t)
	user := f.fund(t, 10_000)

	_, err := f.engine.SubmitOrder(context.Background(), &model.Order{
		UserID:       user,
		Instrument:   instrument,
		Side:         model.OrderSideBuy,
		Intent:       model.IntentLong,
		Type:         model.OrderTypeStopLimit,
		Price:        decimal.NewFromInt(100),
		TriggerPrice: decimal.NewFromInt(99),
		Quantity:     decimal.NewFromInt(1),
	})
	assert.True(t, errors.Is(err, errors.InvalidOrder))
}
