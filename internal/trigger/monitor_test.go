package trigger_test

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
	"github.com/openperp/synthex/internal/trigger"
	"github.com/openperp/synthex/pkg/errors"
	"github.com/openperp/synthex/pkg/logger"
)

const instrument = "BTC-PERP"

type symbolList []string

func (s symbolList) Symbols() []string { return s }

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type env struct {
	repo    *store.Memory
	ledger  *ledger.Ledger
	oracle  *oracle.Static
	engine  *engine.Engine
	monitor *trigger.Monitor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := store.NewMemory()
	log := logger.NewNop()
	led := ledger.New(log, repo, ledger.Config{})
	orc := oracle.NewStatic(map[string]decimal.Decimal{instrument: dec(100)})
	eng := engine.New(log, repo, led, orc, nil, nil)
	eng.RegisterInstrument(instrument)
	mon := trigger.New(log, repo, eng, orc, symbolList{instrument}, nil, trigger.Config{})
	return &env{repo: repo, ledger: led, oracle: orc, engine: eng, monitor: mon}
}

func stopLimit(user uuid.UUID, side string, triggerAt, limit, qty int64) *model.Order {
	intent := model.IntentLong
	if side == model.OrderSideSell {
		intent = model.IntentShort
	}
	return &model.Order{
		UserID:       user,
		Instrument:   instrument,
		Side:         side,
		Intent:       intent,
		Type:         model.OrderTypeStopLimit,
		Price:        dec(limit),
		TriggerPrice: dec(triggerAt),
		Quantity:     dec(qty),
	}
}

func TestSubmitRejectsNonConditional(t *testing.T) {
	e := newEnv(t)
	order := stopLimit(uuid.New(), model.OrderSideBuy, 105, 106, 1)
	order.Type = model.OrderTypeLimit
	_, err := e.monitor.Submit(context.Background(), order)
	assert.True(t, errors.Is(err, errors.InvalidOrder))
}

func TestSubmitRequiresTriggerPrice(t *testing.T) {
	e := newEnv(t)
	order := stopLimit(uuid.New(), model.OrderSideBuy, 105, 106, 1)
	order.TriggerPrice = decimal.Zero
	_, err := e.monitor.Submit(context.Background(), order)
	assert.True(t, errors.Is(err, errors.InvalidOrder))
}

func TestBuySideTriggersAtOrAboveTrigger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()
	require.NoError(t, e.ledger.Deposit(ctx, user, dec(10_000)))

	stored, err := e.monitor.Submit(ctx, stopLimit(user, model.OrderSideBuy, 105, 106, 2))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPendingTrigger, stored.Status)

	e.monitor.OnPriceTick(ctx, instrument, dec(104))
	assert.Len(t, e.monitor.Pending(user), 1, "below trigger, still pending")

	e.monitor.OnPriceTick(ctx, instrument, dec(105))
	assert.Empty(t, e.monitor.Pending(user))

	got, err := e.repo.GetOrder(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusTriggered, got.Status)

	// The fired limit rests on the book at its limit price.
	b, _ := e.engine.Book(instrument)
	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(dec(106)))
}

func TestSellSideTriggersAtOrBelowTrigger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()
	require.NoError(t, e.ledger.Deposit(ctx, user, dec(10_000)))

	_, err := e.monitor.Submit(ctx, stopLimit(user, model.OrderSideSell, 95, 94, 2))
	require.NoError(t, err)

	e.monitor.OnPriceTick(ctx, instrument, dec(96))
	assert.Len(t, e.monitor.Pending(user), 1)

	e.monitor.OnPriceTick(ctx, instrument, dec(95))
	assert.Empty(t, e.monitor.Pending(user))

	b, _ := e.engine.Book(instrument)
	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(dec(94)))
}

func TestPollUsesOraclePrice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()
	require.NoError(t, e.ledger.Deposit(ctx, user, dec(10_000)))

	_, err := e.monitor.Submit(ctx, stopLimit(user, model.OrderSideBuy, 110, 111, 1))
	require.NoError(t, err)

	e.monitor.Poll(ctx)
	assert.Len(t, e.monitor.Pending(user), 1, "oracle at 100, trigger at 110")

	e.oracle.SetPrice(instrument, dec(112))
	e.monitor.Poll(ctx)
	assert.Empty(t, e.monitor.Pending(user))
}

func TestCancelPendingConditional(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()

	stored, err := e.monitor.Submit(ctx, stopLimit(user, model.OrderSideBuy, 105, 106, 1))
	require.NoError(t, err)

	_, err = e.monitor.Cancel(ctx, stored.ID, uuid.New())
	assert.True(t, errors.Is(err, errors.NotOwner))

	cancelled, err := e.monitor.Cancel(ctx, stored.ID, user)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)

	_, err = e.monitor.Cancel(ctx, stored.ID, user)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestCancelAfterTriggerReportsNotFound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()
	require.NoError(t, e.ledger.Deposit(ctx, user, dec(10_000)))

	stored, err := e.monitor.Submit(ctx, stopLimit(user, model.OrderSideBuy, 105, 106, 1))
	require.NoError(t, err)

	e.monitor.OnPriceTick(ctx, instrument, dec(105))

	_, err = e.monitor.Cancel(ctx, stored.ID, user)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestTriggeredOrderFailingMarginIsDropped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New() // no deposit: margin reservation must fail

	stored, err := e.monitor.Submit(ctx, stopLimit(user, model.OrderSideBuy, 105, 106, 1))
	require.NoError(t, err)

	e.monitor.OnPriceTick(ctx, instrument, dec(105))
	assert.Empty(t, e.monitor.Pending(user))

	got, err := e.repo.GetOrder(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusTriggered, got.Status)

	b, _ := e.engine.Book(instrument)
	assert.Equal(t, 0, b.Len(), "rejected limit never rests")
}
