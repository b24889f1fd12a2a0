package funding_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openperp/synthex/internal/funding"
	"github.com/openperp/synthex/internal/ledger"
	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/internal/oracle"
	"github.com/openperp/synthex/internal/store"
	"github.com/openperp/synthex/pkg/errors"
	"github.com/openperp/synthex/pkg/logger"
)

const instrument = "BTC-PERP"

type symbolList []string

func (s symbolList) Symbols() []string { return s }

// markStub serves a fixed mark price.
type markStub struct{ price decimal.Decimal }

func (m markStub) MarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	return m.price, nil
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type env struct {
	repo    *store.Memory
	ledger  *ledger.Ledger
	oracle  *oracle.Static
	manager *funding.Manager
}

func newEnv(t *testing.T, refPrice, markPrice int64) *env {
	t.Helper()
	repo := store.NewMemory()
	log := logger.NewNop()
	led := ledger.New(log, repo, ledger.Config{})
	orc := oracle.NewStatic(map[string]decimal.Decimal{instrument: dec(refPrice)})
	mgr := funding.New(log, repo, led, orc, markStub{price: dec(markPrice)}, symbolList{instrument}, nil, nil, funding.DefaultConfig())
	return &env{repo: repo, ledger: led, oracle: orc, manager: mgr}
}

func seedPosition(t *testing.T, e *env, typ string, entry, size int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	user := uuid.New()
	require.NoError(t, e.ledger.Deposit(ctx, user, dec(10_000)))
	now := time.Now()
	require.NoError(t, e.repo.CreatePosition(ctx, &model.Position{
		ID:         uuid.New(),
		UserID:     user,
		Instrument: instrument,
		Type:       typ,
		EntryPrice: dec(entry),
		Size:       dec(size),
		Margin:     dec(entry * size / 5),
		Status:     model.PositionStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
	return user
}

func TestRatePositiveWhenMarkAboveReference(t *testing.T) {
	e := newEnv(t, 100, 101)
	rate, err := e.manager.ComputeRate(context.Background(), instrument)
	require.NoError(t, err)
	assert.True(t, rate.Rate.IsPositive())
	assert.Equal(t, model.FundingLongPaysShort, rate.Direction)
	assert.Equal(t, model.FundingReasonDeviation, rate.Reason)
}

func TestRateNegativeWhenMarkBelowReference(t *testing.T) {
	e := newEnv(t, 100, 99)
	rate, err := e.manager.ComputeRate(context.Background(), instrument)
	require.NoError(t, err)
	assert.True(t, rate.Rate.IsNegative())
	assert.Equal(t, model.FundingShortPaysLong, rate.Direction)
}

func TestRateClampedAtCap(t *testing.T) {
	e := newEnv(t, 100, 150)
	rate, err := e.manager.ComputeRate(context.Background(), instrument)
	require.NoError(t, err)
	cap := funding.DefaultConfig().MaxRate
	assert.True(t, rate.Rate.Equal(cap), "deviation 50%% clamps to %s, got %s", cap, rate.Rate)
}

func TestImbalanceDrivesRateAtFairMark(t *testing.T) {
	e := newEnv(t, 100, 100)
	seedPosition(t, e, model.IntentLong, 100, 10)

	rate, err := e.manager.ComputeRate(context.Background(), instrument)
	require.NoError(t, err)
	// No deviation, all open interest long: imbalance term alone sets a
	// positive rate.
	assert.True(t, rate.Rate.IsPositive())
	assert.Equal(t, model.FundingReasonImbalance, rate.Reason)
}

func TestRateUnavailableWithoutReference(t *testing.T) {
	e := newEnv(t, 100, 100)
	e.oracle.Unset(instrument)
	_, err := e.manager.ComputeRate(context.Background(), instrument)
	assert.True(t, errors.Is(err, errors.OracleUnavailable))
}

func TestSettleMovesFundsLongToShort(t *testing.T) {
	e := newEnv(t, 100, 101)
	ctx := context.Background()
	longUser := seedPosition(t, e, model.IntentLong, 100, 10)
	shortUser := seedPosition(t, e, model.IntentShort, 100, 10)

	longBefore, _ := e.ledger.Balance(ctx, longUser)
	shortBefore, _ := e.ledger.Balance(ctx, shortUser)

	rec, err := e.manager.SettleInstrument(ctx, instrument)
	require.NoError(t, err)
	assert.Equal(t, model.FundingLongPaysShort, rec.Direction)
	assert.True(t, rec.Rate.IsPositive())

	longAfter, _ := e.ledger.Balance(ctx, longUser)
	shortAfter, _ := e.ledger.Balance(ctx, shortUser)
	assert.True(t, longAfter.Balance.LessThan(longBefore.Balance))
	assert.True(t, shortAfter.Balance.GreaterThan(shortBefore.Balance))

	// Zero-sum between the two equal positions.
	paid := longBefore.Balance.Sub(longAfter.Balance)
	received := shortAfter.Balance.Sub(shortBefore.Balance)
	assert.True(t, paid.Equal(received))
}

func TestSettleRecordsHistory(t *testing.T) {
	e := newEnv(t, 100, 101)
	ctx := context.Background()

	first, err := e.manager.SettleInstrument(ctx, instrument)
	require.NoError(t, err)
	_, err = e.manager.SettleInstrument(ctx, instrument)
	require.NoError(t, err)

	recs, err := e.manager.History(ctx, instrument, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].CreatedAt.After(first.CreatedAt) || recs[0].ID != first.ID, "newest first")

	latest := e.manager.LatestRate(ctx, instrument)
	assert.True(t, latest.Equal(recs[0].Rate))
}

func TestLatestRateZeroWithoutHistory(t *testing.T) {
	e := newEnv(t, 100, 100)
	assert.True(t, e.manager.LatestRate(context.Background(), instrument).IsZero())
}
