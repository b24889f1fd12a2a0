package store

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/pkg/errors"
)

// Gorm is the production Repository backed by GORM. Storage errors are
// classified into the pkg/errors taxonomy at this boundary; callers never
// see driver error text.
type Gorm struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ model.Repository = (*Gorm)(nil)

// NewPostgres opens a Postgres-backed store and migrates the schema.
func NewPostgres(dsn string, logger *zap.Logger) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, classify(err)
	}
	return newGorm(db, logger)
}

// NewSQLite opens a SQLite-backed store, used by tests and embedded runs.
func NewSQLite(path string, logger *zap.Logger) (*Gorm, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, classify(err)
	}
	return newGorm(db, logger)
}

func newGorm(db *gorm.DB, logger *zap.Logger) (*Gorm, error) {
	if err := db.AutoMigrate(
		&model.Order{}, &model.Trade{}, &model.Position{},
		&model.FundingRateRecord{}, &model.Account{},
	); err != nil {
		return nil, classify(err)
	}
	return &Gorm{db: db, logger: logger.Named("store")}, nil
}

// classify maps storage errors onto the core's taxonomy. Connection-level
// failures come back Transient so callers retry with backoff; everything
// else is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return errors.NotFound.Wrap(err)
	}
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		// Two first-writes racing on the same key lost an optimistic race,
		// not hit a permanent fault; callers re-read and retry.
		return errors.ConcurrentModification.Wrap(err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) ||
		stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, gorm.ErrInvalidTransaction) {
		return errors.Transient.Wrap(err)
	}
	return errors.Internal.Wrap(err)
}

func (g *Gorm) CreateOrder(ctx context.Context, order *model.Order) error {
	return classify(g.db.WithContext(ctx).Create(order).Error)
}

func (g *Gorm) SaveOrder(ctx context.Context, order *model.Order) error {
	return classify(g.db.WithContext(ctx).Save(order).Error)
}

func (g *Gorm) GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	var order model.Order
	if err := g.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		return nil, classify(err)
	}
	return &order, nil
}

func (g *Gorm) OpenOrders(ctx context.Context, instrument, side string) ([]*model.Order, error) {
	q := g.db.WithContext(ctx).
		Where("instrument = ? AND status NOT IN ?", instrument,
			[]string{model.OrderStatusFilled, model.OrderStatusCancelled}).
		Order("created_at asc")
	if side != "" {
		q = q.Where("side = ?", side)
	}
	var orders []*model.Order
	if err := q.Find(&orders).Error; err != nil {
		return nil, classify(err)
	}
	return orders, nil
}

func (g *Gorm) CreateTrade(ctx context.Context, trade *model.Trade) error {
	return classify(g.db.WithContext(ctx).Create(trade).Error)
}

func (g *Gorm) CreatePosition(ctx context.Context, pos *model.Position) error {
	pos.Version = 1
	return classify(g.db.WithContext(ctx).Create(pos).Error)
}

// SavePosition writes the position only if the caller read the current
// version; a stale write surfaces as ConcurrentModification for retry.
func (g *Gorm) SavePosition(ctx context.Context, pos *model.Position) error {
	res := g.db.WithContext(ctx).Model(&model.Position{}).
		Where("id = ? AND version = ?", pos.ID, pos.Version).
		Updates(map[string]any{
			"entry_price": pos.EntryPrice,
			"size":        pos.Size,
			"margin":      pos.Margin,
			"status":      pos.Status,
			"exit_price":  pos.ExitPrice,
			"closed_at":   pos.ClosedAt,
			"updated_at":  pos.UpdatedAt,
			"version":     pos.Version + 1,
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ConcurrentModification.Explain("position %s version %d is stale", pos.ID, pos.Version)
	}
	pos.Version++
	return nil
}

func (g *Gorm) OpenPosition(ctx context.Context, userID uuid.UUID, instrument string) (*model.Position, error) {
	var pos model.Position
	err := g.db.WithContext(ctx).
		Where("user_id = ? AND instrument = ? AND status = ?", userID, instrument, model.PositionStatusOpen).
		First(&pos).Error
	if err != nil {
		return nil, classify(err)
	}
	return &pos, nil
}

func (g *Gorm) OpenPositionsByUser(ctx context.Context, userID uuid.UUID) ([]*model.Position, error) {
	var out []*model.Position
	err := g.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.PositionStatusOpen).
		Order("created_at asc").Find(&out).Error
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (g *Gorm) OpenPositionsByInstrument(ctx context.Context, instrument string) ([]*model.Position, error) {
	var out []*model.Position
	err := g.db.WithContext(ctx).
		Where("instrument = ? AND status = ?", instrument, model.PositionStatusOpen).
		Order("created_at asc").Find(&out).Error
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (g *Gorm) CreateFundingRecord(ctx context.Context, rec *model.FundingRateRecord) error {
	return classify(g.db.WithContext(ctx).Create(rec).Error)
}

func (g *Gorm) FundingHistory(ctx context.Context, instrument string, limit int) ([]*model.FundingRateRecord, error) {
	q := g.db.WithContext(ctx).
		Where("instrument = ?", instrument).
		Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*model.FundingRateRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// GetAccount returns a zero-balance account for unseen users, matching the
// in-memory store's behavior.
func (g *Gorm) GetAccount(ctx context.Context, userID uuid.UUID) (*model.Account, error) {
	var acct model.Account
	err := g.db.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return &model.Account{UserID: userID, Balance: decimal.Zero, Locked: decimal.Zero}, nil
		}
		return nil, classify(err)
	}
	return &acct, nil
}

func (g *Gorm) SaveAccount(ctx context.Context, acct *model.Account) error {
	acct.UpdatedAt = time.Now()
	if acct.Version == 0 {
		acct.Version = 1
		if err := classify(g.db.WithContext(ctx).Create(acct).Error); err != nil {
			acct.Version = 0
			return err
		}
		return nil
	}
	res := g.db.WithContext(ctx).Model(&model.Account{}).
		Where("user_id = ? AND version = ?", acct.UserID, acct.Version).
		Updates(map[string]any{
			"balance":    acct.Balance,
			"locked":     acct.Locked,
			"updated_at": acct.UpdatedAt,
			"version":    acct.Version + 1,
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ConcurrentModification.Explain("account %s version %d is stale", acct.UserID, acct.Version)
	}
	acct.Version++
	return nil
}

func (g *Gorm) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	return g.InTx(ctx, func(r model.Repository) error {
		acct, err := r.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(amount)
		return r.SaveAccount(ctx, acct)
	})
}

// InTx runs fn inside one database transaction.
func (g *Gorm) InTx(ctx context.Context, fn func(model.Repository) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Gorm{db: tx, logger: g.logger})
	})
}
