package orders

import (
	"errors"
	"time"

	"github.com/ksred/vipshop-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTradeNotFound     = errors.New("trade not found")
	ErrDuplicateTrade    = errors.New("trade number already exists")
	ErrInvalidTransition = errors.New("invalid trade status transition")
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateTrade inserts a new trade in WAIT_BUYER_PAY.
func (d *Database) CreateTrade(tradeNo, goodsName, userID string, amount float64) error {
	trade := types.Trade{
		TradeNo:     tradeNo,
		GoodsName:   goodsName,
		UserID:      userID,
		TotalAmount: amount,
		TradeStatus: types.StatusWaitBuyerPay,
	}
	if err := d.db.Create(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateTrade
		}
		return err
	}
	return nil
}

func (d *Database) GetTrade(tradeNo string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.Where("trade_no = ?", tradeNo).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

func (d *Database) GetTradeStatus(tradeNo string) (string, error) {
	trade, err := d.GetTrade(tradeNo)
	if err != nil {
		return "", err
	}
	if trade == nil {
		return "", nil
	}
	return trade.TradeStatus, nil
}

// FindUnpaidWithin returns the most recent WAIT_BUYER_PAY trade for the
// buyer/good pair created inside the trailing window, or nil.
func (d *Database) FindUnpaidWithin(userID, goodsName string, window time.Duration) (*types.Trade, error) {
	var trade types.Trade
	cutoff := time.Now().Add(-window)
	err := d.db.
		Where("user_id = ? AND goods_name = ? AND trade_status = ? AND created_at >= ?",
			userID, goodsName, types.StatusWaitBuyerPay, cutoff).
		Order("created_at DESC").
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// FindUnpaidOlderThan returns WAIT_BUYER_PAY trades created before the
// cutoff, for the stale-order sweeper.
func (d *Database) FindUnpaidOlderThan(age time.Duration) ([]types.Trade, error) {
	var trades []types.Trade
	cutoff := time.Now().Add(-age)
	if err := d.db.
		Where("trade_status = ? AND created_at < ?", types.StatusWaitBuyerPay, cutoff).
		Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// Transition moves a trade to the target status under a row lock. The
// current status is read inside the same transaction, so two racing
// notifications for one trade cannot both win.
func (d *Database) Transition(tradeNo, target string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var trade types.Trade
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("trade_no = ?", tradeNo).
		First(&trade).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTradeNotFound
		}
		return err
	}

	if !types.CanTransition(trade.TradeStatus, target) {
		tx.Rollback()
		return ErrInvalidTransition
	}

	updates := map[string]interface{}{"trade_status": target}
	if target == types.StatusTradeSuccess {
		now := time.Now()
		updates["send_pay_date"] = &now
	}
	if err := tx.Model(&types.Trade{}).
		Where("trade_no = ?", tradeNo).
		Updates(updates).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
