package catalog

import (
	"errors"

	"github.com/ksred/vipshop-api/internal/types"
	"gorm.io/gorm"
)

// ReserveResult is the outcome of a stock reservation attempt.
type ReserveResult int

const (
	Reserved ReserveResult = iota
	OutOfStock
	GoodNotFound
)

var ErrGoodNotFound = errors.New("good not found")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Reserve decrements stock by one iff stock is still positive, as a single
// conditional update. Concurrent callers for the same good serialize on the
// row, so stock can never observe a negative value.
func (d *Database) Reserve(goodsName string) (ReserveResult, error) {
	res := d.db.Model(&types.Good{}).
		Where("goods_name = ? AND stock > 0", goodsName).
		UpdateColumn("stock", gorm.Expr("stock - 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 1 {
		return Reserved, nil
	}

	// Nothing updated: either the good is unknown or the stock is exhausted.
	var count int64
	if err := d.db.Model(&types.Good{}).Where("goods_name = ?", goodsName).Count(&count).Error; err != nil {
		return 0, err
	}
	if count == 0 {
		return GoodNotFound, nil
	}
	return OutOfStock, nil
}

// Release returns one unit of stock, compensating a reservation that will
// not complete.
func (d *Database) Release(goodsName string) error {
	res := d.db.Model(&types.Good{}).
		Where("goods_name = ?", goodsName).
		UpdateColumn("stock", gorm.Expr("stock + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrGoodNotFound
	}
	return nil
}

func (d *Database) GetGood(goodsName string) (*types.Good, error) {
	var good types.Good
	if err := d.db.Where("goods_name = ?", goodsName).First(&good).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &good, nil
}

func (d *Database) ListGoods() ([]types.Good, error) {
	var goods []types.Good
	if err := d.db.Order("price").Find(&goods).Error; err != nil {
		return nil, err
	}
	return goods, nil
}
