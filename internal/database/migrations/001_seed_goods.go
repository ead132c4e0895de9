package migrations

import (
	"github.com/ksred/vipshop-api/internal/types"
	"gorm.io/gorm"
)

// SeedGoodsCatalog inserts the standard VIP tiers on a fresh database so a
// new deployment is sellable out of the box. An already-populated catalog
// is left alone.
func SeedGoodsCatalog(db *gorm.DB) error {
	var count int64
	if err := db.Model(&types.Good{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	goods := []types.Good{
		{GoodsName: "7天VIP", Description: "7 days of VIP access", Price: 6.00, Stock: 100},
		{GoodsName: "30天VIP", Description: "30 days of VIP access", Price: 19.90, Stock: 100},
		{GoodsName: "90天VIP", Description: "90 days of VIP access", Price: 49.90, Stock: 100},
	}
	return db.Create(&goods).Error
}
