package users

import (
	"errors"
	"time"

	"github.com/ksred/vipshop-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetUser(uid string) (*types.User, error) {
	var user types.User
	if err := d.db.Where("uid = ?", uid).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts a user with the epoch expiry, meaning no active
// entitlement yet.
func (d *Database) CreateUser(uid string) error {
	user := types.User{
		UID:           uid,
		VipExpiryDate: time.Unix(0, 0).UTC(),
	}
	return d.db.Create(&user).Error
}

// UpdateVipExpiry writes a new entitlement expiry for the user.
func (d *Database) UpdateVipExpiry(uid string, expiry time.Time) error {
	res := d.db.Model(&types.User{}).
		Where("uid = ?", uid).
		Update("vip_expiry_date", expiry)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
