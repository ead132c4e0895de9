package types

import (
	"time"

	"gorm.io/gorm"
)

type Good struct {
	gorm.Model  `json:"-"`
	GoodsName   string  `gorm:"uniqueIndex" json:"goods_name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
}

type User struct {
	gorm.Model    `json:"-"`
	UID           string    `gorm:"uniqueIndex" json:"uid"`
	VipExpiryDate time.Time `json:"vip_expiry_date"`
}

type Trade struct {
	gorm.Model  `json:"-"`
	TradeNo     string     `gorm:"uniqueIndex" json:"trade_no"`
	GoodsName   string     `json:"goods_name"`
	UserID      string     `gorm:"index" json:"user_id"`
	TotalAmount float64    `json:"total_amount"`
	TradeStatus string     `json:"trade_status"` // WAIT_BUYER_PAY, TRADE_SUCCESS, TRADE_CLOSED, TRADE_FINISHED
	SendPayDate *time.Time `json:"send_pay_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
