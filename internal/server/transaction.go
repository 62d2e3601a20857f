package server

import (
	"time"
)

// Transaction 通用交易表
// One row per verified purchase; the unique index on the transaction id is
// what turns replayed verifications into 409 DUPLICATE_TRANSACTION.
type Transaction struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	DeviceID      string    `json:"device_id" gorm:"size:64;index"`
	TransactionID string    `json:"transaction_id" gorm:"not null;size:100;uniqueIndex"`
	ProductID     string    `json:"product_id" gorm:"size:100"`
	PurchaseToken string    `json:"purchase_token" gorm:"type:text"`
	Tier          string    `json:"tier" gorm:"size:20"`
	PurchasedAt   time.Time `json:"purchased_at"`
}

// TableName 指定表名
func (Transaction) TableName() string {
	return "transactions"
}
