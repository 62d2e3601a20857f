package models

import "time"

// PendingPurchase is the payload of a queue entry: everything the server
// needs to verify a purchase with the platform.
type PendingPurchase struct {
	PurchaseToken string `json:"purchaseToken" gorm:"type:text"`
	ProductID     string `json:"productId" gorm:"size:100"`
	TransactionID string `json:"transactionId" gorm:"size:100"`
}

// QueueEntry is a durably persisted record of a purchase awaiting server
// verification. Keyed by transaction id within a named store.
type QueueEntry struct {
	Store       string          `json:"-" gorm:"primaryKey;size:50"`
	ID          string          `json:"id" gorm:"primaryKey;size:100"`
	Data        PendingPurchase `json:"data" gorm:"embedded"`
	AddedAt     time.Time       `json:"addedAt" gorm:"index"`
	RetryCount  int             `json:"retryCount" gorm:"index"`
	LastRetryAt *time.Time      `json:"lastRetryAt,omitempty"`
}

func (QueueEntry) TableName() string {
	return "queue_entries"
}
