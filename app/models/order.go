package models

import "time"

const (
	OrderStatusAwaitingPayment = "awaiting_payment"
	OrderStatusPaymentPending  = "payment_pending"
	OrderStatusPaymentFailed   = "payment_failed"
	OrderStatusPaymentCanceled = "payment_canceled"
	OrderStatusPaid            = "paid"
)

// orderStatusRank is a strict order over payment states. An order only
// moves to a higher rank, so any delivery order of transfer events ends in
// the same status.
var orderStatusRank = map[string]int{
	OrderStatusAwaitingPayment: 0,
	OrderStatusPaymentPending:  1,
	OrderStatusPaymentFailed:   2,
	OrderStatusPaymentCanceled: 3,
	OrderStatusPaid:            4,
}

// OrderStatusRank returns the progression rank of an order payment status.
func OrderStatusRank(status string) int {
	if r, ok := orderStatusRank[status]; ok {
		return r
	}
	return -1
}

// Order is the marketplace order a payment transfer settles.
type Order struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	OrderNumber   string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"order_number"`
	TransferID    *string    `gorm:"type:varchar(191);uniqueIndex" json:"transfer_id,omitempty"`
	TransferState string     `gorm:"type:varchar(32)" json:"transfer_state"`
	Status        string     `gorm:"type:varchar(32);not null;default:'awaiting_payment';index" json:"status"`
	AmountCents   int64      `gorm:"not null;default:0" json:"amount_cents"`
	Currency      string     `gorm:"type:varchar(3)" json:"currency"`
	ChatChannelID string     `gorm:"type:varchar(191)" json:"chat_channel_id"`
	PaidAt        *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
