package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/HookFox/app/models"
)

var (
	ErrOrderNotFound    = errors.New("order not found for transfer")
	ErrConcurrentUpdate = errors.New("row changed concurrently")
)

// transferStateStatus maps payment provider transfer states to order statuses.
var transferStateStatus = map[string]string{
	"PENDING":   models.OrderStatusPaymentPending,
	"FAILED":    models.OrderStatusPaymentFailed,
	"CANCELED":  models.OrderStatusPaymentCanceled,
	"SUCCEEDED": models.OrderStatusPaid,
}

// OrderStatusForTransferState returns the order status a transfer state implies.
func OrderStatusForTransferState(state string) (string, bool) {
	status, ok := transferStateStatus[strings.ToUpper(strings.TrimSpace(state))]
	return status, ok
}

// TransferUpdate is the transfer state reported by one payment event.
type TransferUpdate struct {
	TransferID  string
	State       string
	OrderNumber string
	AmountCents int64
	Currency    string
}

// TransferResult tells the caller what ApplyTransferState did.
type TransferResult struct {
	Order      *models.Order
	Changed    bool
	BecamePaid bool
}

// OrderStore applies payment events to orders.
type OrderStore struct {
	db *gorm.DB
}

func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

// ApplyTransferState moves the order of a transfer to the status its state
// implies. Statuses only move forward, so replays and late deliveries of
// older states leave the order untouched. A transfer not linked yet is
// attached to the order named by OrderNumber.
func (s *OrderStore) ApplyTransferState(ctx context.Context, u TransferUpdate) (*TransferResult, error) {
	if u.TransferID == "" {
		return nil, errors.New("transfer id is required")
	}
	target, known := OrderStatusForTransferState(u.State)

	result := &TransferResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.findOrLink(tx, u)
		if err != nil {
			return err
		}
		result.Order = order

		if !known || models.OrderStatusRank(target) <= models.OrderStatusRank(order.Status) {
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":         target,
			"transfer_state": strings.ToUpper(u.State),
			"updated_at":     now,
		}
		if target == models.OrderStatusPaid {
			updates["paid_at"] = now
		}
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, order.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("order %s: %w", order.OrderNumber, ErrConcurrentUpdate)
		}

		result.Changed = true
		result.BecamePaid = target == models.OrderStatusPaid
		return tx.First(order, order.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *OrderStore) findOrLink(tx *gorm.DB, u TransferUpdate) (*models.Order, error) {
	var order models.Order
	err := tx.Where("transfer_id = ?", u.TransferID).First(&order).Error
	if err == nil {
		return &order, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if u.OrderNumber == "" {
		return nil, fmt.Errorf("transfer %s: %w", u.TransferID, ErrOrderNotFound)
	}

	res := tx.Model(&models.Order{}).
		Where("order_number = ? AND transfer_id IS NULL", u.OrderNumber).
		Update("transfer_id", u.TransferID)
	if res.Error != nil {
		return nil, res.Error
	}
	if err := tx.Where("order_number = ?", u.OrderNumber).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transfer %s, order %s: %w", u.TransferID, u.OrderNumber, ErrOrderNotFound)
		}
		return nil, err
	}
	if order.TransferID == nil || *order.TransferID != u.TransferID {
		return nil, fmt.Errorf("order %s is linked to another transfer", u.OrderNumber)
	}
	return &order, nil
}

// GetByOrderNumber loads an order.
func (s *OrderStore) GetByOrderNumber(ctx context.Context, number string) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("order_number = ?", number).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}
