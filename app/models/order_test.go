package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusRank(t *testing.T) {
	assert.Less(t, OrderStatusRank(OrderStatusAwaitingPayment), OrderStatusRank(OrderStatusPaymentPending))
	assert.Less(t, OrderStatusRank(OrderStatusPaymentPending), OrderStatusRank(OrderStatusPaymentFailed))
	assert.Less(t, OrderStatusRank(OrderStatusPaymentFailed), OrderStatusRank(OrderStatusPaymentCanceled))
	assert.Less(t, OrderStatusRank(OrderStatusPaymentCanceled), OrderStatusRank(OrderStatusPaid))
	assert.Equal(t, -1, OrderStatusRank("bogus"))
}

func TestRawEventTable(t *testing.T) {
	assert.Equal(t, "payment_webhook_events", RawEventTable(ProviderPayment))
	assert.Equal(t, "chat_webhook_events", RawEventTable(ProviderChat))
	assert.Equal(t, RawEventTable(ProviderPayment), PaymentWebhookEvent{}.TableName())
	assert.Equal(t, RawEventTable(ProviderChat), ChatWebhookEvent{}.TableName())
	assert.True(t, IsKnownProvider(ProviderChat))
	assert.False(t, IsKnownProvider("patreon"))
}
