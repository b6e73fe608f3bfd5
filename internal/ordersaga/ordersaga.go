// Package ordersaga declares the events exchanged by the user, product, order and
// notification services and the saga that keeps order placement consistent.
package ordersaga

import (
	"time"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	"github.com/next-trace/scg-saga-bus/saga"
)

// User service.
const (
	UserCreated bus.EventType = "UserCreated"
)

// Order service.
const (
	OrderPlaced    bus.EventType = "OrderPlaced"
	OrderCancelled bus.EventType = "OrderCancelled"
	OrderConfirmed bus.EventType = "OrderConfirmed"
	OrderFailed    bus.EventType = "OrderFailed"
)

// Product (inventory) service.
const (
	InventoryReserved          bus.EventType = "InventoryReserved"
	InventoryReservationFailed bus.EventType = "InventoryReservationFailed"
	ReleaseInventory           bus.EventType = "ReleaseInventory"
	InventoryReleased          bus.EventType = "InventoryReleased"
)

// Payment.
const (
	PaymentCharged  bus.EventType = "PaymentCharged"
	PaymentFailed   bus.EventType = "PaymentFailed"
	RefundPayment   bus.EventType = "RefundPayment"
	PaymentRefunded bus.EventType = "PaymentRefunded"
)

// Notification service.
const (
	NotificationSent bus.EventType = "NotificationSent"
	NotifyFailed     bus.EventType = "NotifyFailed"
)

// Name identifies the order placement saga.
const Name = "order-placement"

type User struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type Line struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type Order struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Lines   []Line `json:"lines"`
	// AmountCents is the order total in the smallest currency unit.
	AmountCents int64 `json:"amountCents"`
}

// Outcome is the payload of OrderConfirmed and OrderFailed.
type Outcome struct {
	Order
	Reason string `json:"reason,omitempty"`
}

// Definition returns the order placement saga: reserve inventory, charge payment,
// notify the customer. Failures compensate in reverse: refund, then release.
func Definition(timeout time.Duration) saga.Definition {
	return saga.Definition{
		Name:    Name,
		Trigger: OrderPlaced,
		Steps: []saga.Step{
			{
				Name:         "ReserveInventory",
				Succeeded:    InventoryReserved,
				Failed:       []bus.EventType{InventoryReservationFailed},
				Compensation: ReleaseInventory,
				Compensated:  InventoryReleased,
			},
			{
				Name:         "ChargePayment",
				Succeeded:    PaymentCharged,
				Failed:       []bus.EventType{PaymentFailed},
				Compensation: RefundPayment,
				Compensated:  PaymentRefunded,
			},
			{
				Name:      "Notify",
				Succeeded: NotificationSent,
				Failed:    []bus.EventType{NotifyFailed},
			},
		},
		Cancel:    OrderCancelled,
		Completed: OrderConfirmed,
		Failed:    OrderFailed,
		Timeout:   timeout,
		Payload:   payload,
	}
}

func payload(t bus.EventType, inst *saga.Instance) (any, error) {
	var o Order
	trigger := bus.Envelope{Payload: inst.Trigger}
	if err := trigger.Decode(&o); err != nil {
		return nil, err
	}

	switch t {
	case OrderConfirmed:
		return Outcome{Order: o}, nil
	case OrderFailed:
		return Outcome{Order: o, Reason: inst.Reason}, nil
	default:
		return o, nil
	}
}
