package models

import "time"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderConfirmed      OrderStatus = "confirmed"
	OrderPreparing      OrderStatus = "preparing"
	OrderReadyForPickup OrderStatus = "ready_for_pickup"
	OrderPickedUp       OrderStatus = "picked_up"
	OrderDelivering     OrderStatus = "delivering"
	OrderDelivered      OrderStatus = "delivered"
	OrderCancelled      OrderStatus = "cancelled"
)

// OrderItem is a single line of an order.
type OrderItem struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Order is a customer order shared by customer, partner and driver.
type Order struct {
	ID                   string      `json:"id"`
	CustomerID           string      `json:"customer_id"`
	PartnerID            string      `json:"partner_id"`
	DriverID             string      `json:"driver_id,omitempty"`
	Status               OrderStatus `json:"status"`
	Items                []OrderItem `json:"items,omitempty"`
	SubtotalCents        int64       `json:"subtotal_cents"`
	FeesCents            int64       `json:"fees_cents"`
	TaxCents             int64       `json:"tax_cents"`
	TipCents             int64       `json:"tip_cents"`
	TotalCents           int64       `json:"total_cents"`
	DeliveryInstructions string      `json:"delivery_instructions,omitempty"`
	Version              int64       `json:"version"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

func (o Order) EntityID() string { return o.ID }
func (o Order) EntityType() EntityType { return EntityOrder }
func (o Order) ModifiedAt() time.Time { return o.UpdatedAt }
func (o Order) VersionMarker() int64 { return o.Version }

// Clone returns a copy that shares no slices with o.
func (o Order) Clone() Order {
	if o.Items != nil {
		items := make([]OrderItem, len(o.Items))
		copy(items, o.Items)
		o.Items = items
	}
	return o
}

// RecomputeTotal returns a copy whose total is subtotal + fees + tax + tip.
func (o Order) RecomputeTotal() Order {
	o = o.Clone()
	o.TotalCents = o.SubtotalCents + o.FeesCents + o.TaxCents + o.TipCents
	return o
}

// WithStatus returns a copy in the given status, bumping version and timestamp.
func (o Order) WithStatus(status OrderStatus, at time.Time) Order {
	o = o.Clone()
	o.Status = status
	o.Version++
	o.UpdatedAt = at
	return o
}

// IsTerminal reports whether the order can no longer change status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}
