package event

// Notification kinds for notification.sent payloads.
const (
	KindOrderCreated   = "order_created"
	KindOrderConfirmed = "order_confirmed"
	KindOrderRejected  = "order_rejected"
	KindOrderCancelled = "order_cancelled"
)

type OrderItem struct {
	ProductID string  `json:"productId" validate:"required"`
	Quantity  int     `json:"quantity" validate:"required,gt=0"`
	UnitPrice float64 `json:"unitPrice" validate:"required,gt=0"`
}

type OrderCreatedPayload struct {
	OrderID    string      `json:"orderId" validate:"required"`
	CustomerID string      `json:"customerId" validate:"required"`
	Items      []OrderItem `json:"items" validate:"required,min=1,dive"`
	Total      float64     `json:"total" validate:"required,gt=0"`
}

type OrderCancelledPayload struct {
	OrderID string `json:"orderId" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
}

type ReserveApprovedPayload struct {
	OrderID       string `json:"orderId" validate:"required"`
	ReservationID string `json:"reservationId" validate:"required"`
}

type ReserveRejectedPayload struct {
	OrderID string `json:"orderId" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
}

type NotificationSentPayload struct {
	OrderID string `json:"orderId" validate:"required"`
	Kind    string `json:"kind" validate:"required,oneof=order_created order_confirmed order_rejected order_cancelled"`
	Channel string `json:"channel" validate:"required"`
}
