package models

import "time"

// Event types
const (
	EventTypeOrderCreated      = "ORDER_CREATED"
	EventTypeNotifyReceived    = "NOTIFY_RECEIVED"
	EventTypePaymentReconciled = "PAYMENT_RECONCILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	OrderNo   string    `json:"order_no"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order and its lines are committed
type OrderCreatedEvent struct {
	BaseEvent
	UserID      int64           `json:"user_id"`
	TotalAmount int64           `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// NotifyReceivedEvent records one webhook delivery and what became of it
type NotifyReceivedEvent struct {
	BaseEvent
	GatewayStatus string `json:"gateway_status"`
	MerchantID    string `json:"merchant_id"`
	Amount        int64  `json:"amount"`
	TradeNo       string `json:"trade_no,omitempty"`
	PaymentType   string `json:"payment_type,omitempty"`
	PayTime       string `json:"pay_time,omitempty"`
	PayerIP       string `json:"payer_ip,omitempty"`
	EscrowBank    string `json:"escrow_bank,omitempty"`
	PayBankCode   string `json:"pay_bank_code,omitempty"`
	PayerAccount5 string `json:"payer_account5,omitempty"`
	Outcome       string `json:"outcome"`
	Error         string `json:"error,omitempty"`
}

// PaymentReconciledEvent published after a transition is committed
type PaymentReconciledEvent struct {
	BaseEvent
	UserID      int64       `json:"user_id"`
	From        TradeStatus `json:"from"`
	To          TradeStatus `json:"to"`
	TradeNo     string      `json:"trade_no"`
	PaymentType string      `json:"payment_type"`
	PayTime     string      `json:"pay_time"`
	StockDelta  int         `json:"stock_delta"`
	CartCleared bool        `json:"cart_cleared"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID  int64 `json:"product_id"`
	Quantity   int   `json:"quantity"`
	UnitAmount int64 `json:"unit_amount"`
}
