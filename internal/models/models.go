package models

import "time"

// Product represents a product in the catalog
type Product struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	Quantity  int       `db:"quantity" json:"quantity"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Order is the header of one checkout, keyed by the gateway order number
type Order struct {
	ID          int64       `db:"id" json:"id"`
	OrderNo     string      `db:"order_no" json:"order_no"`
	UserID      int64       `db:"user_id" json:"user_id"`
	TotalAmount int64       `db:"total_amount" json:"total_amount"`
	ItemDesc    string      `db:"item_desc" json:"item_desc"`
	TradeStatus TradeStatus `db:"trade_status" json:"trade_status"`
	PaymentType string      `db:"payment_type" json:"payment_type"`
	TradeNo     string      `db:"trade_no" json:"trade_no"`
	PayTime     string      `db:"pay_time" json:"pay_time"`
	StockHeld   bool        `db:"stock_held" json:"stock_held"`
	CreatedBy   string      `db:"created_by" json:"created_by"`
	UpdatedBy   string      `db:"updated_by" json:"updated_by"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// OrderLine is one cart item frozen at checkout time
type OrderLine struct {
	ID          int64       `db:"id" json:"id"`
	OrderNo     string      `db:"order_no" json:"order_no"`
	UserID      int64       `db:"user_id" json:"user_id"`
	ProductID   int64       `db:"product_id" json:"product_id"`
	Quantity    int         `db:"quantity" json:"quantity"`
	UnitAmount  int64       `db:"unit_amount" json:"unit_amount"`
	TradeStatus TradeStatus `db:"trade_status" json:"trade_status"`
	PaymentType string      `db:"payment_type" json:"payment_type"`
	TradeNo     string      `db:"trade_no" json:"trade_no"`
	PayTime     string      `db:"pay_time" json:"pay_time"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// CartLine is a pre-checkout cart entry with a price snapshot
type CartLine struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Price     int64     `db:"price" json:"price"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Subtotal returns price * quantity for the line
func (c CartLine) Subtotal() int64 {
	return c.Price * int64(c.Quantity)
}

// Audit actors written to created_by / updated_by
const (
	ActorSystem    = "SYSTEM"
	ActorReconcile = "GATEWAY"
)

// PaymentFields are the gateway-owned fields mirrored onto header and lines
type PaymentFields struct {
	TradeStatus TradeStatus
	PaymentType string
	TradeNo     string
	PayTime     string
}

// Payment returns the gateway-owned fields of the order
func (o *Order) Payment() PaymentFields {
	return PaymentFields{
		TradeStatus: o.TradeStatus,
		PaymentType: o.PaymentType,
		TradeNo:     o.TradeNo,
		PayTime:     o.PayTime,
	}
}

// ApplyPayment copies the gateway-owned fields onto the order
func (o *Order) ApplyPayment(p PaymentFields, actor string, now time.Time) {
	o.TradeStatus = p.TradeStatus
	o.PaymentType = p.PaymentType
	o.TradeNo = p.TradeNo
	o.PayTime = p.PayTime
	o.UpdatedBy = actor
	o.UpdatedAt = now
}

// ApplyPayment copies the gateway-owned fields onto the line
func (l *OrderLine) ApplyPayment(p PaymentFields, now time.Time) {
	l.TradeStatus = p.TradeStatus
	l.PaymentType = p.PaymentType
	l.TradeNo = p.TradeNo
	l.PayTime = p.PayTime
	l.UpdatedAt = now
}
