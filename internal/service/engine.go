package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderStore persists orders and runs the reconcile transaction
type OrderStore interface {
	WithTx(ctx context.Context, fn func(tx store.OrderTx) error) error
	FindByOrderNo(ctx context.Context, orderNo string) (*models.Order, error)
	FindLines(ctx context.Context, orderNo string) ([]models.OrderLine, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
}

// CartStore reads the pre-checkout cart
type CartStore interface {
	GetLinesByUser(ctx context.Context, userID int64) ([]models.CartLine, error)
}

// Gateway is the subset of the payment gateway client the engine drives
type Gateway interface {
	MerchantID() string
	Pay(req gateway.PayRequest) (*gateway.PayForm, error)
	DecodeNotify(p gateway.NotifyPayload) (*gateway.Notification, error)
	QueryTradeInfo(ctx context.Context, orderNo string, amount int64) (*gateway.QueryResult, error)
	CloseTrade(ctx context.Context, orderNo string, amount int64, closeType gateway.CloseType) (*gateway.CloseResult, error)
}

// EventPublisher emits lifecycle events after their transaction commits
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishNotifyReceived(ctx context.Context, event *models.NotifyReceivedEvent) error
	PublishPaymentReconciled(ctx context.Context, event *models.PaymentReconciledEvent) error
}

// IdempotencyStore remembers checkout responses by client key
type IdempotencyStore interface {
	ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetIdempotencyKey(ctx context.Context, key string) ([]byte, bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
}

// EngineDeps wires the engine. Publisher and Idempotency are optional.
type EngineDeps struct {
	Orders         OrderStore
	Carts          CartStore
	Gateway        Gateway
	Locker         Locker
	Publisher      EventPublisher
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
	// PendingTTL bounds how long an unfinished checkout holds its key
	PendingTTL time.Duration
}

// ReconciliationEngine creates orders and keeps them in step with the gateway
type ReconciliationEngine struct {
	orders         OrderStore
	carts          CartStore
	gateway        Gateway
	locker         Locker
	publisher      EventPublisher
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	pendingTTL     time.Duration
	logger         *zap.Logger
	now            func() time.Time
	newOrderNo     func() (string, error)
}

// NewReconciliationEngine creates a new engine
func NewReconciliationEngine(deps EngineDeps) *ReconciliationEngine {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	ttl := deps.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	pendingTTL := deps.PendingTTL
	if pendingTTL <= 0 || pendingTTL > ttl {
		pendingTTL = time.Minute
	}
	return &ReconciliationEngine{
		orders:         deps.Orders,
		carts:          deps.Carts,
		gateway:        deps.Gateway,
		locker:         deps.Locker,
		publisher:      publisher,
		idempotency:    deps.Idempotency,
		idempotencyTTL: ttl,
		pendingTTL:     pendingTTL,
		logger:         util.GetLogger(),
		now:            time.Now,
		newOrderNo:     NewOrderNo,
	}
}

// CreateOrderInput carries a cart snapshot to persist as an order
type CreateOrderInput struct {
	UserID      int64
	UserName    string
	Lines       []models.CartLine
	TotalAmount int64
	ItemDesc    string
}

// CreateOrder validates the cart and persists header and lines atomically
func (e *ReconciliationEngine) CreateOrder(ctx context.Context, in CreateOrderInput) (string, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationEngine.CreateOrder")
	defer span.End()

	order, err := e.createOrder(ctx, in, nil)
	if err != nil {
		util.SpanError(span, err)
		return "", err
	}
	return order.OrderNo, nil
}

// createOrder runs beforeCommit inside the order transaction so a failure
// there leaves nothing behind
func (e *ReconciliationEngine) createOrder(ctx context.Context, in CreateOrderInput, beforeCommit func(*models.Order) error) (*models.Order, error) {
	if err := validateCart(in.UserID, in.Lines, in.TotalAmount); err != nil {
		util.CheckoutRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	orderNo, err := e.newOrderNo()
	if err != nil {
		return nil, fmt.Errorf("failed to generate order number: %w", err)
	}

	itemDesc := in.ItemDesc
	if itemDesc == "" {
		itemDesc = describeItems(in.UserName, len(in.Lines))
	}

	order := &models.Order{
		OrderNo:     orderNo,
		UserID:      in.UserID,
		TotalAmount: in.TotalAmount,
		ItemDesc:    itemDesc,
		TradeStatus: models.TradeStatusUnpaid,
		CreatedBy:   models.ActorSystem,
		UpdatedBy:   models.ActorSystem,
	}

	lines := make([]models.OrderLine, 0, len(in.Lines))
	for _, cl := range in.Lines {
		lines = append(lines, models.OrderLine{
			OrderNo:     orderNo,
			UserID:      in.UserID,
			ProductID:   cl.ProductID,
			Quantity:    cl.Quantity,
			UnitAmount:  cl.Price,
			TradeStatus: models.TradeStatusUnpaid,
		})
	}

	err = e.orders.WithTx(ctx, func(tx store.OrderTx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, lines); err != nil {
			return err
		}
		if beforeCommit != nil {
			return beforeCommit(order)
		}
		return nil
	})
	if err != nil {
		util.CheckoutRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	e.logger.Info("Order created",
		zap.String("order_no", order.OrderNo),
		zap.Int64("user_id", order.UserID),
		zap.Int64("total_amount", order.TotalAmount),
		zap.Int("lines", len(lines)))

	e.publishOrderCreated(ctx, order, lines)
	return order, nil
}

// CheckoutInput is a checkout request for the user's current cart
type CheckoutInput struct {
	UserID         int64
	UserName       string
	TotalAmount    int64
	IdempotencyKey string
}

// CheckoutResult is the order number plus the form to post to the gateway
type CheckoutResult struct {
	OrderNo     string           `json:"order_no"`
	TotalAmount int64            `json:"total_amount"`
	PayForm     *gateway.PayForm `json:"pay_form"`
}

// Checkout turns the cart into an order and builds its payment form. The
// order is only committed when the form could be built.
func (e *ReconciliationEngine) Checkout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationEngine.Checkout")
	defer span.End()

	if in.IdempotencyKey == "" || e.idempotency == nil {
		res, err := e.checkout(ctx, in)
		util.SpanError(span, err)
		return res, err
	}

	key := fmt.Sprintf("checkout:%d:%s", in.UserID, in.IdempotencyKey)
	reserved, err := e.idempotency.ReserveIdempotencyKey(ctx, key, e.pendingTTL)
	if err != nil {
		e.logger.Warn("Idempotency store unavailable, checking out without it",
			zap.Int64("user_id", in.UserID), zap.Error(err))
		return e.checkout(ctx, in)
	}

	if !reserved {
		if res, ok, err := e.replayCheckout(ctx, key); err != nil || ok {
			return res, err
		}
		if reserved, err = e.idempotency.ReserveIdempotencyKey(ctx, key, e.pendingTTL); err != nil || !reserved {
			return nil, ErrCheckoutInProgress
		}
	}

	res, err := e.checkout(ctx, in)
	if err != nil {
		util.SpanError(span, err)
		if delErr := e.idempotency.DeleteIdempotencyKey(ctx, key); delErr != nil {
			e.logger.Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(delErr))
		}
		return nil, err
	}

	data, err := json.Marshal(res)
	if err == nil {
		err = e.idempotency.SetIdempotencyKey(ctx, key, data, e.idempotencyTTL)
	}
	if err != nil {
		e.logger.Warn("Failed to store checkout response", zap.String("key", key), zap.Error(err))
	}
	return res, nil
}

// replayCheckout returns the stored response for key. ok is false when the
// key vanished between reserve and read.
func (e *ReconciliationEngine) replayCheckout(ctx context.Context, key string) (*CheckoutResult, bool, error) {
	data, found, err := e.idempotency.GetIdempotencyKey(ctx, key)
	if errors.Is(err, redisclient.ErrIdempotencyPending) {
		return nil, false, ErrCheckoutInProgress
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	var res CheckoutResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, fmt.Errorf("failed to decode stored checkout: %w", err)
	}
	e.logger.Info("Duplicate checkout request detected",
		zap.String("key", key), zap.String("order_no", res.OrderNo))
	return &res, true, nil
}

func (e *ReconciliationEngine) checkout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	lines, err := e.carts.GetLinesByUser(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}

	var form *gateway.PayForm
	order, err := e.createOrder(ctx, CreateOrderInput{
		UserID:      in.UserID,
		UserName:    in.UserName,
		Lines:       lines,
		TotalAmount: in.TotalAmount,
	}, func(o *models.Order) error {
		f, err := e.gateway.Pay(gateway.PayRequest{
			OrderNo:  o.OrderNo,
			Amount:   o.TotalAmount,
			ItemDesc: o.ItemDesc,
		})
		if err != nil {
			return err
		}
		form = f
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &CheckoutResult{
		OrderNo:     order.OrderNo,
		TotalAmount: order.TotalAmount,
		PayForm:     form,
	}, nil
}

// GetOrder returns an order with its lines
func (e *ReconciliationEngine) GetOrder(ctx context.Context, orderNo string) (*models.Order, []models.OrderLine, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationEngine.GetOrder")
	defer span.End()

	order, err := e.findOrder(ctx, orderNo)
	if err != nil {
		return nil, nil, err
	}
	lines, err := e.orders.FindLines(ctx, orderNo)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load order lines: %w", err)
	}
	return order, lines, nil
}

// ListOrders returns the user's orders, newest first
func (e *ReconciliationEngine) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationEngine.ListOrders")
	defer span.End()

	orders, err := e.orders.GetOrdersByUserID(ctx, userID)
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

func (e *ReconciliationEngine) findOrder(ctx context.Context, orderNo string) (*models.Order, error) {
	order, err := e.orders.FindByOrderNo(ctx, orderNo)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &OrderNotFoundError{OrderNo: orderNo}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return order, nil
}

func validateCart(userID int64, lines []models.CartLine, declared int64) error {
	if len(lines) == 0 {
		return &EmptyCartError{UserID: userID}
	}

	var computed int64
	for _, l := range lines {
		invalid := &InvalidCartLineError{ProductID: l.ProductID, Quantity: l.Quantity, Price: l.Price}
		if l.Quantity <= 0 || l.Price < 0 {
			return invalid
		}
		// price*qty and the running total must both fit in int64
		if l.Price > 0 && int64(l.Quantity) > (math.MaxInt64-computed)/l.Price {
			return invalid
		}
		computed += l.Subtotal()
	}

	if computed != declared {
		return &AmountMismatchError{Declared: declared, Computed: computed}
	}
	return nil
}

func describeItems(userName string, count int) string {
	return fmt.Sprintf("cart items - user: %s (%d items)", userName, count)
}

func rejectReason(err error) string {
	var (
		empty    *EmptyCartError
		invalid  *InvalidCartLineError
		mismatch *AmountMismatchError
	)
	switch {
	case errors.As(err, &empty):
		return "empty_cart"
	case errors.As(err, &invalid):
		return "invalid_line"
	case errors.As(err, &mismatch):
		return "amount_mismatch"
	case gateway.IsCodecError(err):
		return "codec"
	}
	return "db_error"
}

func (e *ReconciliationEngine) publishOrderCreated(ctx context.Context, order *models.Order, lines []models.OrderLine) {
	items := make([]models.OrderItemData, 0, len(lines))
	for _, l := range lines {
		items = append(items, models.OrderItemData{
			ProductID:  l.ProductID,
			Quantity:   l.Quantity,
			UnitAmount: l.UnitAmount,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:   e.newBaseEvent(models.EventTypeOrderCreated, order.OrderNo),
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       items,
	}
	if err := e.publisher.PublishOrderCreated(ctx, event); err != nil {
		e.logger.Warn("Failed to publish order created event",
			zap.String("order_no", order.OrderNo), zap.Error(err))
	}
}

func (e *ReconciliationEngine) newBaseEvent(eventType, orderNo string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		OrderNo:   orderNo,
		Timestamp: e.now(),
	}
}

type nopPublisher struct{}

func (nopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error {
	return nil
}

func (nopPublisher) PublishNotifyReceived(context.Context, *models.NotifyReceivedEvent) error {
	return nil
}

func (nopPublisher) PublishPaymentReconciled(context.Context, *models.PaymentReconciledEvent) error {
	return nil
}
