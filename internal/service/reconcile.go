package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Reconcile outcomes
const (
	OutcomeTransition = "transition"
	OutcomeRefresh    = "refresh"
	OutcomeUnchanged  = "unchanged"
	OutcomeTerminal   = "terminal"
	OutcomeIllegal    = "illegal_transition"
)

// ReconcileOutcome describes what one reconcile did to an order
type ReconcileOutcome struct {
	OrderNo     string             `json:"order_no"`
	From        models.TradeStatus `json:"from"`
	To          models.TradeStatus `json:"to"`
	Applied     bool               `json:"applied"`
	Reason      string             `json:"reason"`
	StockDelta  int                `json:"stock_delta"`
	CartCleared bool               `json:"cart_cleared"`
}

// HandleNotify authenticates a webhook delivery, re-queries the gateway for
// the authoritative status and reconciles the order. The notify body itself
// never drives a state change.
func (e *ReconciliationEngine) HandleNotify(ctx context.Context, p gateway.NotifyPayload) (*ReconcileOutcome, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationEngine.HandleNotify")
	defer span.End()

	event := &models.NotifyReceivedEvent{
		GatewayStatus: p.Status,
		MerchantID:    p.MerchantID,
	}

	outcome, err := e.handleNotify(ctx, p, event)

	label := notifyLabel(outcome, err)
	util.NotifyReceivedTotal.WithLabelValues(label).Inc()
	event.BaseEvent = e.newBaseEvent(models.EventTypeNotifyReceived, event.OrderNo)
	event.Outcome = label
	if err != nil {
		util.SpanError(span, err)
		event.Error = err.Error()
		e.logger.Warn("Notify not reconciled",
			zap.String("order_no", event.OrderNo),
			zap.Bool("retryable", Retryable(err)),
			zap.Error(err))
	}

	if pubErr := e.publisher.PublishNotifyReceived(ctx, event); pubErr != nil {
		e.logger.Warn("Failed to publish notify received event",
			zap.String("order_no", event.OrderNo), zap.Error(pubErr))
	}
	return outcome, err
}

func (e *ReconciliationEngine) handleNotify(ctx context.Context, p gateway.NotifyPayload, event *models.NotifyReceivedEvent) (*ReconcileOutcome, error) {
	n, err := e.gateway.DecodeNotify(p)
	if err != nil {
		if errors.Is(err, ErrNotifySignature) || gateway.IsCodecError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotify, err)
	}

	r := n.Result
	event.OrderNo = r.MerchantOrderNo
	event.Amount = n.Amount()
	event.TradeNo = r.TradeNo
	event.PaymentType = r.PaymentType
	event.PayTime = r.PayTime
	event.PayerIP = r.IP
	event.EscrowBank = r.EscrowBank
	event.PayBankCode = r.PayBankCode
	event.PayerAccount5 = r.PayerAccount5Code

	if r.MerchantID != "" && r.MerchantID != e.gateway.MerchantID() {
		return nil, fmt.Errorf("%w: notify for %s", ErrMerchantMismatch, r.MerchantID)
	}

	order, err := e.findOrder(ctx, r.MerchantOrderNo)
	if err != nil {
		return nil, err
	}
	if n.Amount() != order.TotalAmount {
		e.logger.Warn("Notify amount differs from order, querying with stored amount",
			zap.String("order_no", order.OrderNo),
			zap.Int64("notify_amount", n.Amount()),
			zap.Int64("order_amount", order.TotalAmount))
	}

	result, err := e.gateway.QueryTradeInfo(ctx, order.OrderNo, order.TotalAmount)
	if err != nil {
		return nil, err
	}
	return e.Reconcile(ctx, result)
}

// Reconcile applies an authoritative query result to the order, its lines,
// inventory and cart in one transaction under the per-order lock
func (e *ReconciliationEngine) Reconcile(ctx context.Context, result *gateway.QueryResult) (*ReconcileOutcome, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationEngine.Reconcile")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.Observe(time.Since(start).Seconds())
	}()

	orderNo := result.MerchantOrderNo
	if result.MerchantID != "" && result.MerchantID != e.gateway.MerchantID() {
		return nil, fmt.Errorf("%w: query result for %s", ErrMerchantMismatch, result.MerchantID)
	}

	payment := models.PaymentFields{
		TradeStatus: models.TradeStatus(result.Status()),
		PaymentType: result.PaymentType,
		TradeNo:     result.TradeNo,
		PayTime:     result.PayTime,
	}
	if !payment.TradeStatus.Known() {
		err := &UnknownTradeStatusError{OrderNo: orderNo, Status: payment.TradeStatus}
		util.SpanError(span, err)
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, orderNo)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	defer unlock()

	var (
		outcome *ReconcileOutcome
		userID  int64
	)
	err = e.orders.WithTx(ctx, func(tx store.OrderTx) error {
		order, err := tx.LockOrder(ctx, orderNo)
		if errors.Is(err, store.ErrNotFound) {
			return &OrderNotFoundError{OrderNo: orderNo}
		}
		if err != nil {
			return err
		}
		if result.Amount() != order.TotalAmount {
			return &AmountMismatchError{OrderNo: orderNo, Declared: order.TotalAmount, Computed: result.Amount()}
		}

		lines, err := tx.GetLines(ctx, orderNo)
		if err != nil {
			return err
		}

		userID = order.UserID
		outcome, err = e.apply(ctx, tx, order, lines, payment)
		return err
	})
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}

	if !outcome.Applied {
		util.ReconcileNoopTotal.WithLabelValues(outcome.Reason).Inc()
		e.logger.Info("Reconcile left order unchanged",
			zap.String("order_no", orderNo),
			zap.String("status", outcome.From.Name()),
			zap.String("gateway_status", outcome.To.Name()),
			zap.String("reason", outcome.Reason))
		return outcome, nil
	}

	util.ReconcileTransitionsTotal.WithLabelValues(outcome.From.Name(), outcome.To.Name()).Inc()
	e.logger.Info("Order reconciled",
		zap.String("order_no", orderNo),
		zap.String("from", outcome.From.Name()),
		zap.String("to", outcome.To.Name()),
		zap.String("reason", outcome.Reason),
		zap.Int("stock_delta", outcome.StockDelta),
		zap.Bool("cart_cleared", outcome.CartCleared))

	event := &models.PaymentReconciledEvent{
		BaseEvent:   e.newBaseEvent(models.EventTypePaymentReconciled, orderNo),
		UserID:      userID,
		From:        outcome.From,
		To:          outcome.To,
		TradeNo:     payment.TradeNo,
		PaymentType: payment.PaymentType,
		PayTime:     payment.PayTime,
		StockDelta:  outcome.StockDelta,
		CartCleared: outcome.CartCleared,
	}
	if err := e.publisher.PublishPaymentReconciled(ctx, event); err != nil {
		e.logger.Warn("Failed to publish payment reconciled event",
			zap.String("order_no", orderNo), zap.Error(err))
	}
	return outcome, nil
}

// apply runs inside the reconcile transaction with the order row locked
func (e *ReconciliationEngine) apply(ctx context.Context, tx store.OrderTx, order *models.Order, lines []models.OrderLine, p models.PaymentFields) (*ReconcileOutcome, error) {
	out := &ReconcileOutcome{
		OrderNo: order.OrderNo,
		From:    order.TradeStatus,
		To:      p.TradeStatus,
	}

	switch {
	case order.TradeStatus.Terminal():
		out.Reason = OutcomeTerminal
		return out, nil
	case order.TradeStatus == p.TradeStatus:
		if order.Payment() == p {
			out.Reason = OutcomeUnchanged
			return out, e.clearCart(ctx, tx, order, out)
		}
		out.Reason = OutcomeRefresh
	case !models.CanTransition(order.TradeStatus, p.TradeStatus):
		out.Reason = OutcomeIllegal
		return out, nil
	default:
		out.Reason = OutcomeTransition
	}

	now := e.now()
	direction := stockDirection(order.StockHeld, p.TradeStatus)

	order.ApplyPayment(p, models.ActorReconcile, now)
	if direction < 0 {
		order.StockHeld = true
	} else if direction > 0 {
		order.StockHeld = false
	}
	if err := tx.SaveOrder(ctx, order); err != nil {
		return nil, err
	}

	for i := range lines {
		lines[i].ApplyPayment(p, now)
	}
	if err := tx.SaveLines(ctx, lines); err != nil {
		return nil, err
	}

	if direction != 0 {
		for _, l := range lines {
			delta := direction * l.Quantity
			if err := tx.AdjustQuantity(ctx, l.ProductID, delta); err != nil {
				return nil, err
			}
			out.StockDelta += delta
		}
		label := "in"
		units := out.StockDelta
		if direction < 0 {
			label = "out"
			units = -units
		}
		util.InventoryAdjustmentsTotal.WithLabelValues(label).Add(float64(units))
	}

	if p.TradeStatus.ClearsCart() {
		if _, err := tx.ClearCart(ctx, order.UserID); err != nil {
			return nil, err
		}
		out.CartCleared = true
	}

	out.Applied = true
	return out, nil
}

// clearCart empties the cart for an unchanged order whose status still ends
// the checkout cycle. CartCleared is set only when lines were removed.
func (e *ReconciliationEngine) clearCart(ctx context.Context, tx store.OrderTx, order *models.Order, out *ReconcileOutcome) error {
	if !out.To.ClearsCart() {
		return nil
	}
	n, err := tx.ClearCart(ctx, order.UserID)
	if err != nil {
		return err
	}
	out.CartCleared = n > 0
	return nil
}

// stockDirection is -1 when entering to takes stock out, +1 when it gives
// held stock back and 0 otherwise
func stockDirection(held bool, to models.TradeStatus) int {
	switch {
	case to.HoldsStock() && !held:
		return -1
	case to.ReleasesStock() && held:
		return 1
	}
	return 0
}

// Resync re-queries the gateway for an order and reconciles it
func (e *ReconciliationEngine) Resync(ctx context.Context, orderNo string) (*ReconcileOutcome, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationEngine.Resync")
	defer span.End()

	order, err := e.findOrder(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	result, err := e.gateway.QueryTradeInfo(ctx, order.OrderNo, order.TotalAmount)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	return e.Reconcile(ctx, result)
}

// QueryTradeInfo asks the gateway about an order without touching local state
func (e *ReconciliationEngine) QueryTradeInfo(ctx context.Context, orderNo string) (*gateway.QueryResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationEngine.QueryTradeInfo")
	defer span.End()

	order, err := e.findOrder(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	return e.gateway.QueryTradeInfo(ctx, order.OrderNo, order.TotalAmount)
}

// CloseTrade requests capture or refund of a paid credit-card trade. Local
// status is left to the next reconcile.
func (e *ReconciliationEngine) CloseTrade(ctx context.Context, orderNo string, closeType gateway.CloseType) (*gateway.CloseResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationEngine.CloseTrade")
	defer span.End()

	order, err := e.findOrder(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order.TradeStatus != models.TradeStatusPaid {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPaid, orderNo, order.TradeStatus.Name())
	}

	res, err := e.gateway.CloseTrade(ctx, order.OrderNo, order.TotalAmount, closeType)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	e.logger.Info("Trade close requested",
		zap.String("order_no", orderNo),
		zap.Int("close_type", int(closeType)),
		zap.String("trade_no", res.TradeNo))
	return res, nil
}

func notifyLabel(outcome *ReconcileOutcome, err error) string {
	switch {
	case err == nil && outcome != nil && outcome.Applied:
		return "applied"
	case err == nil:
		return "noop"
	case errors.Is(err, ErrNotifySignature), gateway.IsCodecError(err), errors.Is(err, ErrMerchantMismatch):
		return "rejected"
	case Retryable(err):
		return "retry"
	}
	return "anomaly"
}
