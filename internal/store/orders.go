package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, order_no, user_id, total_amount, item_desc, trade_status, payment_type,
	trade_no, pay_time, stock_held, created_by, updated_by, created_at, updated_at`

const lineColumns = `id, order_no, user_id, product_id, quantity, unit_amount, trade_status,
	payment_type, trade_no, pay_time, created_at, updated_at`

// FindByOrderNo retrieves an order header by order number
func (s *Store) FindByOrderNo(ctx context.Context, orderNo string) (*models.Order, error) {
	return findOrder(ctx, s.db, orderNo, false)
}

// FindLines retrieves every line of an order
func (s *Store) FindLines(ctx context.Context, orderNo string) ([]models.OrderLine, error) {
	return findLines(ctx, s.db, orderNo)
}

// GetOrdersByUserID retrieves orders for a user, newest first
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := sqlx.SelectContext(ctx, s.db, &orders,
		s.db.Rebind("SELECT "+orderColumns+" FROM orders WHERE user_id = ? ORDER BY created_at DESC"), userID)
	return orders, err
}

func findOrder(ctx context.Context, q sqlx.ExtContext, orderNo string, forUpdate bool) (*models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE order_no = ?"
	if forUpdate && q.DriverName() == "postgres" {
		query += " FOR UPDATE"
	}

	var order models.Order
	err := sqlx.GetContext(ctx, q, &order, q.Rebind(query), orderNo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderNo, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderNo, err)
	}
	return &order, nil
}

func findLines(ctx context.Context, q sqlx.ExtContext, orderNo string) ([]models.OrderLine, error) {
	var lines []models.OrderLine
	err := sqlx.SelectContext(ctx, q, &lines,
		q.Rebind("SELECT "+lineColumns+" FROM order_lines WHERE order_no = ? ORDER BY id"), orderNo)
	if err != nil {
		return nil, fmt.Errorf("failed to load lines for order %s: %w", orderNo, err)
	}
	return lines, nil
}

func insertOrder(ctx context.Context, q sqlx.ExtContext, order *models.Order, now time.Time) error {
	order.CreatedAt = now
	order.UpdatedAt = now

	query := `
		INSERT INTO orders (order_no, user_id, total_amount, item_desc, trade_status, payment_type,
			trade_no, pay_time, stock_held, created_by, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	err := q.QueryRowxContext(ctx, q.Rebind(query),
		order.OrderNo, order.UserID, order.TotalAmount, order.ItemDesc, order.TradeStatus,
		order.PaymentType, order.TradeNo, order.PayTime, order.StockHeld,
		order.CreatedBy, order.UpdatedBy, order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", order.OrderNo, err)
	}
	return nil
}

func insertLine(ctx context.Context, q sqlx.ExtContext, line *models.OrderLine, now time.Time) error {
	line.CreatedAt = now
	line.UpdatedAt = now

	query := `
		INSERT INTO order_lines (order_no, user_id, product_id, quantity, unit_amount, trade_status,
			payment_type, trade_no, pay_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	err := q.QueryRowxContext(ctx, q.Rebind(query),
		line.OrderNo, line.UserID, line.ProductID, line.Quantity, line.UnitAmount, line.TradeStatus,
		line.PaymentType, line.TradeNo, line.PayTime, line.CreatedAt, line.UpdatedAt,
	).Scan(&line.ID)
	if err != nil {
		return fmt.Errorf("failed to insert line for order %s: %w", line.OrderNo, err)
	}
	return nil
}

// saveOrder writes the mutable header fields. Order number and amount are
// never updated.
func saveOrder(ctx context.Context, q sqlx.ExtContext, order *models.Order) error {
	query := `
		UPDATE orders
		SET trade_status = ?, payment_type = ?, trade_no = ?, pay_time = ?, stock_held = ?,
			updated_by = ?, updated_at = ?
		WHERE order_no = ?`

	res, err := q.ExecContext(ctx, q.Rebind(query),
		order.TradeStatus, order.PaymentType, order.TradeNo, order.PayTime, order.StockHeld,
		order.UpdatedBy, order.UpdatedAt, order.OrderNo)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", order.OrderNo, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", order.OrderNo, ErrNotFound)
	}
	return nil
}

func saveLine(ctx context.Context, q sqlx.ExtContext, line *models.OrderLine) error {
	query := `
		UPDATE order_lines
		SET trade_status = ?, payment_type = ?, trade_no = ?, pay_time = ?, updated_at = ?
		WHERE id = ? AND order_no = ?`

	res, err := q.ExecContext(ctx, q.Rebind(query),
		line.TradeStatus, line.PaymentType, line.TradeNo, line.PayTime, line.UpdatedAt,
		line.ID, line.OrderNo)
	if err != nil {
		return fmt.Errorf("failed to save line %d: %w", line.ID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order line %d: %w", line.ID, ErrNotFound)
	}
	return nil
}
