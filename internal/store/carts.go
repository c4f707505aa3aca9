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

const cartColumns = `id, user_id, product_id, quantity, price, created_at, updated_at`

// GetLinesByUser retrieves the user's cart
func (s *Store) GetLinesByUser(ctx context.Context, userID int64) ([]models.CartLine, error) {
	var lines []models.CartLine
	err := sqlx.SelectContext(ctx, s.db, &lines,
		s.db.Rebind("SELECT "+cartColumns+" FROM cart_lines WHERE user_id = ? ORDER BY id"), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart for user %d: %w", userID, err)
	}
	return lines, nil
}

// ClearByUser removes every cart line of the user
func (s *Store) ClearByUser(ctx context.Context, userID int64) (int64, error) {
	return clearCart(ctx, s.db, userID)
}

// AddToCart adds quantity of a product to the user's cart, incrementing an
// existing line. The price is snapshotted from the product on first add.
func (s *Store) AddToCart(ctx context.Context, userID, productID int64, quantity int) (*models.CartLine, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	product, err := getProduct(ctx, tx, productID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var line models.CartLine
	err = sqlx.GetContext(ctx, tx, &line,
		tx.Rebind("SELECT "+cartColumns+" FROM cart_lines WHERE user_id = ? AND product_id = ?"), userID, productID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		line = models.CartLine{
			UserID:    userID,
			ProductID: productID,
			Quantity:  quantity,
			Price:     product.Price,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = tx.QueryRowxContext(ctx, tx.Rebind(`
			INSERT INTO cart_lines (user_id, product_id, quantity, price, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id`),
			line.UserID, line.ProductID, line.Quantity, line.Price, line.CreatedAt, line.UpdatedAt,
		).Scan(&line.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert cart line: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load cart line: %w", err)
	default:
		line.Quantity += quantity
		line.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			tx.Rebind("UPDATE cart_lines SET quantity = ?, updated_at = ? WHERE id = ?"),
			line.Quantity, line.UpdatedAt, line.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update cart line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &line, nil
}

// RemoveFromCart deletes one product from the user's cart
func (s *Store) RemoveFromCart(ctx context.Context, userID, productID int64) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM cart_lines WHERE user_id = ? AND product_id = ?"), userID, productID)
	if err != nil {
		return fmt.Errorf("failed to remove cart line: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("cart line for product %d: %w", productID, ErrNotFound)
	}
	return nil
}

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return getProduct(ctx, s.db, id)
}

// AdjustQuantity moves a product's stock by delta. Negative results are
// allowed: a paid order is never refused for stock.
func (s *Store) AdjustQuantity(ctx context.Context, productID int64, delta int) error {
	return adjustQuantity(ctx, s.db, productID, delta, s.now())
}

func getProduct(ctx context.Context, q sqlx.ExtContext, id int64) (*models.Product, error) {
	var product models.Product
	err := sqlx.GetContext(ctx, q, &product,
		q.Rebind("SELECT id, name, price, quantity, updated_at FROM products WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product %d: %w", id, err)
	}
	return &product, nil
}

func adjustQuantity(ctx context.Context, q sqlx.ExtContext, productID int64, delta int, now time.Time) error {
	res, err := q.ExecContext(ctx,
		q.Rebind("UPDATE products SET quantity = quantity + ?, updated_at = ? WHERE id = ?"),
		delta, now, productID)
	if err != nil {
		return fmt.Errorf("failed to adjust product %d: %w", productID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	return nil
}

func clearCart(ctx context.Context, q sqlx.ExtContext, userID int64) (int64, error) {
	res, err := q.ExecContext(ctx, q.Rebind("DELETE FROM cart_lines WHERE user_id = ?"), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cart for user %d: %w", userID, err)
	}
	return rowsAffected(res)
}
