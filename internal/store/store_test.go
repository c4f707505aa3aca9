package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "checkout.db")+"?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := NewStoreWithDB(db)
	s.now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Migrate(context.Background()))

	db.MustExec(`INSERT INTO products (id, name, price, quantity) VALUES (1, 'Mug', 100, 10), (2, 'Tee', 50, 5)`)
	return s
}

func insertTestOrder(t *testing.T, s *Store, orderNo string) (*models.Order, []models.OrderLine) {
	t.Helper()

	order := &models.Order{
		OrderNo:     orderNo,
		UserID:      7,
		TotalAmount: 250,
		ItemDesc:    "cart items - user: alice (2 items)",
		TradeStatus: models.TradeStatusUnpaid,
		CreatedBy:   models.ActorSystem,
		UpdatedBy:   models.ActorSystem,
	}
	lines := []models.OrderLine{
		{OrderNo: orderNo, UserID: 7, ProductID: 1, Quantity: 2, UnitAmount: 100, TradeStatus: models.TradeStatusUnpaid},
		{OrderNo: orderNo, UserID: 7, ProductID: 2, Quantity: 1, UnitAmount: 50, TradeStatus: models.TradeStatusUnpaid},
	}

	err := s.WithTx(context.Background(), func(tx OrderTx) error {
		if err := tx.InsertOrder(context.Background(), order); err != nil {
			return err
		}
		return tx.InsertLines(context.Background(), lines)
	})
	require.NoError(t, err)
	return order, lines
}

func TestMigrate_Repeatable(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, s.Ping(context.Background()))
}

func TestWithTx_CommitsHeaderAndLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order, lines := insertTestOrder(t, s, "abc123def456ghi")
	assert.NotZero(t, order.ID)
	assert.NotZero(t, lines[0].ID)
	assert.NotEqual(t, lines[0].ID, lines[1].ID)

	got, err := s.FindByOrderNo(ctx, "abc123def456ghi")
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, int64(250), got.TotalAmount)
	assert.Equal(t, models.TradeStatusUnpaid, got.TradeStatus)
	assert.False(t, got.StockHeld)
	assert.Equal(t, models.ActorSystem, got.CreatedBy)

	gotLines, err := s.FindLines(ctx, "abc123def456ghi")
	require.NoError(t, err)
	require.Len(t, gotLines, 2)
	assert.Equal(t, int64(1), gotLines[0].ProductID)
	assert.Equal(t, 2, gotLines[0].Quantity)
	assert.Equal(t, int64(100), gotLines[0].UnitAmount)

	orders, err := s.GetOrdersByUserID(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx OrderTx) error {
		order := &models.Order{
			OrderNo:     "rolledback00000",
			UserID:      7,
			TotalAmount: 100,
			TradeStatus: models.TradeStatusUnpaid,
			CreatedBy:   models.ActorSystem,
			UpdatedBy:   models.ActorSystem,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.FindByOrderNo(ctx, "rolledback00000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTx_DuplicateOrderNo(t *testing.T) {
	s := newTestStore(t)
	insertTestOrder(t, s, "abc123def456ghi")

	err := s.WithTx(context.Background(), func(tx OrderTx) error {
		return tx.InsertOrder(context.Background(), &models.Order{
			OrderNo:   "abc123def456ghi",
			UserID:    8,
			CreatedBy: models.ActorSystem,
			UpdatedBy: models.ActorSystem,
		})
	})
	assert.Error(t, err)
}

func TestWithTx_ReconcileWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestOrder(t, s, "abc123def456ghi")

	_, err := s.AddToCart(ctx, 7, 1, 2)
	require.NoError(t, err)
	_, err = s.AddToCart(ctx, 8, 1, 1)
	require.NoError(t, err)

	payment := models.PaymentFields{
		TradeStatus: models.TradeStatusPaid,
		PaymentType: "CREDIT",
		TradeNo:     "24010112345678",
		PayTime:     "2024-01-01 10:00:00",
	}

	var cleared int64
	err = s.WithTx(ctx, func(tx OrderTx) error {
		order, err := tx.LockOrder(ctx, "abc123def456ghi")
		if err != nil {
			return err
		}
		lines, err := tx.GetLines(ctx, "abc123def456ghi")
		if err != nil {
			return err
		}

		now := time.Date(2024, 1, 1, 10, 0, 1, 0, time.UTC)
		order.ApplyPayment(payment, models.ActorReconcile, now)
		order.StockHeld = true
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		for i := range lines {
			lines[i].ApplyPayment(payment, now)
			if err := tx.AdjustQuantity(ctx, lines[i].ProductID, -lines[i].Quantity); err != nil {
				return err
			}
		}
		if err := tx.SaveLines(ctx, lines); err != nil {
			return err
		}
		cleared, err = tx.ClearCart(ctx, order.UserID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	order, err := s.FindByOrderNo(ctx, "abc123def456ghi")
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusPaid, order.TradeStatus)
	assert.True(t, order.StockHeld)
	assert.Equal(t, models.ActorReconcile, order.UpdatedBy)

	lines, err := s.FindLines(ctx, "abc123def456ghi")
	require.NoError(t, err)
	for _, l := range lines {
		assert.Equal(t, order.TradeStatus, l.TradeStatus)
		assert.Equal(t, order.TradeNo, l.TradeNo)
		assert.Equal(t, order.PayTime, l.PayTime)
	}

	p1, err := s.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 8, p1.Quantity)
	p2, err := s.GetProduct(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, p2.Quantity)

	cart7, err := s.GetLinesByUser(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, cart7)
	cart8, err := s.GetLinesByUser(ctx, 8)
	require.NoError(t, err)
	assert.Len(t, cart8, 1)
}

func TestSave_MissingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx OrderTx) error {
		return tx.SaveOrder(ctx, &models.Order{OrderNo: "nosuchorder0000"})
	})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.WithTx(ctx, func(tx OrderTx) error {
		_, err := tx.LockOrder(ctx, "nosuchorder0000")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.AdjustQuantity(ctx, 99, 1), ErrNotFound)
}

func TestAdjustQuantity_AllowsOversell(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AdjustQuantity(ctx, 2, -7))

	p, err := s.GetProduct(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, -2, p.Quantity)
}

func TestCart_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	line, err := s.AddToCart(ctx, 7, 1, 2)
	require.NoError(t, err)
	assert.NotZero(t, line.ID)
	assert.Equal(t, int64(100), line.Price)

	// the snapshot survives a price change
	s.GetDB().MustExec(`UPDATE products SET price = 120 WHERE id = 1`)

	line, err = s.AddToCart(ctx, 7, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, line.Quantity)
	assert.Equal(t, int64(100), line.Price)

	_, err = s.AddToCart(ctx, 7, 2, 1)
	require.NoError(t, err)

	lines, err := s.GetLinesByUser(ctx, 7)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, int64(350), lines[0].Subtotal()+lines[1].Subtotal())

	_, err = s.AddToCart(ctx, 7, 99, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.AddToCart(ctx, 7, 1, 0)
	assert.Error(t, err)

	require.NoError(t, s.RemoveFromCart(ctx, 7, 2))
	assert.ErrorIs(t, s.RemoveFromCart(ctx, 7, 2), ErrNotFound)

	n, err := s.ClearByUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
