package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a looked-up row does not exist
var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewStoreWithDB(db), nil
}

// NewStoreWithDB wraps an existing connection pool
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema for the connected driver
func (s *Store) Migrate(ctx context.Context) error {
	schema, err := migrations.ReadFile(fmt.Sprintf("migrations/%s.sql", s.db.DriverName()))
	if err != nil {
		return fmt.Errorf("no schema for driver %s: %w", s.db.DriverName(), err)
	}
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// OrderTx is the unit of work for order creation and reconciliation. Every
// call made through one OrderTx commits or rolls back together.
type OrderTx interface {
	LockOrder(ctx context.Context, orderNo string) (*models.Order, error)
	GetLines(ctx context.Context, orderNo string) ([]models.OrderLine, error)
	InsertOrder(ctx context.Context, order *models.Order) error
	InsertLines(ctx context.Context, lines []models.OrderLine) error
	SaveOrder(ctx context.Context, order *models.Order) error
	SaveLines(ctx context.Context, lines []models.OrderLine) error
	AdjustQuantity(ctx context.Context, productID int64, delta int) error
	ClearCart(ctx context.Context, userID int64) (int64, error)
}

// WithTx runs fn in a single database transaction
func (s *Store) WithTx(ctx context.Context, fn func(tx OrderTx) error) error {
	ctx, span := util.StartSpan(ctx, "Store.WithTx")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, now: s.now}); err != nil {
		util.SpanError(span, err)
		return err
	}

	if err := tx.Commit(); err != nil {
		util.SpanError(span, err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx  *sqlx.Tx
	now func() time.Time
}

func (t *sqlTx) LockOrder(ctx context.Context, orderNo string) (*models.Order, error) {
	return findOrder(ctx, t.tx, orderNo, true)
}

func (t *sqlTx) GetLines(ctx context.Context, orderNo string) ([]models.OrderLine, error) {
	return findLines(ctx, t.tx, orderNo)
}

func (t *sqlTx) InsertOrder(ctx context.Context, order *models.Order) error {
	return insertOrder(ctx, t.tx, order, t.now())
}

func (t *sqlTx) InsertLines(ctx context.Context, lines []models.OrderLine) error {
	now := t.now()
	for i := range lines {
		if err := insertLine(ctx, t.tx, &lines[i], now); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) SaveOrder(ctx context.Context, order *models.Order) error {
	return saveOrder(ctx, t.tx, order)
}

func (t *sqlTx) SaveLines(ctx context.Context, lines []models.OrderLine) error {
	for i := range lines {
		if err := saveLine(ctx, t.tx, &lines[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) AdjustQuantity(ctx context.Context, productID int64, delta int) error {
	return adjustQuantity(ctx, t.tx, productID, delta, t.now())
}

func (t *sqlTx) ClearCart(ctx context.Context, userID int64) (int64, error) {
	return clearCart(ctx, t.tx, userID)
}

func rowsAffected(res interface{ RowsAffected() (int64, error) }) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}
