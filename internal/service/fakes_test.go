package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"checkout-service/config"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testKey      = "12345678901234567890123456789012"
	testIV       = "1234567890123456"
	testMerchant = "MS123"
	testUserID   = int64(7)
)

// memStore is an in-memory OrderStore and CartStore. WithTx holds one mutex
// for the whole transaction and restores a snapshot when fn fails.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	orders map[string]models.Order
	lines  map[string][]models.OrderLine
	stock  map[int64]int
	carts  map[int64][]models.CartLine

	insertLinesErr error
	saveLinesErr   error
}

func newMemStore() *memStore {
	return &memStore{
		orders: make(map[string]models.Order),
		lines:  make(map[string][]models.OrderLine),
		stock:  make(map[int64]int),
		carts:  make(map[int64][]models.CartLine),
	}
}

func (s *memStore) WithTx(ctx context.Context, fn func(tx store.OrderTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, lines, stock, carts := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.orders, s.lines, s.stock, s.carts = orders, lines, stock, carts
		return err
	}
	return nil
}

func (s *memStore) snapshot() (map[string]models.Order, map[string][]models.OrderLine, map[int64]int, map[int64][]models.CartLine) {
	orders := make(map[string]models.Order, len(s.orders))
	for k, v := range s.orders {
		orders[k] = v
	}
	lines := make(map[string][]models.OrderLine, len(s.lines))
	for k, v := range s.lines {
		lines[k] = append([]models.OrderLine(nil), v...)
	}
	stock := make(map[int64]int, len(s.stock))
	for k, v := range s.stock {
		stock[k] = v
	}
	carts := make(map[int64][]models.CartLine, len(s.carts))
	for k, v := range s.carts {
		carts[k] = append([]models.CartLine(nil), v...)
	}
	return orders, lines, stock, carts
}

func (s *memStore) FindByOrderNo(ctx context.Context, orderNo string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (s *memStore) FindLines(ctx context.Context, orderNo string) ([]models.OrderLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OrderLine(nil), s.lines[orderNo]...), nil
}

func (s *memStore) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memStore) GetLinesByUser(ctx context.Context, userID int64) ([]models.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CartLine(nil), s.carts[userID]...), nil
}

func (s *memStore) order(t *testing.T, orderNo string) models.Order {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	require.True(t, ok, "order %s not stored", orderNo)
	return o
}

func (s *memStore) orderLines(orderNo string) []models.OrderLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OrderLine(nil), s.lines[orderNo]...)
}

func (s *memStore) quantity(productID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[productID]
}

func (s *memStore) cartSize(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.carts[userID])
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

type memTx struct {
	s *memStore
}

func (t *memTx) LockOrder(ctx context.Context, orderNo string) (*models.Order, error) {
	o, ok := t.s.orders[orderNo]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (t *memTx) GetLines(ctx context.Context, orderNo string) ([]models.OrderLine, error) {
	return append([]models.OrderLine(nil), t.s.lines[orderNo]...), nil
}

func (t *memTx) InsertOrder(ctx context.Context, order *models.Order) error {
	if _, ok := t.s.orders[order.OrderNo]; ok {
		return fmt.Errorf("duplicate order_no %s", order.OrderNo)
	}
	t.s.nextID++
	order.ID = t.s.nextID
	t.s.orders[order.OrderNo] = *order
	return nil
}

func (t *memTx) InsertLines(ctx context.Context, lines []models.OrderLine) error {
	if t.s.insertLinesErr != nil {
		return t.s.insertLinesErr
	}
	for i := range lines {
		t.s.nextID++
		lines[i].ID = t.s.nextID
		t.s.lines[lines[i].OrderNo] = append(t.s.lines[lines[i].OrderNo], lines[i])
	}
	return nil
}

func (t *memTx) SaveOrder(ctx context.Context, order *models.Order) error {
	if _, ok := t.s.orders[order.OrderNo]; !ok {
		return store.ErrNotFound
	}
	t.s.orders[order.OrderNo] = *order
	return nil
}

func (t *memTx) SaveLines(ctx context.Context, lines []models.OrderLine) error {
	if t.s.saveLinesErr != nil {
		return t.s.saveLinesErr
	}
	for _, l := range lines {
		stored := t.s.lines[l.OrderNo]
		found := false
		for i := range stored {
			if stored[i].ID == l.ID {
				stored[i] = l
				found = true
			}
		}
		if !found {
			return store.ErrNotFound
		}
	}
	return nil
}

func (t *memTx) AdjustQuantity(ctx context.Context, productID int64, delta int) error {
	t.s.stock[productID] += delta
	return nil
}

func (t *memTx) ClearCart(ctx context.Context, userID int64) (int64, error) {
	n := len(t.s.carts[userID])
	delete(t.s.carts, userID)
	return int64(n), nil
}

// fakeGateway keeps the real codec for Pay and DecodeNotify and answers
// queries from a table
type fakeGateway struct {
	*gateway.Client

	mu         sync.Mutex
	results    map[string]gateway.QueryResult
	queryErr   error
	payErr     error
	queried    []int64
	closeCalls []gateway.CloseType
}

func newFakeGateway() *fakeGateway {
	cfg := &config.GatewayConfig{
		MerchantID: testMerchant,
		HashKey:    testKey,
		HashIV:     testIV,
		PayURL:     "https://ccore.example.com/MPG/mpg_gateway",
		QueryURL:   "https://ccore.example.com/API/QueryTradeInfo",
		CloseURL:   "https://ccore.example.com/API/CreditCard/Close",
		NotifyURL:  "https://shop.example.com/api/v1/payments/notify",
		Timeout:    time.Second,
		UserAgent:  "Mozilla/5.0",
	}
	return &fakeGateway{
		Client: gateway.NewClient(cfg,
			gateway.WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
			gateway.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })),
		results: make(map[string]gateway.QueryResult),
	}
}

func (g *fakeGateway) Pay(req gateway.PayRequest) (*gateway.PayForm, error) {
	if g.payErr != nil {
		return nil, g.payErr
	}
	return g.Client.Pay(req)
}

func (g *fakeGateway) QueryTradeInfo(ctx context.Context, orderNo string, amount int64) (*gateway.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queried = append(g.queried, amount)
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	r, ok := g.results[orderNo]
	if !ok {
		return nil, &gateway.GatewayError{Op: "query", Code: "TRA10021", Message: "no such trade"}
	}
	return &r, nil
}

func (g *fakeGateway) CloseTrade(ctx context.Context, orderNo string, amount int64, closeType gateway.CloseType) (*gateway.CloseResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeCalls = append(g.closeCalls, closeType)
	return &gateway.CloseResult{
		MerchantID:      testMerchant,
		Amt:             gateway.FlexInt(amount),
		TradeNo:         "T" + orderNo,
		MerchantOrderNo: orderNo,
	}, nil
}

func (g *fakeGateway) setStatus(orderNo string, amount int64, status models.TradeStatus) gateway.QueryResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := gateway.QueryResult{
		MerchantID:      testMerchant,
		Amt:             gateway.FlexInt(amount),
		TradeNo:         "24010112345678",
		MerchantOrderNo: orderNo,
		TradeStatus:     gateway.FlexString(status),
		PaymentType:     "CREDIT",
		PayTime:         "2024-01-01 10:00:00",
	}
	g.results[orderNo] = r
	return r
}

type recordingPublisher struct {
	mu         sync.Mutex
	created    []*models.OrderCreatedEvent
	notified   []*models.NotifyReceivedEvent
	reconciled []*models.PaymentReconciledEvent
}

func (p *recordingPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, event)
	return nil
}

func (p *recordingPublisher) PublishNotifyReceived(ctx context.Context, event *models.NotifyReceivedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notified = append(p.notified, event)
	return nil
}

func (p *recordingPublisher) PublishPaymentReconciled(ctx context.Context, event *models.PaymentReconciledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconciled = append(p.reconciled, event)
	return nil
}

type fixture struct {
	store     *memStore
	gw        *fakeGateway
	publisher *recordingPublisher
	engine    *ReconciliationEngine
}

// newFixture seeds user 7 with the cart [{P1 100x2}, {P2 50x1}] and ten
// units of each product
func newFixture(t *testing.T) *fixture {
	t.Helper()
	util.SetLogger(zap.NewNop())

	st := newMemStore()
	st.stock[1] = 10
	st.stock[2] = 10
	st.carts[testUserID] = testCart()

	gw := newFakeGateway()
	pub := &recordingPublisher{}
	e := NewReconciliationEngine(EngineDeps{
		Orders:    st,
		Carts:     st,
		Gateway:   gw,
		Locker:    NewLocalLocker(time.Second),
		Publisher: pub,
	})
	e.now = func() time.Time { return time.Unix(1700000000, 0) }

	return &fixture{store: st, gw: gw, publisher: pub, engine: e}
}

func testCart() []models.CartLine {
	return []models.CartLine{
		{UserID: testUserID, ProductID: 1, Quantity: 2, Price: 100},
		{UserID: testUserID, ProductID: 2, Quantity: 1, Price: 50},
	}
}

// createOrder places the test cart as a 250 order
func (f *fixture) createOrder(t *testing.T) string {
	t.Helper()
	orderNo, err := f.engine.CreateOrder(context.Background(), CreateOrderInput{
		UserID:      testUserID,
		UserName:    "alice",
		Lines:       testCart(),
		TotalAmount: 250,
	})
	require.NoError(t, err)
	return orderNo
}

func (f *fixture) notifyPayload(t *testing.T, orderNo string, amount int64) gateway.NotifyPayload {
	t.Helper()
	plain := fmt.Sprintf(`{"Status":"SUCCESS","Message":"paid","Result":{"MerchantID":%q,"Amt":%d,"TradeNo":"24010112345678","MerchantOrderNo":%q,"PaymentType":"CREDIT","IP":"203.0.113.9","EscrowBank":"HNCB"}}`,
		testMerchant, amount, orderNo)
	info, err := f.gw.Codec().Encrypt(plain)
	require.NoError(t, err)
	return gateway.NotifyPayload{
		Status:     "SUCCESS",
		MerchantID: testMerchant,
		TradeInfo:  info,
		TradeSha:   f.gw.Codec().TradeSha(info),
	}
}
