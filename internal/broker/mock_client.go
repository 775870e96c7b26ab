package broker

import (
	"context"
	"sync"
	"time"
)

// MockClient is an in-memory Client implementation for tests. Failures can
// be scripted per operation, and every call is counted so tests can assert
// exactly how many broker mutations an operation produced.
type MockClient struct {
	mu sync.Mutex

	orders      map[int64]*Order
	positions   map[string]*Position
	prices      map[string]float64
	nextOrderID int64

	// Scripted failures, consumed in FIFO order per operation name
	failures map[string][]error

	// Call counters keyed by operation name
	Calls map[string]int

	// When set, canceled orders linger in CANCEL_PENDING until this many
	// GetOpenOrders calls have observed them. Simulates slow cancel acks.
	CancelAckDelay int

	pendingCancels map[int64]int
}

// NewMockClient creates a mock broker seeded with no state
func NewMockClient() *MockClient {
	return &MockClient{
		orders:         make(map[int64]*Order),
		positions:      make(map[string]*Position),
		prices:         make(map[string]float64),
		nextOrderID:    1000,
		failures:       make(map[string][]error),
		Calls:          make(map[string]int),
		pendingCancels: make(map[int64]int),
	}
}

// FailNext queues errors to be returned by the next calls to the named
// operation (one error per call, in order)
func (m *MockClient) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// SetPosition seeds a broker-side position
func (m *MockClient) SetPosition(symbol string, amt, entryPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = &Position{
		Symbol:      symbol,
		PositionAmt: amt,
		EntryPrice:  entryPrice,
		UpdateTime:  time.Now().UnixMilli(),
	}
}

// SetPrice seeds the current price for a symbol
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SeedOrder inserts an existing order directly, bypassing PlaceOrder
func (m *MockClient) SeedOrder(o Order) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.OrderID == 0 {
		m.nextOrderID++
		o.OrderID = m.nextOrderID
	}
	if o.Status == "" {
		o.Status = OrderStatusNew
	}
	o.UpdateTime = time.Now().UnixMilli()
	m.orders[o.OrderID] = &o
	return o.OrderID
}

// OpenOrders returns the current open orders for a symbol (test helper)
func (m *MockClient) OpenOrders(symbol string) []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openOrdersLocked(symbol)
}

func (m *MockClient) openOrdersLocked(symbol string) []Order {
	var out []Order
	for _, o := range m.orders {
		if o.Symbol == symbol && IsWorkingStatus(o.Status) {
			out = append(out, *o)
		}
	}
	return out
}

func (m *MockClient) takeFailure(op string) error {
	if errs := m.failures[op]; len(errs) > 0 {
		err := errs[0]
		m.failures[op] = errs[1:]
		return err
	}
	return nil
}

// GetOpenOrders implements Client
func (m *MockClient) GetOpenOrders(ctx context.Context, symbol string, fresh bool) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetOpenOrders"]++
	if err := m.takeFailure("GetOpenOrders"); err != nil {
		return nil, err
	}

	// Age out pending cancels that have been observed enough times
	for id, remaining := range m.pendingCancels {
		if remaining <= 1 {
			m.orders[id].Status = OrderStatusCanceled
			delete(m.pendingCancels, id)
		} else {
			m.pendingCancels[id] = remaining - 1
		}
	}

	return m.openOrdersLocked(symbol), nil
}

// GetOrder implements Client
func (m *MockClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetOrder"]++
	if err := m.takeFailure("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, &APIError{HTTPStatus: 400, Code: CodeUnknownOrder, Message: "Unknown order sent."}
	}
	cp := *o
	return &cp, nil
}

// PlaceOrder implements Client
func (m *MockClient) PlaceOrder(ctx context.Context, params OrderParams) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["PlaceOrder"]++
	if err := m.takeFailure("PlaceOrder"); err != nil {
		return nil, err
	}

	m.nextOrderID++
	order := &Order{
		OrderID:       m.nextOrderID,
		ClientOrderID: params.ClientOrderID,
		Symbol:        params.Symbol,
		Side:          params.Side,
		Type:          params.Type,
		Status:        OrderStatusNew,
		Price:         params.Price,
		StopPrice:     params.StopPrice,
		OrigQty:       params.Quantity,
		ReduceOnly:    params.ReduceOnly,
		UpdateTime:    time.Now().UnixMilli(),
	}
	if params.ClosePosition {
		if pos, ok := m.positions[params.Symbol]; ok {
			order.OrigQty = abs(pos.PositionAmt)
		}
	}
	// Market orders fill immediately at the seeded price
	if params.Type == OrderTypeMarket {
		order.Status = OrderStatusFilled
		order.ExecutedQty = order.OrigQty
		order.AvgPrice = m.prices[params.Symbol]
	}
	m.orders[order.OrderID] = order
	cp := *order
	return &cp, nil
}

// CancelOrder implements Client
func (m *MockClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["CancelOrder"]++
	if err := m.takeFailure("CancelOrder"); err != nil {
		return err
	}
	o, ok := m.orders[orderID]
	if !ok || o.Status.Terminal() {
		return &APIError{HTTPStatus: 400, Code: CodeUnknownOrder, Message: "Unknown order sent."}
	}
	if m.CancelAckDelay > 0 {
		m.pendingCancels[orderID] = m.CancelAckDelay
	} else {
		o.Status = OrderStatusCanceled
	}
	return nil
}

// CancelAllOrders implements Client
func (m *MockClient) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["CancelAllOrders"]++
	if err := m.takeFailure("CancelAllOrders"); err != nil {
		return err
	}
	for id, o := range m.orders {
		if o.Symbol == symbol && IsWorkingStatus(o.Status) {
			if m.CancelAckDelay > 0 {
				m.pendingCancels[id] = m.CancelAckDelay
			} else {
				o.Status = OrderStatusCanceled
			}
		}
	}
	return nil
}

// GetPosition implements Client
func (m *MockClient) GetPosition(ctx context.Context, symbol string, fresh bool) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetPosition"]++
	if err := m.takeFailure("GetPosition"); err != nil {
		return nil, err
	}
	if pos, ok := m.positions[symbol]; ok {
		cp := *pos
		return &cp, nil
	}
	return &Position{Symbol: symbol}, nil
}

// GetCurrentPrice implements Client
func (m *MockClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetCurrentPrice"]++
	if err := m.takeFailure("GetCurrentPrice"); err != nil {
		return 0, err
	}
	return m.prices[symbol], nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
