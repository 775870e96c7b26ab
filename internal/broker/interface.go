package broker

import "context"

// Client defines the broker gateway operations the protection engine needs.
// Every query method takes a fresh flag: when true the implementation must
// bypass any cache and return the broker's current view. Mutation decisions
// are only ever made from fresh fetches.
type Client interface {
	// GetOpenOrders retrieves open orders for a symbol
	GetOpenOrders(ctx context.Context, symbol string, fresh bool) ([]Order, error)

	// GetOrder retrieves a single order by ID
	GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)

	// PlaceOrder places a new order and returns the broker's acknowledgment
	PlaceOrder(ctx context.Context, params OrderParams) (*Order, error)

	// CancelOrder cancels an order by ID
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	// CancelAllOrders cancels every open order for a symbol
	CancelAllOrders(ctx context.Context, symbol string) error

	// GetPosition retrieves the position for a symbol
	GetPosition(ctx context.Context, symbol string, fresh bool) (*Position, error)

	// GetCurrentPrice retrieves the latest traded price for a symbol
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// Compile-time interface checks
var (
	_ Client = (*RESTClient)(nil)
	_ Client = (*MockClient)(nil)
)
