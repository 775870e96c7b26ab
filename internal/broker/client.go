package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Transport-level retry for individual HTTP calls. Order-sequencing retries
// are handled one level up by the sequencer's retry policy; this only smooths
// over momentary transport hiccups.
const (
	maxTransportRetries = 2
	baseRetryDelay      = 500 * time.Millisecond
	maxRetryDelay       = 5 * time.Second
)

// RESTClient implements Client against a Binance-futures style signed REST API
type RESTClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewRESTClient creates a broker REST client. Keys are trimmed because
// stray whitespace corrupts request signatures.
func NewRESTClient(apiKey, secretKey, baseURL string, timeout time.Duration, logger zerolog.Logger) *RESTClient {
	return &RESTClient{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "broker").Logger(),
	}
}

// GetOpenOrders retrieves open orders for a symbol. The fresh flag is part of
// the Client contract; the REST client always fetches live state.
func (c *RESTClient) GetOpenOrders(ctx context.Context, symbol string, fresh bool) ([]Order, error) {
	params := map[string]string{"symbol": symbol}
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders for %s: %w", symbol, err)
	}

	var orders []Order
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}
	return orders, nil
}

// GetOrder retrieves a single order by ID
func (c *RESTClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching order %d: %w", orderID, err)
	}

	var order Order
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	return &order, nil
}

// PlaceOrder places a new order
func (c *RESTClient) PlaceOrder(ctx context.Context, p OrderParams) (*Order, error) {
	params := map[string]string{
		"symbol": p.Symbol,
		"side":   string(p.Side),
		"type":   string(p.Type),
	}
	if p.Quantity > 0 {
		params["quantity"] = formatFloat(p.Quantity)
	}
	if p.Price > 0 {
		params["price"] = formatFloat(p.Price)
		params["timeInForce"] = "GTC"
	}
	if p.StopPrice > 0 {
		params["stopPrice"] = formatFloat(p.StopPrice)
		params["workingType"] = "MARK_PRICE"
	}
	if p.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if p.ClosePosition {
		params["closePosition"] = "true"
		delete(params, "quantity")
	}
	if p.ClientOrderID != "" {
		params["newClientOrderId"] = p.ClientOrderID
	}

	resp, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}

	var order Order
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	c.logger.Debug().
		Str("symbol", p.Symbol).
		Str("type", string(p.Type)).
		Int64("order_id", order.OrderID).
		Float64("stop_price", p.StopPrice).
		Msg("Order placed")

	return &order, nil
}

// CancelOrder cancels an order by ID
func (c *RESTClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil {
		return fmt.Errorf("error canceling order %d: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order for a symbol
func (c *RESTClient) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]string{"symbol": symbol}
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params)
	if err != nil {
		return fmt.Errorf("error canceling all orders for %s: %w", symbol, err)
	}
	return nil
}

// GetPosition retrieves the position for a symbol
func (c *RESTClient) GetPosition(ctx context.Context, symbol string, fresh bool) (*Position, error) {
	params := map[string]string{"symbol": symbol}
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching position for %s: %w", symbol, err)
	}

	var positions []Position
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return &Position{Symbol: symbol}, nil
}

// GetCurrentPrice retrieves the latest traded price for a symbol
func (c *RESTClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	reqURL := fmt.Sprintf("%s/fapi/v1/ticker/price?symbol=%s", c.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, parseAPIError(resp.StatusCode, body)
	}

	var ticker struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Errorf("error parsing ticker: %w", err)
	}
	return ticker.Price, nil
}

// signedRequest performs an authenticated request with transport-level retry
func (c *RESTClient) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxTransportRetries; attempt++ {
		// Refresh the timestamp on every attempt; a replayed signature with a
		// stale timestamp is rejected outright.
		params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		params["recvWindow"] = "10000"
		query := c.signParams(params)

		reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, query)

		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxTransportRetries {
				c.sleepBackoff(ctx, attempt, method, endpoint, err)
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = parseAPIError(resp.StatusCode, body)
			if IsRetryable(lastErr) && !IsConflict(lastErr) && attempt < maxTransportRetries {
				c.sleepBackoff(ctx, attempt, method, endpoint, lastErr)
				continue
			}
			return nil, lastErr
		}

		return body, nil
	}

	return nil, lastErr
}

func (c *RESTClient) sleepBackoff(ctx context.Context, attempt int, method, endpoint string, err error) {
	delay := retryDelay(attempt)
	c.logger.Warn().
		Str("method", method).
		Str("endpoint", endpoint).
		Int("attempt", attempt+1).
		Dur("delay", delay).
		Err(err).
		Msg("Broker request failed, retrying")

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// signParams builds the query string and appends the HMAC-SHA256 signature
func (c *RESTClient) signParams(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	query := values.Encode()

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	signature := hex.EncodeToString(mac.Sum(nil))

	return query + "&signature=" + signature
}

// retryDelay returns an exponential delay with jitter
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

func parseAPIError(status int, body []byte) error {
	apiErr := &APIError{HTTPStatus: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	return apiErr
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
