package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// UserDataStream consumes the broker's order-update websocket stream and
// turns raw events into fill/cancel acknowledgments. The protection monitor
// subscribes to these instead of polling order status after every mutation.
type UserDataStream struct {
	mu sync.RWMutex

	url    string
	conn   *websocket.Conn
	logger zerolog.Logger

	onFill   func(FillEvent)
	onCancel func(CancelEvent)

	running    bool
	stopChan   chan struct{}
	reconnects int
}

// orderUpdateEvent is the wire format of an ORDER_TRADE_UPDATE event
type orderUpdateEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string  `json:"s"`
		ClientOrderID string  `json:"c"`
		Side          string  `json:"S"`
		OrderType     string  `json:"o"`
		Status        string  `json:"X"`
		OrderID       int64   `json:"i"`
		LastFillQty   float64 `json:"l,string"`
		LastFillPrice float64 `json:"L,string"`
		TradeTime     int64   `json:"T"`
	} `json:"o"`
}

// NewUserDataStream creates a stream for the given websocket URL
func NewUserDataStream(url string, logger zerolog.Logger) *UserDataStream {
	return &UserDataStream{
		url:      url,
		logger:   logger.With().Str("component", "broker-stream").Logger(),
		stopChan: make(chan struct{}),
	}
}

// OnFill registers the fill acknowledgment callback
func (s *UserDataStream) OnFill(fn func(FillEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFill = fn
}

// OnCancel registers the cancel acknowledgment callback
func (s *UserDataStream) OnCancel(fn func(CancelEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel = fn
}

// Start connects and begins reading events. Reconnects with backoff until
// Stop is called.
func (s *UserDataStream) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop()
	return nil
}

// Stop closes the stream
func (s *UserDataStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *UserDataStream) readLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.reconnects++
			delay := reconnectDelay(s.reconnects)
			s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Stream dial failed")
			select {
			case <-s.stopChan:
				return
			case <-time.After(delay):
				continue
			}
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.reconnects = 0
		s.logger.Info().Str("url", s.url).Msg("Order update stream connected")

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-s.stopChan:
					return
				default:
				}
				s.logger.Warn().Err(err).Msg("Stream read failed, reconnecting")
				conn.Close()
				break
			}
			s.dispatch(msg)
		}
	}
}

func (s *UserDataStream) dispatch(msg []byte) {
	var event orderUpdateEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		s.logger.Debug().Err(err).Msg("Unparseable stream message")
		return
	}
	if event.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	o := event.Order
	status := OrderStatus(o.Status)

	s.mu.RLock()
	onFill, onCancel := s.onFill, s.onCancel
	s.mu.RUnlock()

	switch status {
	case OrderStatusFilled, OrderStatusPartial:
		if onFill != nil && o.LastFillQty > 0 {
			onFill(FillEvent{
				Symbol:        o.Symbol,
				OrderID:       o.OrderID,
				ClientOrderID: o.ClientOrderID,
				Side:          Side(o.Side),
				OrderType:     OrderType(o.OrderType),
				Status:        status,
				FillPrice:     o.LastFillPrice,
				FillQty:       o.LastFillQty,
				FilledAt:      time.UnixMilli(o.TradeTime),
			})
		}
	case OrderStatusCanceled, OrderStatusExpired:
		if onCancel != nil {
			onCancel(CancelEvent{
				Symbol:     o.Symbol,
				OrderID:    o.OrderID,
				Status:     status,
				CanceledAt: time.UnixMilli(event.EventTime),
			})
		}
	}
}

func reconnectDelay(attempt int) time.Duration {
	delay := time.Second * time.Duration(1<<uint(min(attempt, 5)))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}
