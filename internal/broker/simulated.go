package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const fillEventsExchange = "broker.fills"

// SimulatedAdapter is a paper-trading Adapter: it accepts orders immediately
// in memory and publishes an order-event onto an AMQP fanout exchange for
// any downstream listener (dashboards, audit consumers), the way the
// venue's own drop-copy feed would. Calls are client-side rate limited
// the way a real REST order-entry API would throttle them.
type SimulatedAdapter struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	limiter *rate.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	orders map[string]types.Order
}

// NewSimulatedAdapter dials amqpURL with a short retry loop, declares the
// fill-events fanout exchange, and returns a ready adapter rate limited
// to ratePerSecond requests with the given burst allowance.
func NewSimulatedAdapter(amqpURL string, ratePerSecond float64, burst int, logger *zap.Logger) (*SimulatedAdapter, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		conn, err = amqp.Dial(amqpURL)
		if err == nil {
			break
		}
		logger.Warn("broker: amqp dial failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("broker: dial amqp after retries: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(fillEventsExchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broker: declare exchange %q: %w", fillEventsExchange, err)
	}

	return &SimulatedAdapter{
		conn:    conn,
		channel: ch,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		logger:  logger,
		orders:  make(map[string]types.Order),
	}, nil
}

// Close tears down the channel and connection.
func (a *SimulatedAdapter) Close() error {
	if err := a.channel.Close(); err != nil {
		a.conn.Close()
		return fmt.Errorf("broker: close channel: %w", err)
	}
	return a.conn.Close()
}

// PlaceOrder accepts the order immediately, stores it as OrderStatusOpen
// (it stays open until CancelOrder) and publishes an "order_placed"
// event. No fill price or filled quantity is recorded on the order.
func (a *SimulatedAdapter) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return types.Order{}, fmt.Errorf("broker: rate limit wait: %w", err)
	}

	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	now := time.Now()
	order.Status = types.OrderStatusOpen
	order.CreatedAt = now
	order.UpdatedAt = now

	a.publish(ctx, "order_placed", order)

	a.mu.Lock()
	a.orders[order.ID] = order
	a.mu.Unlock()
	return order, nil
}

// CancelOrder marks a previously placed order cancelled.
func (a *SimulatedAdapter) CancelOrder(ctx context.Context, orderID string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("broker: rate limit wait: %w", err)
	}

	a.mu.Lock()
	o, ok := a.orders[orderID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("broker: unknown order %q", orderID)
	}
	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	a.orders[orderID] = o
	a.mu.Unlock()

	a.publish(ctx, "order_cancelled", o)
	return nil
}

// GetOpenOrders returns every tracked order still in OrderStatusOpen for symbol.
func (a *SimulatedAdapter) GetOpenOrders(_ context.Context, symbol string) ([]types.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var open []types.Order
	for _, o := range a.orders {
		if o.Status == types.OrderStatusOpen && (symbol == "" || o.Symbol == symbol) {
			open = append(open, o)
		}
	}
	return open, nil
}

func (a *SimulatedAdapter) publish(ctx context.Context, kind string, order types.Order) {
	body, err := json.Marshal(struct {
		Kind  string      `json:"kind"`
		Order types.Order `json:"order"`
	}{Kind: kind, Order: order})
	if err != nil {
		a.logger.Warn("broker: marshal order event failed", zap.Error(err))
		return
	}
	err = a.channel.PublishWithContext(ctx, fillEventsExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
	if err != nil {
		a.logger.Warn("broker: publish order event failed", zap.String("kind", kind), zap.Error(err))
	}
}
