package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// fillEvent mirrors the wire shape SimulatedAdapter.publish emits onto
// fillEventsExchange.
type fillEvent struct {
	Kind  string      `json:"kind"`
	Order types.Order `json:"order"`
}

// FillConsumer subscribes to the fill-events fanout exchange a
// SimulatedAdapter publishes to, on its own exclusive queue, and treats
// every entry-leg "order_placed" event as a fill: this paper adapter
// has no matching engine, so an entry leg being placed at all is taken
// as the fill signal. It feeds that back into position tracking, closing the
// submitBracket -> adapter -> RuntimeState.UpdatePosition loop the
// MANAGING entry-confirmation gate depends on (spec.md §4.4 step 7).
type FillConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *zap.Logger
}

// NewFillConsumer dials amqpURL with the same short retry loop
// NewSimulatedAdapter uses, declares the fill-events exchange (idempotent
// if the adapter already declared it), and binds a private queue to it.
func NewFillConsumer(amqpURL string, logger *zap.Logger) (*FillConsumer, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		conn, err = amqp.Dial(amqpURL)
		if err == nil {
			break
		}
		logger.Warn("broker: fill consumer amqp dial failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
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
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broker: declare fill consumer queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", fillEventsExchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broker: bind fill consumer queue: %w", err)
	}

	return &FillConsumer{conn: conn, channel: ch, queue: q.Name, logger: logger}, nil
}

// Close tears down the channel and connection.
func (c *FillConsumer) Close() error {
	if err := c.channel.Close(); err != nil {
		c.conn.Close()
		return fmt.Errorf("broker: close fill consumer channel: %w", err)
	}
	return c.conn.Close()
}

// Run blocks, delivering every entry-leg fill to onFill, until ctx is
// cancelled or the underlying delivery channel closes.
func (c *FillConsumer) Run(ctx context.Context, onFill func(ctx context.Context, order types.Order)) error {
	deliveries, err := c.channel.Consume(c.queue, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume fill events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var evt fillEvent
			if err := json.Unmarshal(d.Body, &evt); err != nil {
				c.logger.Warn("broker: malformed fill event, dropping", zap.Error(err))
				continue
			}
			if evt.Kind != "order_placed" || evt.Order.BracketRole != "entry" {
				continue
			}
			onFill(ctx, evt.Order)
		}
	}
}
