package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tweet-notifier/pkg/notifier"
)

// AMQPConfig selects where messages are published.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
}

// AMQPProvider publishes messages to RabbitMQ for an external delivery worker.
type AMQPProvider struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *slog.Logger
}

// DeliveryMessage is the JSON body published per delivery.
type DeliveryMessage struct {
	Timestamp time.Time        `json:"timestamp"`
	Message   notifier.Message `json:"message"`
}

// NewAMQPProvider connects and declares a durable direct exchange and a
// bound durable queue.
func NewAMQPProvider(cfg AMQPConfig, logger *slog.Logger) (*AMQPProvider, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	fail := func(step string, err error) (*AMQPProvider, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	if cfg.QueueName != "" {
		q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
		if err != nil {
			return fail("declare queue", err)
		}
		if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
			return fail("bind queue", err)
		}
	}

	logger.Info("Connected to RabbitMQ",
		"exchange", cfg.Exchange,
		"queue", cfg.QueueName,
		"routing_key", cfg.RoutingKey)

	return &AMQPProvider{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger,
	}, nil
}

// Name identifies the provider in logs.
func (r *AMQPProvider) Name() string { return "amqp" }

// Send publishes msg as a persistent JSON message.
func (r *AMQPProvider) Send(ctx context.Context, msg *notifier.Message) error {
	body, err := json.Marshal(DeliveryMessage{Message: *msg, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = r.channel.PublishWithContext(ctx, r.exchange, r.routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    fmt.Sprintf("%s:%s:%d", msg.Target, msg.ItemID, msg.Recipient),
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	r.logger.Debug("Published delivery", "target", msg.Target, "item_id", msg.ItemID, "recipient", msg.Recipient)
	return nil
}

// Close closes the channel and connection.
func (r *AMQPProvider) Close() error {
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
