//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"tweet-notifier/pkg/notifier"
)

type RabbitMQIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *rabbitmq.RabbitMQContainer
	amqpURL   string
	logger    *slog.Logger
}

func (s *RabbitMQIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	container, err := rabbitmq.Run(s.ctx,
		"rabbitmq:3.13-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	amqpURL, err := container.AmqpURL(s.ctx)
	s.Require().NoError(err)
	s.amqpURL = amqpURL
}

func (s *RabbitMQIntegrationSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestRabbitMQIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RabbitMQIntegrationSuite))
}

func (s *RabbitMQIntegrationSuite) TestFanOutThroughQueue() {
	cfg := AMQPConfig{
		URL:        s.amqpURL,
		Exchange:   "deliveries",
		RoutingKey: "telegram",
		QueueName:  "deliveries-telegram",
	}

	p, err := NewAMQPProvider(cfg, s.logger)
	s.Require().NoError(err)
	defer p.Close()

	sender := New(p, 0, s.logger)
	items := []*notifier.Item{{ID: "7", Text: "hello", Link: "https://x.com/bob/status/7"}}
	report, err := sender.Notify(s.ctx, "bob", items, []notifier.Subscriber{1, 2}, nil)
	s.Require().NoError(err)
	s.Equal(2, report.Delivered)

	got := map[notifier.Subscriber]bool{}
	for range 2 {
		d := s.consume(cfg)
		s.Require().NotNil(d)
		s.Equal("application/json", d.ContentType)
		s.Equal(uint8(amqp.Persistent), d.DeliveryMode)

		var m DeliveryMessage
		s.Require().NoError(json.Unmarshal(d.Body, &m))
		s.Equal("bob", m.Message.Target)
		s.Equal("7", m.Message.ItemID)
		s.Contains(m.Message.Text, "hello")
		got[m.Message.Recipient] = true
	}
	s.Equal(map[notifier.Subscriber]bool{1: true, 2: true}, got)
}

func (s *RabbitMQIntegrationSuite) consume(cfg AMQPConfig) *amqp.Delivery {
	conn, err := amqp.Dial(s.amqpURL)
	s.Require().NoError(err)
	defer conn.Close()

	ch, err := conn.Channel()
	s.Require().NoError(err)
	defer ch.Close()

	d, ok, err := ch.Get(cfg.QueueName, true)
	for i := 0; err == nil && !ok && i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		d, ok, err = ch.Get(cfg.QueueName, true)
	}
	s.Require().NoError(err)
	if !ok {
		s.Fail("Timeout waiting for message")
		return nil
	}
	return &d
}
