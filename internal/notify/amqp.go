package notify

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	SmsRoutingKey   = "notification.sms"
	EmailRoutingKey = "notification.email"
)

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher emits notification events for a downstream delivery service.
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	logger   *zap.Logger
}

type SmsEvent struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

type EmailEvent struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", errors.Wrap(err, "parse amqp url")
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

// NewPublisher dials the broker and declares a durable topic exchange.
func NewPublisher(amqpURL, exchange string, logger *zap.Logger) (*Publisher, error) {
	clean, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(clean)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open amqp channel")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange, logger: logger.Named("notify")}, nil
}

func (p *Publisher) SendSMS(ctx context.Context, phone, message string) error {
	return p.publish(ctx, SmsRoutingKey, SmsEvent{PhoneNumber: phone, Message: message})
}

func (p *Publisher) SendEmail(ctx context.Context, to, subject, body string) error {
	return p.publish(ctx, EmailRoutingKey, EmailEvent{To: to, Subject: subject, Body: body})
}

func (p *Publisher) publish(ctx context.Context, key string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", key)
	}
	p.logger.Debug("notification published", zap.String("exchange", p.exchange), zap.String("routing_key", key))
	return nil
}

func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
