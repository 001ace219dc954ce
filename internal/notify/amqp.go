package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig addresses the exchange summaries are published to.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Message is the JSON body published for each notification.
type Message struct {
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes notifications to a durable topic exchange,
// connecting once per delivery.
type AMQPPublisher struct {
	cfg  AMQPConfig
	dial func(url string) (amqpChannel, func() error, error)
	now  func() time.Time
}

func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	clean, err := sanitizeAMQPURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	cfg.URL = clean
	if cfg.Exchange == "" {
		cfg.Exchange = "checkin.events"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "checkin.cycle.failed"
	}
	return &AMQPPublisher{cfg: cfg, dial: dialAMQP, now: time.Now}, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parsing AMQP URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func dialAMQP(url string) (amqpChannel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

func (p *AMQPPublisher) Deliver(ctx context.Context, title, body string) error {
	ch, closeConn, err := p.dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer closeConn()
	defer ch.Close()

	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", p.cfg.Exchange, err)
	}

	raw, err := json.Marshal(Message{Title: title, Body: body, SentAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	err = ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now(),
		Body:         raw,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", p.cfg.Exchange, err)
	}
	return nil
}
