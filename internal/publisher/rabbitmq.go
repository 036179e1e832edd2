package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"neosync/internal/domain"
	"neosync/internal/metrics"
)

// RabbitMQ publishes catalog events to a topic exchange. Each event is
// routed under "<routing key>.<event kind>", e.g. "catalog.series.synced".
type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *slog.Logger
}

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"queue", cfg.QueueName,
		"binding", cfg.RoutingKey+".#",
	)

	return &RabbitMQ{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger.With("component", "publisher"),
	}, nil
}

// declareTopology sets up a durable topic exchange and, when a queue name is
// configured, a durable queue receiving every catalog event.
func declareTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if cfg.QueueName == "" {
		return nil
	}

	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.QueueName, err)
	}
	if err := ch.QueueBind(q.Name, cfg.RoutingKey+".#", cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	return nil
}

// EventMessage is the envelope written to the exchange.
type EventMessage struct {
	Kind      domain.SyncEventKind `json:"kind"`
	Event     domain.SyncEvent     `json:"event"`
	Timestamp time.Time            `json:"timestamp"`
}

func (r *RabbitMQ) Publish(ctx context.Context, event *domain.SyncEvent) error {
	if event == nil || event.Kind == "" {
		return errors.New("event kind is required")
	}

	now := time.Now().UTC()
	body, err := json.Marshal(EventMessage{Kind: event.Kind, Event: *event, Timestamp: now})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Kind, err)
	}

	key := r.routingKeyFor(event.Kind)
	err = r.channel.PublishWithContext(ctx, r.exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Type:         string(event.Kind),
		Timestamp:    now,
		Body:         body,
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(event.Kind), "failure").Inc()
		return fmt.Errorf("publish %s event: %w", event.Kind, err)
	}

	metrics.EventsPublished.WithLabelValues(string(event.Kind), "success").Inc()
	r.logger.Debug("published event",
		"routing_key", key,
		"external_id", event.ExternalID,
		"series_id", event.SeriesID,
	)
	return nil
}

func (r *RabbitMQ) routingKeyFor(kind domain.SyncEventKind) string {
	return r.routingKey + "." + string(kind)
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
