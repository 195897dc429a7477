/**
 * @description
 * This package provides a simple producer for publishing messages to RabbitMQ.
 * It encapsulates the logic for connecting to RabbitMQ and publishing a message
 * to a specific exchange and routing key, plus typed helpers for every domain
 * event the deal engine emits.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - internal/domain: Event payloads.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/estatehub/deal-service/internal/domain"
)

// DealEventsExchange is the durable topic exchange carrying all deal lifecycle events.
const DealEventsExchange = "deal_events"

// Routing keys per event type.
const (
	RoutingDealPaid          = "deal.paid"
	RoutingDealReleased      = "deal.released"
	RoutingDealRefunded      = "deal.refunded"
	RoutingDealCancelled     = "deal.cancelled"
	RoutingMilestoneReleased = "deal.milestone.released"
	RoutingDisputeEscalated  = "dispute.escalated"
)

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishDealPaid(ctx context.Context, event domain.DealPaidEvent) error
	PublishDealReleased(ctx context.Context, event domain.DealReleasedEvent) error
	PublishDealRefunded(ctx context.Context, event domain.DealRefundedEvent) error
	PublishDealCancelled(ctx context.Context, event domain.DealCancelledEvent) error
	PublishMilestoneReleased(ctx context.Context, event domain.MilestoneReleasedEvent) error
	PublishDisputeEscalated(ctx context.Context, event domain.DisputeEscalatedEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishDealPaid(ctx context.Context, event domain.DealPaidEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingDealPaid, event)
}

func (p *EventProducerFallback) PublishDealReleased(ctx context.Context, event domain.DealReleasedEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingDealReleased, event)
}

func (p *EventProducerFallback) PublishDealRefunded(ctx context.Context, event domain.DealRefundedEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingDealRefunded, event)
}

func (p *EventProducerFallback) PublishDealCancelled(ctx context.Context, event domain.DealCancelledEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingDealCancelled, event)
}

func (p *EventProducerFallback) PublishMilestoneReleased(ctx context.Context, event domain.MilestoneReleasedEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingMilestoneReleased, event)
}

func (p *EventProducerFallback) PublishDisputeEscalated(ctx context.Context, event domain.DisputeEscalatedEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingDisputeEscalated, event)
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		// Attempt simple channel reopen once
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
					return err2
				}
			} else {
				return chErr
			}
		} else {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        jsonBody,
		},
	)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				// re-declare exchange and retry
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
						ContentType: "application/json",
						Timestamp:   time.Now(),
						Body:        jsonBody,
					})
					if err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishDealPaid publishes the funds-received confirmation for a deal.
func (p *EventProducer) PublishDealPaid(ctx context.Context, event domain.DealPaidEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingDealPaid, event)
}

// PublishDealReleased publishes the deal-level release completion.
func (p *EventProducer) PublishDealReleased(ctx context.Context, event domain.DealReleasedEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingDealReleased, event)
}

// PublishDealRefunded publishes a completed refund.
func (p *EventProducer) PublishDealRefunded(ctx context.Context, event domain.DealRefundedEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingDealRefunded, event)
}

// PublishDealCancelled publishes a pre-release cancellation.
func (p *EventProducer) PublishDealCancelled(ctx context.Context, event domain.DealCancelledEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingDealCancelled, event)
}

// PublishMilestoneReleased publishes one milestone payout.
func (p *EventProducer) PublishMilestoneReleased(ctx context.Context, event domain.MilestoneReleasedEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingMilestoneReleased, event)
}

// PublishDisputeEscalated publishes a timed or forced dispute escalation.
func (p *EventProducer) PublishDisputeEscalated(ctx context.Context, event domain.DisputeEscalatedEvent) error {
	return p.Publish(ctx, DealEventsExchange, RoutingDisputeEscalated, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
