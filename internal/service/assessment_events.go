package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Assessment event types.
const (
	EventAssessmentCompleted = "assessment.completed"
	EventAssessmentFailed    = "assessment.failed"
)

// AssessmentEvent is emitted when a pipeline run reaches a terminal phase.
type AssessmentEvent struct {
	Type         string    `json:"type"`
	SubmissionID uint      `json:"submission_id"`
	ProcessingID string    `json:"processing_id"`
	Score        *float64  `json:"score,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Degraded     bool      `json:"degraded,omitempty"`
	Error        string    `json:"error,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// AssessmentEventPublisher fans pipeline outcomes out to other services.
type AssessmentEventPublisher interface {
	Publish(ctx context.Context, event AssessmentEvent) error
}

type natsConn interface {
	Publish(subject string, data []byte) error
}

var _ natsConn = (*nats.Conn)(nil)

type natsEventPublisher struct {
	conn    natsConn
	subject string
}

// NewNATSEventPublisher publishes events on "<subject>.<event type>".
func NewNATSEventPublisher(conn *nats.Conn, subject string) AssessmentEventPublisher {
	return &natsEventPublisher{conn: conn, subject: subject}
}

func (p *natsEventPublisher) Publish(ctx context.Context, event AssessmentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.conn.Publish(eventRoutingKey(p.subject, event.Type), payload)
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

var _ amqpChannel = (*amqp.Channel)(nil)

type amqpEventPublisher struct {
	channel  amqpChannel
	exchange string
	now      func() time.Time
}

// NewAMQPEventPublisher publishes persistent JSON messages to a topic exchange
// routed by event type.
func NewAMQPEventPublisher(channel *amqp.Channel, exchange string) AssessmentEventPublisher {
	return &amqpEventPublisher{channel: channel, exchange: exchange, now: time.Now}
}

func (p *amqpEventPublisher) Publish(ctx context.Context, event AssessmentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.channel.PublishWithContext(
		publishCtx,
		p.exchange,
		event.Type,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    p.now(),
			MessageId:    event.ProcessingID,
			Type:         event.Type,
		},
	)
}

type multiEventPublisher struct {
	publishers []AssessmentEventPublisher
}

// NewMultiEventPublisher publishes to every non-nil publisher and joins their errors.
func NewMultiEventPublisher(publishers ...AssessmentEventPublisher) AssessmentEventPublisher {
	active := make([]AssessmentEventPublisher, 0, len(publishers))
	for _, publisher := range publishers {
		if publisher != nil {
			active = append(active, publisher)
		}
	}
	return &multiEventPublisher{publishers: active}
}

func (p *multiEventPublisher) Publish(ctx context.Context, event AssessmentEvent) error {
	var errs []error
	for _, publisher := range p.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type loggingEventPublisher struct {
	logger zerolog.Logger
}

// NewLoggingEventPublisher records events in the log when no broker is configured.
func NewLoggingEventPublisher(logger zerolog.Logger) AssessmentEventPublisher {
	return &loggingEventPublisher{logger: logger.With().Str("component", "assessment_events").Logger()}
}

func (p *loggingEventPublisher) Publish(ctx context.Context, event AssessmentEvent) error {
	p.logger.Debug().
		Str("type", event.Type).
		Uint("submission_id", event.SubmissionID).
		Str("processing_id", event.ProcessingID).
		Msg("assessment event")
	return nil
}

func eventRoutingKey(base, eventType string) string {
	if base == "" {
		return eventType
	}
	return fmt.Sprintf("%s.%s", base, eventType)
}
