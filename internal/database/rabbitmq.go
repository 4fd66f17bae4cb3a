package database

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ bundles the connection and the channel events are published on.
type RabbitMQ struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
}

// ConnectRabbitMQ dials the broker and declares the durable topic exchange.
func ConnectRabbitMQ(url, exchange string) (*RabbitMQ, error) {
	if url == "" {
		return nil, fmt.Errorf("amqp url must not be empty")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &RabbitMQ{Conn: conn, Channel: channel}, nil
}

// Close releases the channel and the connection.
func (r *RabbitMQ) Close() error {
	if r == nil {
		return nil
	}
	if err := r.Channel.Close(); err != nil {
		_ = r.Conn.Close()
		return err
	}
	return r.Conn.Close()
}
