package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges.
const (
	ExchangeRuns Exchange = "kiln.runs"
)

// Queues.
const (
	// QueueRunsFinished — done runs для выгрузочной машинерии.
	QueueRunsFinished Queue = "runs.finished"

	// QueueRunsTrouble — сбои и abandon для мониторинга и алертов.
	QueueRunsTrouble Queue = "runs.trouble"
)

// Routing keys.
const (
	RoutingKeyClaimed   RoutingKey = "claimed"
	RoutingKeyDone      RoutingKey = "done"
	RoutingKeyFailed    RoutingKey = "failed"
	RoutingKeyAbandoned RoutingKey = "abandoned"
)

// SetupTopology объявляет обменник и очереди событий runs.
// Идемпотентно: повторное объявление той же топологии — no-op.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(
			string(ExchangeRuns), // name
			"direct",             // type
			true,                 // durable
			false,                // auto-deleted
			false,                // internal
			false,                // no-wait
			nil,                  // arguments
		); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ExchangeRuns, err)
		}

		queues := []Queue{QueueRunsFinished, QueueRunsTrouble}
		for _, q := range queues {
			if _, err := ch.QueueDeclare(
				string(q), // name
				true,      // durable
				false,     // delete when unused
				false,     // exclusive
				false,     // no-wait
				nil,       // arguments
			); err != nil {
				return fmt.Errorf("declare queue %s: %w", q, err)
			}
		}

		bindings := []struct {
			queue Queue
			key   RoutingKey
		}{
			{QueueRunsFinished, RoutingKeyDone},
			{QueueRunsTrouble, RoutingKeyFailed},
			{QueueRunsTrouble, RoutingKeyAbandoned},
		}
		for _, b := range bindings {
			if err := ch.QueueBind(
				string(b.queue),      // queue name
				string(b.key),        // routing key
				string(ExchangeRuns), // exchange
				false,                // no-wait
				nil,                  // arguments
			); err != nil {
				return fmt.Errorf("bind queue %s: %w", b.queue, err)
			}
		}

		return nil
	})
}
