package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Kiln/internal/domain"
)

// MessageType — тип события в очереди.
type MessageType string

// Типы событий жизненного цикла run.
const (
	MessageTypeRunClaimed   MessageType = "run.claimed"
	MessageTypeRunDone      MessageType = "run.done"
	MessageTypeRunFailed    MessageType = "run.failed"
	MessageTypeRunAbandoned MessageType = "run.abandoned"
)

// Publisher публикует события жизненного цикла runs. Потребители —
// выгрузочная машинерия и мониторинг; оркестратор сам ничего не
// потребляет, вся его координация идёт через реестр.
type Publisher struct {
	conn   *Connection
	host   string
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, host string, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		host:   host,
		logger: logger,
	}
}

// Message — конверт события.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип события.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// RunEventPayload — payload события жизненного цикла run.
type RunEventPayload struct {
	RunID   uuid.UUID `json:"run_id"`
	Number  int64     `json:"number"`
	Host    string    `json:"host"`
	Targets []string  `json:"targets,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Publish публикует событие в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // событие переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published event",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// RunClaimed публикует событие захвата run этим хостом.
func (p *Publisher) RunClaimed(ctx context.Context, run *domain.Run, targets []string) error {
	return p.publishRunEvent(ctx, MessageTypeRunClaimed, RoutingKeyClaimed, run, targets, "")
}

// RunDone публикует событие успешного завершения обработки.
// Потребитель: выгрузочная машинерия.
func (p *Publisher) RunDone(ctx context.Context, run *domain.Run) error {
	return p.publishRunEvent(ctx, MessageTypeRunDone, RoutingKeyDone, run, run.Orch.Targets, "")
}

// RunFailed публикует событие сбоя обработки.
func (p *Publisher) RunFailed(ctx context.Context, run *domain.Run, reason string) error {
	return p.publishRunEvent(ctx, MessageTypeRunFailed, RoutingKeyFailed, run, nil, reason)
}

// RunAbandoned публикует событие терминального отказа от run.
func (p *Publisher) RunAbandoned(ctx context.Context, run *domain.Run, reason string) error {
	return p.publishRunEvent(ctx, MessageTypeRunAbandoned, RoutingKeyAbandoned, run, nil, reason)
}

func (p *Publisher) publishRunEvent(ctx context.Context, msgType MessageType, key RoutingKey, run *domain.Run, targets []string, reason string) error {
	msg := &Message{
		ID:   uuid.New().String(),
		Type: msgType,
		Payload: RunEventPayload{
			RunID:   run.ID,
			Number:  run.Number,
			Host:    p.host,
			Targets: targets,
			Reason:  reason,
		},
		Timestamp: time.Now(),
	}
	return p.Publish(ctx, ExchangeRuns, key, msg)
}
