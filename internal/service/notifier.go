package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"saga-server/internal/models"
)

// SagaEventPayload is the terminal-event message published when a saga
// reaches completed or failed.
type SagaEventPayload struct {
	SagaID       string            `json:"sagaId"`
	SourceID     string            `json:"sourceId"`
	Status       models.SagaStatus `json:"status"`
	ErrorDetails string            `json:"errorDetails,omitempty"`
	OccurredAt   time.Time         `json:"occurredAt"`
}

// Notifier publishes terminal saga events for downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, payload SagaEventPayload) error
}

type rabbitMQNotifier struct {
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

// NewRabbitMQNotifier declares the durable event queue on the given
// channel. The channel is owned by the caller and closed there.
func NewRabbitMQNotifier(ch *amqp.Channel, queueName string, logger *zap.Logger) (Notifier, error) {
	_, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-queue-mode": "lazy"},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare saga event queue %q: %w", queueName, err)
	}

	log := logger.Named("Notifier")
	log.Info("Saga event queue declared", zap.String("queue", queueName))
	return &rabbitMQNotifier{channel: ch, queueName: queueName, logger: log}, nil
}

func (n *rabbitMQNotifier) Notify(ctx context.Context, payload SagaEventPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal saga event for %s: %w", payload.SagaID, err)
	}

	err = n.channel.PublishWithContext(ctx,
		"",          // exchange
		n.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			AppId:        "saga-worker",
			MessageId:    payload.SagaID + "-event",
		},
	)
	if err != nil {
		n.logger.Error("Failed to publish saga event",
			zap.String("sagaID", payload.SagaID),
			zap.String("status", string(payload.Status)),
			zap.Error(err))
		return fmt.Errorf("failed to publish saga event for %s: %w", payload.SagaID, err)
	}

	n.logger.Info("Saga event published",
		zap.String("sagaID", payload.SagaID),
		zap.String("status", string(payload.Status)),
		zap.String("queue", n.queueName))
	return nil
}
