package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-otp-service/internal/client"
	"payment-otp-service/internal/model"
	"payment-otp-service/internal/util"
)

// PaymentStateChangedEvent announces a payment state transition to
// downstream consumers (settlement, notifications, reporting).
type PaymentStateChangedEvent struct {
	EventID       string    `json:"event_id"`
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	CollectorID   string    `json:"collector_id"`
	Amount        float64   `json:"amount"`
	PreviousState string    `json:"previous_state"`
	NewState      string    `json:"new_state"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type EventPublisher struct {
	producer     *client.KafkaProducer
	paymentTopic string
	logger       *zap.Logger
}

func NewEventPublisher(producer *client.KafkaProducer, paymentTopic string, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{
		producer:     producer,
		paymentTopic: paymentTopic,
		logger:       logger,
	}
}

// PaymentStateChanged publishes the transition event keyed by transaction
// id so per-payment ordering is preserved within a partition.
func (p *EventPublisher) PaymentStateChanged(ctx context.Context, payment *model.Payment, previousState string) error {
	event := PaymentStateChangedEvent{
		EventID:       uuid.New().String(),
		TransactionID: payment.TransactionID,
		AccountID:     payment.AccountID,
		CollectorID:   payment.CollectorID,
		Amount:        payment.Amount,
		PreviousState: previousState,
		NewState:      payment.State,
		OccurredAt:    time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payment event: %w", err)
	}

	if err := p.producer.ProduceMessage(ctx, p.paymentTopic, []byte(payment.TransactionID), payload, nil); err != nil {
		return fmt.Errorf("failed to publish payment event: %w", err)
	}

	util.Debug("Payment state change published",
		zap.String("transaction_id", payment.TransactionID),
		zap.String("new_state", payment.State))

	return nil
}
