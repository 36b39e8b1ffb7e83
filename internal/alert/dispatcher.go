package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-otp-service/internal/client"
	"payment-otp-service/internal/util"
)

// BreachAlertEvent is the out-of-band alert raised when a code's failure
// streak crosses the breach threshold. Consumed by the supervising party's
// notification pipeline.
type BreachAlertEvent struct {
	AlertID             string    `json:"alert_id"`
	AccountID           string    `json:"account_id"`
	TransactionID       string    `json:"transaction_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	DetectedAt          time.Time `json:"detected_at"`
}

// BreachDispatcher publishes breach alerts fire-and-forget. A delivery
// failure is logged and dropped; it must never surface into the
// verification outcome.
type BreachDispatcher struct {
	producer *client.KafkaProducer
	topic    string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewBreachDispatcher(producer *client.KafkaProducer, topic string, logger *zap.Logger) *BreachDispatcher {
	return &BreachDispatcher{
		producer: producer,
		topic:    topic,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Notify dispatches the alert on a detached goroutine and returns
// immediately.
func (d *BreachDispatcher) Notify(accountID, transactionID string, consecutiveFailures int) {
	event := BreachAlertEvent{
		AlertID:             uuid.New().String(),
		AccountID:           accountID,
		TransactionID:       transactionID,
		ConsecutiveFailures: consecutiveFailures,
		DetectedAt:          time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		payload, err := json.Marshal(event)
		if err != nil {
			util.Error("Failed to marshal breach alert",
				zap.String("transaction_id", transactionID),
				zap.Error(err))
			return
		}

		if err := d.producer.ProduceMessage(ctx, d.topic, []byte(accountID), payload, nil); err != nil {
			util.Error("Failed to dispatch breach alert",
				zap.String("account_id", accountID),
				zap.String("transaction_id", transactionID),
				zap.Error(err))
			return
		}

		util.Warn("Breach alert dispatched",
			zap.String("account_id", accountID),
			zap.String("transaction_id", transactionID),
			zap.Int("consecutive_failures", consecutiveFailures))
	}()
}
