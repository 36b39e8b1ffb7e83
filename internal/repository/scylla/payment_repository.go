package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"payment-otp-service/internal/model"
	"payment-otp-service/internal/util"
)

// PaymentRepository implements the narrow payment-store contract the
// verification engine consumes: derive the owning account for a
// transaction, and flip the payment state once a code is confirmed.
type PaymentRepository struct {
	client *ScyllaClient
}

func NewPaymentRepository(client *ScyllaClient) *PaymentRepository {
	return &PaymentRepository{client: client}
}

func (r *PaymentRepository) LookupPayment(ctx context.Context, transactionID string) (*model.Payment, error) {
	payment := &model.Payment{}

	query := r.client.Prepared.GetPayment.Bind(transactionID).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&payment.TransactionID, &payment.AccountID, &payment.CollectorID,
		&payment.Amount, &payment.State, &payment.CreatedAt, &payment.UpdatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrPaymentNotFound
		}
		util.Error("Failed to lookup payment",
			zap.String("transaction_id", transactionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to lookup payment: %w", err)
	}

	return payment, nil
}

func (r *PaymentRepository) CreatePayment(ctx context.Context, payment *model.Payment) error {
	now := time.Now().UTC()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now
	if payment.State == "" {
		payment.State = model.PaymentStatePendingConfirmation
	}

	query := r.client.Prepared.CreatePayment.Bind(
		payment.TransactionID, payment.AccountID, payment.CollectorID,
		payment.Amount, payment.State, payment.CreatedAt, payment.UpdatedAt).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create payment",
			zap.String("transaction_id", payment.TransactionID),
			zap.Error(err))
		return fmt.Errorf("failed to create payment: %w", err)
	}

	util.Info("Payment created",
		zap.String("transaction_id", payment.TransactionID),
		zap.String("account_id", payment.AccountID),
		zap.String("state", payment.State))

	return nil
}

func (r *PaymentRepository) SetPaymentState(ctx context.Context, transactionID, state string, metadata map[string]string) error {
	query := r.client.Prepared.SetPaymentState.Bind(
		state, metadata, time.Now().UTC(), transactionID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to set payment state",
			zap.String("transaction_id", transactionID),
			zap.String("state", state),
			zap.Error(err))
		return fmt.Errorf("failed to set payment state: %w", err)
	}

	util.Info("Payment state updated",
		zap.String("transaction_id", transactionID),
		zap.String("state", state))

	return nil
}
