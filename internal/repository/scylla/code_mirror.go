package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"payment-otp-service/internal/bucketing"
	"payment-otp-service/internal/hashing"
	"payment-otp-service/internal/model"
	"payment-otp-service/internal/util"
)

// CodeMirrorRepository is the durable, multi-writer copy of active codes,
// partitioned by owning account. It backs resolution when the process-local
// cache has no record for a transaction.
type CodeMirrorRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewCodeMirrorRepository(client *ScyllaClient, bucketing *bucketing.BucketingManager) *CodeMirrorRepository {
	return &CodeMirrorRepository{
		client:    client,
		bucketing: bucketing,
	}
}

// ListActiveCodes returns every code stored under the account's partition,
// including expired ones. Expiry is decided by the caller, which also owns
// deleting what it finds stale.
func (r *CodeMirrorRepository) ListActiveCodes(ctx context.Context, accountID string) ([]*model.CodeRecord, error) {
	bucket := r.bucketing.GetAccountBucket(accountID)

	iter := r.client.Prepared.ListActiveCodes.Bind(bucket, accountID).WithContext(ctx).Iter()

	var records []*model.CodeRecord
	var (
		transactionID, codeHash, codeSalt, codeAlgorithm string
		expiresAt, lastAttemptAt, cooldownUntil, created time.Time
		attempts, consecutiveFailures                    int
		breachDetected                                   bool
	)

	for iter.Scan(&transactionID, &codeHash, &codeSalt, &codeAlgorithm, &expiresAt,
		&attempts, &consecutiveFailures, &lastAttemptAt, &cooldownUntil,
		&breachDetected, &created) {
		rec := &model.CodeRecord{
			TransactionID: transactionID,
			AccountID:     accountID,
			CodeHash: &hashing.HashResult{
				Hash:      codeHash,
				Salt:      codeSalt,
				Algorithm: codeAlgorithm,
			},
			ExpiresAt: expiresAt,
			CreatedAt: created,
			SecurityCounters: model.SecurityCounters{
				Attempts:            attempts,
				ConsecutiveFailures: consecutiveFailures,
				LastAttemptAt:       timePtr(lastAttemptAt),
				CooldownUntil:       timePtr(cooldownUntil),
				BreachDetected:      breachDetected,
			},
		}
		records = append(records, rec)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list active codes",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list active codes: %w", err)
	}

	return records, nil
}

// AppendCode writes a code record under the owning account. Re-issuing a
// code for the same transaction overwrites the previous row.
func (r *CodeMirrorRepository) AppendCode(ctx context.Context, record *model.CodeRecord) error {
	bucket := r.bucketing.GetAccountBucket(record.AccountID)

	query := r.client.Prepared.AppendCode.Bind(
		bucket, record.AccountID, record.TransactionID,
		record.CodeHash.Hash, record.CodeHash.Salt, record.CodeHash.Algorithm,
		record.ExpiresAt, record.Attempts, record.ConsecutiveFailures,
		timeVal(record.LastAttemptAt), timeVal(record.CooldownUntil),
		record.BreachDetected, record.CreatedAt).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to append code to mirror",
			zap.String("account_id", record.AccountID),
			zap.String("transaction_id", record.TransactionID),
			zap.Error(err))
		return fmt.Errorf("failed to append code to mirror: %w", err)
	}

	util.Debug("Code appended to mirror",
		zap.String("account_id", record.AccountID),
		zap.String("transaction_id", record.TransactionID),
		zap.Time("expires_at", record.ExpiresAt))

	return nil
}

// RemoveCode deletes one transaction's code from the account partition.
// Removing an absent code is a no-op, which keeps cleanup idempotent.
func (r *CodeMirrorRepository) RemoveCode(ctx context.Context, accountID, transactionID string) error {
	bucket := r.bucketing.GetAccountBucket(accountID)

	query := r.client.Prepared.RemoveCode.Bind(bucket, accountID, transactionID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to remove code from mirror",
			zap.String("account_id", accountID),
			zap.String("transaction_id", transactionID),
			zap.Error(err))
		return fmt.Errorf("failed to remove code from mirror: %w", err)
	}

	return nil
}

// UpdateCounters persists counter state with a lightweight transaction
// conditioned on the previously observed attempt count, so two instances
// recording failures concurrently cannot lose an increment.
func (r *CodeMirrorRepository) UpdateCounters(ctx context.Context, record *model.CodeRecord, expectedAttempts int) (bool, error) {
	bucket := r.bucketing.GetAccountBucket(record.AccountID)

	applied, err := r.client.Query(`
        UPDATE account_active_codes
        SET attempts = ?, consecutive_failures = ?, last_attempt_at = ?,
            cooldown_until = ?, breach_detected = ?
        WHERE account_bucket = ? AND account_id = ? AND transaction_id = ?
        IF attempts = ?`,
		record.Attempts, record.ConsecutiveFailures, timeVal(record.LastAttemptAt),
		timeVal(record.CooldownUntil), record.BreachDetected,
		bucket, record.AccountID, record.TransactionID,
		expectedAttempts).WithContext(ctx).ScanCAS()

	if err != nil {
		util.Error("Failed to update code counters in mirror",
			zap.String("account_id", record.AccountID),
			zap.String("transaction_id", record.TransactionID),
			zap.Error(err))
		return false, fmt.Errorf("failed to update code counters: %w", err)
	}

	if !applied {
		util.Warn("Mirror counter update lost a write race",
			zap.String("transaction_id", record.TransactionID),
			zap.Int("expected_attempts", expectedAttempts))
	}

	return applied, nil
}

// SweepExpired batch-deletes codes past expiry across all partitions.
// Intended for the periodic sweeper, not the request path.
func (r *CodeMirrorRepository) SweepExpired(ctx context.Context) (int, error) {
	iter := r.client.Query(`
        SELECT account_bucket, account_id, transaction_id FROM account_active_codes
        WHERE expires_at < ? ALLOW FILTERING`, time.Now().UTC()).WithContext(ctx).Iter()

	var (
		bucket                   int
		accountID, transactionID string
	)
	deletedCount := 0

	batch := r.client.Batch(gocql.UnloggedBatch)
	batchSize := 0

	for iter.Scan(&bucket, &accountID, &transactionID) {
		batch.Query(`DELETE FROM account_active_codes WHERE account_bucket = ? AND account_id = ? AND transaction_id = ?`,
			bucket, accountID, transactionID)
		batchSize++

		if batchSize >= 100 {
			if err := r.client.ExecuteBatch(batch); err != nil {
				util.Error("Failed to execute batch delete for expired codes", zap.Error(err))
				iter.Close()
				return deletedCount, fmt.Errorf("failed to sweep expired codes: %w", err)
			}
			deletedCount += batchSize
			batch = r.client.Batch(gocql.UnloggedBatch)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := r.client.ExecuteBatch(batch); err != nil {
			util.Error("Failed to execute final batch delete for expired codes", zap.Error(err))
			iter.Close()
			return deletedCount, fmt.Errorf("failed to sweep expired codes: %w", err)
		}
		deletedCount += batchSize
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to close iterator for expired code sweep", zap.Error(err))
		return deletedCount, fmt.Errorf("failed to sweep expired codes: %w", err)
	}

	if deletedCount > 0 {
		util.Info("Expired codes swept from mirror", zap.Int("deleted_count", deletedCount))
	}
	return deletedCount, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
