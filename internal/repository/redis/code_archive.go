package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"payment-otp-service/internal/client"
	"payment-otp-service/internal/model"
	"payment-otp-service/internal/util"
)

const archivePrefix = "otparchive:"

// CodeArchiveStore is the archival tier of issued codes: a Redis record
// per issued code, kept for the retention window for audit and support
// lookups. Cleanup treats it as just another tier to clear.
type CodeArchiveStore struct {
	client    *client.RedisClient
	retention time.Duration
}

func NewCodeArchiveStore(client *client.RedisClient, retention time.Duration) *CodeArchiveStore {
	return &CodeArchiveStore{
		client:    client,
		retention: retention,
	}
}

type archiveEntry struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	CodeHash      string    `json:"code_hash"`
	ExpiresAt     time.Time `json:"expires_at"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Archive stores an issued-code entry under the retention TTL.
func (s *CodeArchiveStore) Archive(ctx context.Context, record *model.CodeRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	entry := archiveEntry{
		TransactionID: record.TransactionID,
		AccountID:     record.AccountID,
		CodeHash:      record.CodeHash.Hash,
		ExpiresAt:     record.ExpiresAt,
		IssuedAt:      record.CreatedAt,
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal archive entry: %w", err)
	}

	key := archivePrefix + record.TransactionID
	if err := s.client.Set(ctx, key, payload, s.retention); err != nil {
		util.Error("Failed to archive issued code",
			zap.String("transaction_id", record.TransactionID),
			zap.Error(err))
		return fmt.Errorf("failed to archive issued code: %w", err)
	}

	util.Debug("Issued code archived",
		zap.String("transaction_id", record.TransactionID),
		zap.Duration("retention", s.retention))

	return nil
}

// Remove deletes the archival entry. Deleting an absent key is a no-op.
func (s *CodeArchiveStore) Remove(ctx context.Context, transactionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := archivePrefix + transactionID
	if err := s.client.Del(ctx, key); err != nil {
		util.Error("Failed to remove archived code",
			zap.String("transaction_id", transactionID),
			zap.Error(err))
		return fmt.Errorf("failed to remove archived code: %w", err)
	}

	return nil
}

// PurgeExpired walks archive keys and drops any whose stored expiry plus
// retention has passed. Redis TTL normally handles this; the purge exists
// for entries written before a retention change and for monitoring.
func (s *CodeArchiveStore) PurgeExpired(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	keys, err := s.client.Scan(ctx, archivePrefix+"*", 500)
	if err != nil {
		return 0, fmt.Errorf("failed to scan archive keys: %w", err)
	}

	purged := 0
	cutoff := time.Now().UTC().Add(-s.retention)

	for _, key := range keys {
		raw, err := s.client.Get(ctx, key)
		if err != nil {
			continue
		}

		var entry archiveEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			util.Warn("Dropping unreadable archive entry",
				zap.String("key", key),
				zap.Error(err))
			_ = s.client.Del(ctx, key)
			purged++
			continue
		}

		if entry.IssuedAt.Before(cutoff) {
			if err := s.client.Del(ctx, key); err != nil {
				util.Warn("Failed to purge archive entry",
					zap.String("transaction_id", strings.TrimPrefix(key, archivePrefix)),
					zap.Error(err))
				continue
			}
			purged++
		}
	}

	if purged > 0 {
		util.Info("Archive purge completed",
			zap.Int("keys_scanned", len(keys)),
			zap.Int("purged", purged))
	}

	return purged, nil
}
