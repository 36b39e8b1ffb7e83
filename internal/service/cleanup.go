package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"payment-otp-service/internal/model"
	"payment-otp-service/internal/util"
)

const sweepTimeout = 60 * time.Second

// Cleanup removes the code for a transaction from every storage tier.
// Each tier is handled independently and failures are logged, never
// returned: missing entries make the whole operation idempotent, so it is
// safe to call after success, on invalidation, or from a retrying caller.
func (s *VerificationService) Cleanup(ctx context.Context, transactionID string) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.cache.Forget(transactionID)
		return nil
	})

	g.Go(func() error {
		payment, err := s.lookupPaymentWithRetry(gctx, transactionID)
		if err != nil {
			if !errors.Is(err, model.ErrPaymentNotFound) {
				s.logger.Warn("Cleanup could not resolve owning account",
					util.String("transaction_id", transactionID),
					util.ErrorField(err))
			}
			return nil
		}
		if err := s.mirror.RemoveCode(gctx, payment.AccountID, transactionID); err != nil {
			s.logger.Warn("Cleanup failed to remove mirrored code",
				util.String("transaction_id", transactionID),
				util.String("account_id", payment.AccountID),
				util.ErrorField(err))
		}
		return nil
	})

	g.Go(func() error {
		if err := s.archive.Remove(gctx, transactionID); err != nil {
			s.logger.Warn("Cleanup failed to remove archived code",
				util.String("transaction_id", transactionID),
				util.ErrorField(err))
		}
		return nil
	})

	_ = g.Wait()
}

// discard drops a dead record from all tiers while keeping the local
// counter residue, so a rejected record cannot be laundered back in with
// clean counters. Unlike Cleanup the owning account is already known.
func (s *VerificationService) discard(ctx context.Context, record *model.CodeRecord, now time.Time) {
	s.cache.Delete(record.TransactionID, now)

	if err := s.mirror.RemoveCode(ctx, record.AccountID, record.TransactionID); err != nil {
		s.logger.Warn("Failed to remove mirrored code",
			util.String("transaction_id", record.TransactionID),
			util.String("account_id", record.AccountID),
			util.ErrorField(err))
	}
	if err := s.archive.Remove(ctx, record.TransactionID); err != nil {
		s.logger.Warn("Failed to remove archived code",
			util.String("transaction_id", record.TransactionID),
			util.ErrorField(err))
	}
}

// StartSweeper launches the periodic reconciler that expires records in
// the cache, the mirror and the archive. Stopped by StopSweeper.
func (s *VerificationService) StartSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepOnce()
			case <-s.stopSweep:
				return
			}
		}
	}()

	s.logger.Info("Cleanup sweeper started",
		util.Duration("interval", interval))
}

// StopSweeper stops the periodic reconciler.
func (s *VerificationService) StopSweeper() {
	select {
	case <-s.stopSweep:
	default:
		close(s.stopSweep)
	}
}

func (s *VerificationService) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	evicted := s.cache.SweepExpired(time.Now().UTC())

	swept, err := s.mirror.SweepExpired(ctx)
	if err != nil {
		s.logger.Warn("Mirror sweep failed", util.ErrorField(err))
	}

	purged, err := s.archive.PurgeExpired(ctx)
	if err != nil {
		s.logger.Warn("Archive purge failed", util.ErrorField(err))
	}

	if evicted > 0 || swept > 0 || purged > 0 {
		s.logger.Info("Expired codes swept",
			util.Int("cache_evicted", evicted),
			util.Int("mirror_swept", swept),
			util.Int("archive_purged", purged))
	}
}

func (s *VerificationService) audit(eventType, transactionID, accountID, detail string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(&model.VerificationEvent{
		EventType:     eventType,
		TransactionID: transactionID,
		AccountID:     accountID,
		Detail:        detail,
	})
}
