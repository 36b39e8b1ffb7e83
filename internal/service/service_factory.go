package service

import (
	"time"

	"go.uber.org/zap"

	"payment-otp-service/internal/cache"
	"payment-otp-service/internal/hashing"
	"payment-otp-service/internal/model"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	codeCache      *cache.CodeCache
	mirror         model.CodeMirror
	payments       model.PaymentStore
	archive        model.CodeArchive
	alerter        model.BreachAlerter
	auditor        model.AttemptAuditor
	events         model.PaymentEventPublisher
	hasher         *hashing.Hasher
	defaultCodeTTL time.Duration
	logger         *zap.Logger

	verificationService *VerificationService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	codeCache *cache.CodeCache,
	mirror model.CodeMirror,
	payments model.PaymentStore,
	archive model.CodeArchive,
	alerter model.BreachAlerter,
	auditor model.AttemptAuditor,
	events model.PaymentEventPublisher,
	hasher *hashing.Hasher,
	defaultCodeTTL time.Duration,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		codeCache:      codeCache,
		mirror:         mirror,
		payments:       payments,
		archive:        archive,
		alerter:        alerter,
		auditor:        auditor,
		events:         events,
		hasher:         hasher,
		defaultCodeTTL: defaultCodeTTL,
		logger:         logger,
	}
}

// VerificationService returns the verification service instance (singleton)
func (f *ServiceFactory) VerificationService() *VerificationService {
	if f.verificationService == nil {
		f.verificationService = NewVerificationService(
			f.codeCache,
			f.mirror,
			f.payments,
			f.archive,
			f.alerter,
			f.auditor,
			f.events,
			f.hasher,
			f.defaultCodeTTL,
			f.logger,
		)
	}
	return f.verificationService
}

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	if f.verificationService != nil {
		f.verificationService.StopSweeper()
	}
}
