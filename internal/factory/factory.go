package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payment-otp-service/internal/alert"
	"payment-otp-service/internal/audit"
	"payment-otp-service/internal/bucketing"
	"payment-otp-service/internal/cache"
	"payment-otp-service/internal/client"
	"payment-otp-service/internal/config"
	"payment-otp-service/internal/hashing"
	"payment-otp-service/internal/model"
	"payment-otp-service/internal/publisher"
	redisrepo "payment-otp-service/internal/repository/redis"
	"payment-otp-service/internal/repository/scylla"
	"payment-otp-service/internal/service"
	"payment-otp-service/internal/tls"
	"payment-otp-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	bucketingManager *bucketing.BucketingManager

	// Storage tiers and collaborators
	codeCache         *cache.CodeCache
	codeMirror        *scylla.CodeMirrorRepository
	paymentRepository *scylla.PaymentRepository
	codeArchive       *redisrepo.CodeArchiveStore
	breachDispatcher  *alert.BreachDispatcher
	auditRecorder     *audit.Recorder
	eventPublisher    *publisher.EventPublisher

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializeTiers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing and bucketing managers
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
}

// initializeTiers wires the storage tiers and the best-effort collaborators
func (f *Factory) initializeTiers() {
	f.codeCache = cache.New(f.config.OTP.CounterResidueTTL)

	if f.scyllaClient != nil {
		f.codeMirror = scylla.NewCodeMirrorRepository(f.scyllaClient, f.bucketingManager)
		f.paymentRepository = scylla.NewPaymentRepository(f.scyllaClient)
	}

	if f.redisClient != nil {
		f.codeArchive = redisrepo.NewCodeArchiveStore(f.redisClient, f.config.OTP.ArchiveRetention)
	}

	if f.kafkaProducer != nil {
		f.breachDispatcher = alert.NewBreachDispatcher(f.kafkaProducer, f.config.Kafka.BreachAlertTopic, util.Get())
		f.eventPublisher = publisher.NewEventPublisher(f.kafkaProducer, f.config.Kafka.PaymentTopic, util.Get())
	}

	if f.clickhouseClient != nil {
		f.auditRecorder = audit.NewRecorder(f.clickhouseClient, f.bucketingManager)
	}
}

// ServiceFactory returns the service factory (singleton)
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		// The optional collaborators must be passed as untyped nils when
		// absent so the service's nil checks hold
		var alerter model.BreachAlerter
		if f.breachDispatcher != nil {
			alerter = f.breachDispatcher
		}
		var auditor model.AttemptAuditor
		if f.auditRecorder != nil {
			auditor = f.auditRecorder
		}
		var events model.PaymentEventPublisher
		if f.eventPublisher != nil {
			events = f.eventPublisher
		}

		f.serviceFactory = service.NewServiceFactory(
			f.codeCache,
			f.codeMirror,
			f.paymentRepository,
			f.codeArchive,
			alerter,
			auditor,
			events,
			f.hasher,
			f.config.OTP.DefaultCodeTTL,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// TLSManager returns the TLS manager, nil when TLS is disabled
func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

// Config returns the loaded configuration
func (f *Factory) Config() *config.Config {
	return f.config
}

// HealthCheck reports the health of every initialized dependency
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.hasher == nil {
		healthErrors["hasher"] = fmt.Errorf("hasher not initialized")
	}
	if f.bucketingManager == nil {
		healthErrors["bucketing"] = fmt.Errorf("bucketing manager not initialized")
	}

	return healthErrors
}

// IsHealthy reports overall health, ignoring the optional Kafka tier
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

// Close releases all resources in reverse dependency order
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Services stopped")
		}

		if f.auditRecorder != nil {
			f.auditRecorder.Close()
			util.Info("Audit recorder flushed and closed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		util.Info("Factory shutdown complete")
	})

	return nil
}
