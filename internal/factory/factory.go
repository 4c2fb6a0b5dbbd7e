package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"studio-intake/internal/bucketing"
	"studio-intake/internal/client"
	"studio-intake/internal/config"
	"studio-intake/internal/hashing"
	"studio-intake/internal/ratelimit"
	redisrepo "studio-intake/internal/repository/redis"
	"studio-intake/internal/repository/scylla"
	"studio-intake/internal/service"
	"studio-intake/internal/submission"
	"studio-intake/internal/tls"
	"studio-intake/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	bucketingManager *bucketing.BucketingManager
	memoryStore      *ratelimit.MemoryStore
	limiter          *ratelimit.Limiter

	submissionRepository *scylla.SubmissionRepository
	intakeService        *service.IntakeService

	stopJanitor context.CancelFunc
	closeOnce   sync.Once
}

// NewFactory loads configuration and initializes every enabled dependency
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(cfg)
}

// New builds a factory from an already parsed configuration.
func New(cfg *config.Config) (*Factory, error) {
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config:           cfg,
		bucketingManager: bucketing.NewBucketingManager(cfg),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(tls.FromServerConfig(cfg))
	}

	if err := f.initializeClients(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	f.initializeLimiter()
	if err := f.initializeService(); err != nil {
		f.Close()
		return nil, err
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("rate_limit_backend", cfg.RateLimit.Backend),
		util.Strings("sinks", f.intakeService.SinkNames()),
	)

	return f, nil
}

// initializeClients connects every enabled backend. Outside production a
// failing backend is logged and skipped so local runs work with whatever
// is available.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error
	cfg := f.config

	if cfg.UsesRedisRateLimit() {
		if c, err := client.NewRedisClient(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	if cfg.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := c.EnsureSchema(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla schema: %w", err))
		} else {
			f.scyllaClient = c
			f.submissionRepository = scylla.NewSubmissionRepository(c, f.bucketingManager)
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	if cfg.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(cfg); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized", util.String("topic", cfg.Kafka.Topic))
		}
	}

	if cfg.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if cfg.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) == 0 {
		return nil
	}
	// The Redis limiter backend has no fallback that keeps replicas consistent.
	if cfg.IsProduction() || f.redisClient == nil && cfg.UsesRedisRateLimit() {
		return errors.Join(initErrors...)
	}
	for _, err := range initErrors {
		util.Warn("Service initialization warning", util.ErrorField(err))
	}
	return nil
}

func (f *Factory) initializeLimiter() {
	var store ratelimit.Store
	if f.redisClient != nil {
		store = redisrepo.NewRateLimitCache(f.redisClient)
	} else {
		f.memoryStore = ratelimit.NewMemoryStore()
		ctx, cancel := context.WithCancel(context.Background())
		f.stopJanitor = cancel
		f.memoryStore.StartJanitor(ctx)
		store = f.memoryStore
	}

	f.limiter = ratelimit.New(store,
		ratelimit.WithMaxSubmissions(f.config.RateLimit.MaxSubmissions),
		ratelimit.WithWindow(f.config.RateLimit.Window),
		ratelimit.WithLogger(util.Get()),
	)
}

func (f *Factory) initializeService() error {
	var sinks []service.RowSink
	// Typed nils must not reach the service as non-nil interfaces.
	if f.submissionRepository != nil {
		sinks = append(sinks, f.submissionRepository)
	}
	if f.kafkaProducer != nil {
		sinks = append(sinks, f.kafkaProducer)
	}
	if f.esClient != nil {
		sinks = append(sinks, f.esClient)
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, f.clickhouseClient)
	}
	if len(sinks) == 0 {
		util.Warn("No submission sinks enabled; submissions are only relayed to chat")
	}
	if f.config.WhatsApp.Destination == "" {
		util.Warn("WHATSAPP_DESTINATION is empty; deep links will have no recipient")
	}

	opts := []service.Option{
		service.WithSinks(sinks...),
		service.WithPerClient(f.config.RateLimit.PerClient),
		service.WithSinkTimeout(f.config.Server.SinkTimeout),
		service.WithLogger(util.Get()),
	}
	if f.config.RateLimit.PerClient {
		hasher, err := hashing.NewClientKeyHasher(f.config)
		if err != nil {
			return fmt.Errorf("client key hasher: %w", err)
		}
		opts = append(opts, service.WithClientKeyHasher(hasher.Hash))
	}
	if f.redisClient != nil {
		opts = append(opts, service.WithHealthCheck("redis", f.redisClient))
	}
	if f.submissionRepository != nil {
		opts = append(opts, service.WithReceipts(f.submissionRepository))
	}

	formatter := submission.NewFormatter(submission.WithDeepLinkHost(f.config.WhatsApp.Host))
	f.intakeService = service.NewIntakeService(f.limiter, formatter, f.config.WhatsApp.Destination, opts...)
	return nil
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.stopJanitor != nil {
			f.stopJanitor()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) IntakeService() *service.IntakeService {
	return f.intakeService
}
