package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"tool_broker/internal/billing"
	"tool_broker/internal/catalog"
	"tool_broker/internal/config"
	"tool_broker/internal/instrument"
	"tool_broker/internal/logging"
	"tool_broker/internal/models"
	"tool_broker/internal/providers"
	"tool_broker/internal/queue"
	"tool_broker/internal/storage"
	"tool_broker/internal/usage"
	"tool_broker/internal/utils"
)

// UserStore is what the broker needs from user persistence
type UserStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.User, error)
	Save(ctx context.Context, user *models.User) error
	UpdateLocked(ctx context.Context, id uuid.UUID, mutate func(*models.User) error) error
	UpdateOnce(ctx context.Context, opID, id uuid.UUID, mutate func(*models.User) error) (bool, error)
}

// SponsorshipStore is what the broker needs from sponsorship persistence
type SponsorshipStore interface {
	GetByReceiverID(ctx context.Context, receiverID uuid.UUID, limit int) ([]models.Sponsorship, error)
	Create(ctx context.Context, sponsorship *models.Sponsorship) error
}

// UsageStore is the durable home of usage records
type UsageStore interface {
	storage.UsageWriter
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.UsageRecord, error)
	SpentByPayer(ctx context.Context, payerID uuid.UUID) (float64, error)
}

// App holds the wired services the commands run against.
type App struct {
	Config       *config.Config
	Catalog      *catalog.Catalog
	Users        UserStore
	Sponsorships SponsorshipStore
	Usage        UsageStore
	Spending     billing.Service
	Credits      *billing.CreditService // nil when credits are disabled
	Tracking     *usage.TrackingService
	Metrics      *instrument.Metrics
	Providers    *providers.Factory
	DB           *storage.DB // nil unless a store lives in Postgres

	UsageWorker     *storage.UsageQueueWorker
	DeductionWorker *billing.DeductionQueueWorker

	usageQueue    queue.Queue[*models.UsageRecord]
	sink          logging.Sink
	meterProvider *sdkmetric.MeterProvider
	metricsReader *sdkmetric.ManualReader
	closers       []func() error
	logger        *utils.Logger
}

// Opener builds the App a command runs against
type Opener func(ctx context.Context) (*App, error)

// OpenFromEnv loads the configuration and opens the App it describes
func OpenFromEnv(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return Open(ctx, cfg)
}

// Open connects the stores selected by cfg and wires the services on top
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	if level, err := utils.ParseLogLevel(cfg.LogLevel); err == nil {
		utils.SetDefaultLogLevel(level)
	}

	app := &App{Config: cfg, logger: utils.NewLogger("broker")}
	if err := app.wire(ctx); err != nil {
		if closeErr := app.Close(ctx); closeErr != nil {
			app.logger.Warn("Failed to release resources", "error", closeErr)
		}
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config

	var err error
	a.Catalog, err = catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	var enc *storage.Encryption
	if cfg.Security.CredentialsSecret != "" {
		enc, err = storage.NewEncryptionFromSecret(cfg.Security.CredentialsSecret)
		if err != nil {
			return fmt.Errorf("failed to set up credential encryption: %w", err)
		}
	} else if cfg.Backend != config.BackendMemory {
		a.logger.Warn("CREDENTIALS_SECRET not set, user API keys are stored in plain text")
	}

	if err := a.openStores(ctx, enc); err != nil {
		return err
	}
	if err := a.openQueues(); err != nil {
		return err
	}
	if err := a.openArchive(ctx); err != nil {
		return err
	}

	if cfg.Billing.CreditsEnabled {
		opts := []billing.Option{billing.WithCharsPerToken(cfg.Billing.CharsPerToken)}
		if a.DeductionWorker != nil {
			opts = append(opts, billing.WithRetryQueue(a.DeductionWorker))
		}
		a.Credits = billing.NewCreditService(a.Users, cfg.Billing.MaintenanceFee, opts...)
		a.Spending = a.Credits
	} else {
		a.Spending = billing.NewNoopService()
	}

	var usageStore usage.Store = a.Usage
	if a.usageQueue != nil {
		usageStore = storage.NewAsyncUsageStore(a.usageQueue, a.Usage)
	}
	a.Tracking = usage.NewTrackingService(usageStore, cfg.Billing.MaintenanceFee, usage.WithSink(a.sink))

	a.metricsReader = sdkmetric.NewManualReader()
	a.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(a.metricsReader))
	otel.SetMeterProvider(a.meterProvider)
	a.Metrics, err = instrument.NewMetrics(a.meterProvider.Meter("tool_broker"))
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	a.Providers = providers.NewFactory(
		providers.WithBaseURL(models.ProviderIDOpenAI, cfg.Providers.OpenAIBaseURL),
		providers.WithBaseURL(models.ProviderIDPerplexity, cfg.Providers.PerplexityBaseURL),
		providers.WithTimeout(cfg.Providers.Timeout),
	)
	a.closers = append(a.closers, a.Providers.Close)
	return nil
}

func (a *App) openStores(ctx context.Context, enc *storage.Encryption) error {
	cfg := a.Config

	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := a.openDB(ctx)
		if err != nil {
			return err
		}
		a.Users = db.NewUserRepository(enc)
		a.Sponsorships = db.NewSponsorshipRepository()
		a.Usage = db.NewUsageRepository()

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}

		opts := []storage.RedisStoreOption{
			storage.WithKeyPrefix(cfg.Redis.KeyPrefix),
			storage.WithUpdateRetries(cfg.Redis.UpdateRetries),
		}
		if enc != nil {
			opts = append(opts, storage.WithEncryption(enc))
		}
		store := storage.NewRedisUserStore(client, opts...)
		a.Users = store
		a.Sponsorships = store

		// Usage records still belong in Postgres when one is configured
		if cfg.Database.URL != "" {
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			a.Usage = db.NewUsageRepository()
		} else {
			a.logger.Warn("DATABASE_URL not set, usage records are kept in memory")
			a.Usage = storage.NewMemoryUsageStore()
		}

	case config.BackendMemory:
		a.Users = storage.NewMemoryUserStore()
		a.Sponsorships = storage.NewMemorySponsorshipStore()
		a.Usage = storage.NewMemoryUsageStore()

	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

func (a *App) openDB(ctx context.Context) (*storage.DB, error) {
	if a.DB != nil {
		return a.DB, nil
	}

	cfg := a.Config.Database
	dbCfg := storage.DefaultDBConfig()
	dbCfg.URL = cfg.URL
	dbCfg.MaxOpenConns = cfg.MaxOpenConns
	dbCfg.MaxIdleConns = cfg.MaxIdleConns
	dbCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	dbCfg.ConnMaxIdleTime = cfg.ConnMaxIdleTime

	db, err := storage.NewDB(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	a.DB = db
	return db, nil
}

func (a *App) queueConfig(name string, wq config.WorkerQueueConfig) *queue.Config {
	qcfg := queue.DefaultConfig(name)
	qcfg.BatchSize = wq.BatchSize
	qcfg.BatchTimeout = wq.BatchTimeout
	qcfg.MaxRetries = wq.MaxRetries
	qcfg.RetryBackoff = wq.RetryBackoff
	qcfg.UseRedis = a.Config.Queue.UseRedis
	qcfg.RedisAddr = a.Config.Redis.Address
	qcfg.RedisPassword = a.Config.Redis.Password
	qcfg.RedisDB = a.Config.Redis.DB
	qcfg.KeyPrefix = a.Config.Redis.KeyPrefix
	return qcfg
}

func (a *App) openQueues() error {
	cfg := a.Config.Queue

	if cfg.Usage.Enabled {
		qcfg := a.queueConfig("usage", cfg.Usage)
		q, dlq, err := queue.New[*models.UsageRecord](qcfg)
		if err != nil {
			return fmt.Errorf("failed to open usage queue: %w", err)
		}
		a.closers = append(a.closers, dlq.Close, q.Close)
		a.usageQueue = q
		a.UsageWorker = storage.NewUsageQueueWorker(q, dlq, a.Usage, qcfg)
	}

	if cfg.Deduction.Enabled && a.Config.Billing.CreditsEnabled {
		qcfg := a.queueConfig("deductions", cfg.Deduction)
		q, dlq, err := queue.New[*billing.Deduction](qcfg)
		if err != nil {
			return fmt.Errorf("failed to open deduction queue: %w", err)
		}
		a.closers = append(a.closers, dlq.Close, q.Close)
		a.DeductionWorker = billing.NewDeductionQueueWorker(q, dlq, a.Users, qcfg)
	}
	return nil
}

func (a *App) openArchive(ctx context.Context) error {
	cfg := a.Config.Archive
	if !cfg.Enabled {
		a.sink = logging.NewNoopSink()
		return nil
	}

	var writer logging.BatchWriter
	switch cfg.Target {
	case config.ArchiveS3:
		s3Writer, err := logging.NewS3Writer(ctx, logging.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Prefix:    cfg.S3Prefix,
			PodName:   cfg.PodName,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Gzip:      cfg.S3Gzip,
		})
		if err != nil {
			return err
		}
		writer = s3Writer
	case config.ArchiveFile:
		fileWriter, err := logging.NewFileWriter(cfg.FilePathTemplate, cfg.FileMaxSize, cfg.FileMaxFiles)
		if err != nil {
			return fmt.Errorf("failed to open usage archive file: %w", err)
		}
		a.closers = append(a.closers, fileWriter.Close)
		writer = fileWriter
	default:
		return fmt.Errorf("unknown archive target %q", cfg.Target)
	}

	a.sink = logging.NewArchiveSink(writer, logging.ArchiveConfig{
		BufferSize:    cfg.BufferSize,
		FlushSize:     cfg.FlushSize,
		FlushInterval: cfg.FlushInterval,
	})
	return nil
}

// Close flushes the archive and releases connections, newest first
func (a *App) Close(ctx context.Context) error {
	var errs []error

	if a.meterProvider != nil {
		a.logMetrics(ctx)
		if err := a.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down metrics: %w", err))
		}
		a.meterProvider = nil
	}

	if a.sink != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := a.sink.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush usage archive: %w", err))
		}
		cancel()
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// CollectMetrics reads the current value of every broker metric
func (a *App) CollectMetrics(ctx context.Context) (*metricdata.ResourceMetrics, error) {
	if a.metricsReader == nil {
		return nil, errors.New("metrics are not enabled")
	}
	var rm metricdata.ResourceMetrics
	if err := a.metricsReader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}
	return &rm, nil
}

// logMetrics writes the process totals at debug level before shutdown
func (a *App) logMetrics(ctx context.Context) {
	rm, err := a.CollectMetrics(ctx)
	if err != nil {
		a.logger.Warn("Failed to collect metrics", "error", err)
		return
	}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				a.logger.Debug("Metric total", "name", m.Name, "value", total)
			case metricdata.Sum[float64]:
				var total float64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				a.logger.Debug("Metric total", "name", m.Name, "value", total)
			case metricdata.Histogram[float64]:
				var count uint64
				for _, dp := range data.DataPoints {
					count += dp.Count
				}
				a.logger.Debug("Metric total", "name", m.Name, "count", count)
			}
		}
	}
}
