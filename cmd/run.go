package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"raffler/application"
	"raffler/config"
	"raffler/database"
	"raffler/domain/interfaces"
	"raffler/domain/services"
	"raffler/infrastructure"
	"raffler/infrastructure/broker"
	"raffler/infrastructure/cache"
	"raffler/infrastructure/observability"
)

const serviceName = "raffler"

// ConfigureLogging applies the configured level and format to the standard logger
func ConfigureLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.IsDevelopment() {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

// Run initializes and starts the application
func Run(ctx context.Context) error {
	cfg := config.Get()
	ConfigureLogging(cfg)
	log.WithField("environment", cfg.Environment).Info("Starting raffler...")

	if err := observability.InitializeGlobalMetrics(ctx, cfg); err != nil {
		log.WithError(err).Warn("Failed to initialize metrics, continuing without them")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.ShutdownGlobalMetrics(shutdownCtx); err != nil {
			log.WithError(err).Error("Error flushing metrics")
		}
	}()

	log.Info("Connecting to database...")
	db, err := database.NewConnection(ctx, cfg.GetDatabaseURL(), database.PoolOptions{
		ApplicationName: serviceName,
		MaxConns:        cfg.DatabaseMaxConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info("Database connection established successfully")

	publisher, closePublisher, err := newEventPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	uowFactory := infrastructure.NewUnitOfWorkFactory(db, publisher)

	snapshots, closeSnapshots, err := newSnapshotStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSnapshots()
	raffleCache := services.NewRaffleCacheService(snapshots, uowFactory, publisher, cfg.CacheEndedRetention)

	b, err := newBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.WithError(err).Error("Error closing broker")
		}
	}()

	balanceClient := application.NewBalanceClient(b, cfg.BalanceQueue, cfg.RPCTimeout)
	credits := application.NewDeferredCreditWorker(uowFactory, balanceClient)
	numbers := services.NewCryptoNumberSource()

	draws := services.NewDrawService(uowFactory, raffleCache, numbers, credits, cfg.RevealDuration)
	tickets := services.NewTicketService(uowFactory, raffleCache, balanceClient, draws, numbers)
	raffles := services.NewRaffleService(uowFactory, raffleCache, credits)

	// Warm the cache before the first purchase reads it
	if _, err := raffleCache.GetAll(ctx); err != nil {
		log.WithError(err).Warn("Failed to build raffle cache, it will be rebuilt on demand")
	}

	balanceWorker := application.NewBalanceMutationWorker(b, cfg.BalanceQueue, services.NewBalanceService(uowFactory, credits))
	stopBalances, err := balanceWorker.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start balance serializer: %w", err)
	}
	defer stopBalances()

	coordinator := application.NewRaffleCoordinator(b, tickets, draws, raffles)
	stopRaffles, err := coordinator.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start raffle pipelines: %w", err)
	}
	defer stopRaffles()

	stopCredits := credits.Start(ctx)
	defer stopCredits()

	deadlines := application.NewDeadlineWorker(uowFactory, application.NewRaffleClient(b, cfg.RPCTimeout), cfg.DeadlineSweepInterval)
	stopDeadlines, err := deadlines.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start deadline worker: %w", err)
	}
	defer stopDeadlines()

	log.WithField("environment", cfg.Environment).Info("Raffler is running")
	<-ctx.Done()

	log.Info("Shutting down raffler...")
	return nil
}

// newEventPublisher connects to NATS when servers are configured. Without NATS, events
// are dropped after commit.
func newEventPublisher(ctx context.Context, cfg *config.Config) (interfaces.EventPublisher, func(), error) {
	if cfg.NATSServers == "" {
		log.Info("NATS_SERVERS not set, event broadcasting disabled")
		return infrastructure.NewNoopEventPublisher(), func() {}, nil
	}

	client := infrastructure.NewNATSClient(cfg.NATSServers, serviceName)
	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Error("Error closing NATS connection")
		}
	}
	return infrastructure.NewNATSEventPublisher(client, infrastructure.NewEventSubjectMapper()), closer, nil
}

// newSnapshotStore uses Redis when configured and process memory otherwise
func newSnapshotStore(ctx context.Context, cfg *config.Config) (interfaces.RaffleSnapshotStore, func(), error) {
	if cfg.RedisURL == "" {
		log.Info("REDIS_URL not set, keeping raffle cache in memory")
		return cache.NewMemorySnapshotStore(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.WithField("addr", opts.Addr).Info("Connected to Redis")

	closer := func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Error("Error closing Redis connection")
		}
	}
	return cache.NewRedisSnapshotStore(client, cfg.CacheKeyPrefix), closer, nil
}

// newBroker connects to RabbitMQ when configured. The in-memory broker only serves a
// single process.
func newBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	opts := broker.Options{
		RetryDelay:     cfg.BrokerRetryDelay,
		ReconnectDelay: cfg.BrokerReconnectDelay,
	}
	if cfg.RabbitMQURL == "" {
		log.Warn("RABBITMQ_URL not set, using in-memory broker")
		return broker.NewMemoryBroker(opts), nil
	}

	b, err := broker.NewAMQPBroker(cfg.RabbitMQURL, serviceName, opts)
	if err != nil {
		return nil, err
	}
	if err := b.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return b, nil
}
