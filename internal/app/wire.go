package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/optionamm/internal/blob/s3"
	"github.com/alanyoungcy/optionamm/internal/cache/redis"
	"github.com/alanyoungcy/optionamm/internal/config"
	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/events"
	"github.com/alanyoungcy/optionamm/internal/lock"
	"github.com/alanyoungcy/optionamm/internal/notify"
	"github.com/alanyoungcy/optionamm/internal/oracle"
	"github.com/alanyoungcy/optionamm/internal/server/handler"
	"github.com/alanyoungcy/optionamm/internal/store/postgres"
)

// streamBlock is how long a projector read waits on the Redis stream.
const streamBlock = 2 * time.Second

// Dependencies bundles the infrastructure every mode builds on. Stores and
// the archive are nil when their backend is disabled; caches, locks and the
// bus fall back to in-process implementations.
type Dependencies struct {
	// Stores
	MarketStore     domain.MarketStore
	TradeStore      domain.TradeStore
	RoundStore      domain.RoundStore
	SpeedStore      domain.SpeedMarketStore
	RiskChangeStore domain.RiskChangeStore
	AuditStore      domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archive *s3blob.Archive

	// Notifications
	Notifier *notify.Notifier

	// Events fans engine events out to the bus, audit log and notifier.
	Events *events.Publisher

	// Checks are reported by the health endpoint.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, clock domain.Clock, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- PostgreSQL read model ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.RoundStore = postgres.NewRoundStore(pool)
		deps.SpeedStore = postgres.NewSpeedMarketStore(pool)
		deps.RiskChangeStore = postgres.NewRiskChangeStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis, or in-process equivalents ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, clock)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, streamBlock, int64(cfg.Redis.StreamMaxLen))
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.WarnContext(ctx, "wire: redis disabled, using in-process cache, locks and event bus")
		deps.PriceCache = oracle.NewStaticSource()
		deps.LockManager = lock.NewLocal(clock)
		deps.SignalBus = events.NewMemoryBus(cfg.Redis.StreamMaxLen)
	}

	// --- S3 round reports and snapshots ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		objects := s3blob.NewObjects(s3Client)
		deps.Archive = s3blob.NewArchive(objects, objects, deps.AuditStore, clock, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	deps.Events = events.NewPublisher(deps.SignalBus, deps.AuditStore, deps.Notifier, logger)

	return deps, cleanup, nil
}
