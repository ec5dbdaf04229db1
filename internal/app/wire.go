package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/duelarena/escrowd/internal/attest"
	s3blob "github.com/duelarena/escrowd/internal/blob/s3"
	"github.com/duelarena/escrowd/internal/cache/redis"
	"github.com/duelarena/escrowd/internal/config"
	"github.com/duelarena/escrowd/internal/crypto"
	"github.com/duelarena/escrowd/internal/domain"
	"github.com/duelarena/escrowd/internal/notify"
	"github.com/duelarena/escrowd/internal/store/memory"
	"github.com/duelarena/escrowd/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	RoundStore    domain.RoundStore
	LedgerStore   domain.LedgerStore
	TreasuryStore domain.TreasuryStore
	AuditStore    domain.AuditStore

	// Distributed infrastructure
	NonceRegistry domain.NonceRegistry
	LockManager   domain.LockManager
	EventBus      domain.EventBus
	RateLimiter   domain.RateLimiter

	// Attestation
	Verifier *attest.Verifier

	// Blob storage; nil when archival is disabled.
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
//
// Serve mode backs the ledger with PostgreSQL and the distributed
// infrastructure with Redis. Paper mode runs everything in process memory so
// the engine can be exercised without external services.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	verifier, err := buildVerifier(cfg.Oracle)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: oracle verifier: %w", err)
	}
	deps.Verifier = verifier

	switch cfg.Mode {
	case "paper":
		store := memory.NewStore()
		deps.RoundStore = store
		deps.LedgerStore = store
		deps.TreasuryStore = store
		deps.AuditStore = store.Audit()

		deps.NonceRegistry = memory.NewNonceRegistry()
		deps.LockManager = memory.NewLockManager()
		deps.EventBus = memory.NewEventBus()
		deps.RateLimiter = memory.NewRateLimiter()

	default: // serve
		// --- PostgreSQL ---
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
		deps.RoundStore = postgres.NewRoundStore(pool)
		deps.LedgerStore = postgres.NewLedgerStore(pool)
		deps.TreasuryStore = postgres.NewTreasuryStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)

		// --- Redis ---
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.NonceRegistry = redis.NewNonceRegistry(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)

		// --- S3 blob storage (archival is optional) ---
		if cfg.S3.Bucket != "" {
			s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
				Endpoint:       cfg.S3.Endpoint,
				Region:         cfg.S3.Region,
				Bucket:         cfg.S3.Bucket,
				AccessKey:      cfg.S3.AccessKey,
				SecretKey:      cfg.S3.SecretKey,
				UseSSL:         cfg.S3.UseSSL,
				ForcePathStyle: cfg.S3.ForcePathStyle,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: s3: %w", err)
			}
			closers = append(closers, func() { _ = s3Client.Close() })

			deps.Archiver = s3blob.NewRoundArchiver(s3blob.NewWriter(s3Client), deps.AuditStore)
		}
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

	return deps, cleanup, nil
}

// buildVerifier resolves the oracle public key from configuration. When only
// a private key source is configured (co-hosted signer deployments), the
// public key is derived from it.
func buildVerifier(cfg config.OracleConfig) (*attest.Verifier, error) {
	pubHex := cfg.PubKey
	if pubHex == "" {
		privHex, err := crypto.LoadOracleKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.PrivateKey,
			EncryptedKeyPath: cfg.EncryptedKeyPath,
			KeyPassword:      cfg.KeyPassword,
		})
		if err != nil {
			return nil, err
		}
		signer, err := attest.NewSigner(privHex)
		if err != nil {
			return nil, err
		}
		pubHex = signer.PubKeyHex()
	}
	return attest.NewVerifier(pubHex)
}
