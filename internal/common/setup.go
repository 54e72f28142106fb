package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"mox-ledger-go/internal/api"
	"mox-ledger-go/internal/database"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/formance"
	"mox-ledger-go/internal/gateway"
	"mox-ledger-go/internal/lock"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/network"
	"mox-ledger-go/internal/notify"
	"mox-ledger-go/internal/reconcile"
	"mox-ledger-go/internal/secrets"
	"mox-ledger-go/internal/settlement"
	"mox-ledger-go/internal/transfer"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	DbService     *database.Service
	Ledger        *network.Stellar
	Gateway       *gateway.Midtrans // nil without MIDTRANS_SERVER_KEY
	Redis         *redis.Client     // nil unless REDIS_ENABLED
	Notifier      *notify.Async
	Mirror        *formance.Mirror // nil unless FORMANCE_ENABLED
	Fees          *fees.Engine
	Orchestrator  *transfer.Orchestrator
	Reconciler    *settlement.Reconciler
	Sweeper       *reconcile.Sweeper
	LedgerService *api.LedgerService
	LedgerConfig  *LedgerConfig
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices opens the database and wires every component the
// configuration enables. Optional integrations that fail to start are fatal;
// ones that are disabled are simply left nil.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	ledgerCfg, err := LoadLedgerConfig(cfg.Ledger.ConfigFile)
	if err != nil {
		return nil, err
	}

	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	services := &Services{DbService: dbService, LedgerConfig: ledgerCfg}

	if err := services.wire(ctx, cfg); err != nil {
		services.Close()
		return nil, err
	}
	return services, nil
}

func (cs *Services) wire(ctx context.Context, cfg *models.Config) error {
	sealer, err := secrets.NewSealer(cfg.Ledger.SecretKey)
	if err != nil {
		return fmt.Errorf("invalid LEDGER_SECRET_KEY: %w", err)
	}

	cs.Fees, err = fees.NewEngine(cs.LedgerConfig.Rates(cfg.Ledger.FeeOverrides))
	if err != nil {
		return err
	}

	cs.Ledger, err = network.NewStellar(cfg.Network, cs.DbService)
	if err != nil {
		return err
	}

	var locker lock.Locker = lock.NewLocal()
	dispatchers := notify.Multi{}
	if cfg.Redis.Enabled {
		cs.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cs.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		locker = lock.NewRedis(cs.Redis, cfg.Redis.LockTTL, cfg.Redis.LockWait)
		dispatchers = append(dispatchers, notify.NewOutbox(cs.Redis, cfg.Redis.Stream))
		zap.L().Info("Using redis for locks and outbox", zap.String("addr", cfg.Redis.Addr))
	}
	if cfg.Notify.Enabled {
		push, err := notify.NewPush(ctx, cfg.Notify.CredentialsFile, cs.DbService)
		if err != nil {
			return err
		}
		dispatchers = append(dispatchers, push)
		zap.L().Info("Push notifications enabled")
	}
	cs.Notifier = notify.NewAsync(dispatchers, cfg.Notify.Timeout)

	var journal transfer.Journal
	if cfg.Formance.Enabled {
		cs.Mirror, err = formance.NewMirror(ctx, cfg.Formance, cs.LedgerConfig.Precisions())
		if err != nil {
			return err
		}
		journal = cs.Mirror
		zap.L().Info("Journal mirror enabled", zap.String("ledger", cfg.Formance.LedgerName))
	}

	cs.Orchestrator, err = transfer.NewOrchestrator(transfer.Deps{
		Store:    cs.DbService,
		Ledger:   cs.Ledger,
		Fees:     cs.Fees,
		Sealer:   sealer,
		Locker:   locker,
		Notifier: cs.Notifier,
		Journal:  journal,
	}, transfer.Config{
		NativeSymbol:      cfg.Network.NativeSymbol,
		ExplorerURL:       cfg.Network.ExplorerURL,
		CallTimeout:       cfg.Network.CallTimeout,
		OperatorAccountId: cfg.Ledger.OperatorAccountId,
	})
	if err != nil {
		return err
	}

	if cfg.Gateway.ServerKey != "" {
		cs.Gateway, err = gateway.NewMidtrans(cfg.Gateway)
		if err != nil {
			return err
		}
		cs.Reconciler, err = settlement.NewReconciler(settlement.Deps{
			Store:        cs.DbService,
			Orchestrator: cs.Orchestrator,
			Gateway:      cs.Gateway,
			Fees:         cs.Fees,
		}, settlement.Config{CallTimeout: cfg.Gateway.CallTimeout})
		if err != nil {
			return err
		}
	} else {
		zap.L().Warn("MIDTRANS_SERVER_KEY not set, trades are disabled")
	}

	cs.Sweeper = reconcile.NewSweeper(reconcile.SweeperConfig{
		Store:           cs.DbService,
		Orchestrator:    cs.Orchestrator,
		Reconciler:      cs.Reconciler,
		PollingInterval: cfg.Reconciler.PollingInterval,
		CleanupInterval: cfg.Reconciler.CleanupInterval,
		StaleAfter:      cfg.Reconciler.StaleAfter,
		PendingGrace:    cfg.Reconciler.PendingGrace,
		BatchSize:       cfg.Reconciler.BatchSize,
	})

	deps := api.Deps{
		Store:        cs.DbService,
		Orchestrator: cs.Orchestrator,
		Reconciler:   cs.Reconciler,
		Ledger:       cs.Ledger,
		Sealer:       sealer,
	}
	if cs.Mirror != nil {
		deps.Mirror = cs.Mirror
	}
	cs.LedgerService, err = api.NewLedgerService(deps)
	return err
}

// InitializeDatabaseOnly initializes just the database service
// Useful for read-only operations like querying balances
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

// Close waits for background settlement and deliveries before releasing
// connections.
func (cs *Services) Close() {
	if cs.Orchestrator != nil {
		cs.Orchestrator.Wait()
	}
	if cs.Notifier != nil {
		cs.Notifier.Wait()
	}
	if cs.Redis != nil {
		if err := cs.Redis.Close(); err != nil {
			zap.L().Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
