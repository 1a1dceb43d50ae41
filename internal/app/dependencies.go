package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ordermgmt/internal/health"
	"github.com/vladislavdragonenkov/ordermgmt/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordermgmt/internal/storage/postgres"
	"github.com/vladislavdragonenkov/ordermgmt/internal/storage/sqlite"
)

type runtimeDependencies struct {
	repo           domain.Repository
	storageChecker healthcheck.Checker
	closeFn        func() error
}

// Close освобождает ресурсы хранилища. Безопасен для nil.
func (d *runtimeDependencies) Close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

type memoryPinger struct{}

func (memoryPinger) Ping(ctx context.Context) error {
	return ctx.Err()
}

// initRuntimeDependencies открывает хранилище, выбранное в cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	switch driver {
	case "", StorageDriverMemory:
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			repo:           memory.NewRepository(),
			storageChecker: healthcheck.NewPingChecker("storage", memoryPinger{}),
		}, nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("%s is required for storage driver %s", envPostgresDSN, StorageDriverPostgres)
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres (%s): %w", cfg.RedactedDSN(), err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("bootstrap postgres schema: %w", err)
			}
			logger.Info("postgres schema is up to date")
		}
		logger.WithField("dsn", cfg.RedactedDSN()).Info("using postgres storage")
		return &runtimeDependencies{
			repo:           postgres.NewRepository(store),
			storageChecker: healthcheck.NewPingChecker("storage", store),
			closeFn:        store.Close,
		}, nil

	case StorageDriverSQLite:
		path := strings.TrimSpace(cfg.SQLitePath)
		if path == "" {
			return nil, fmt.Errorf("%s is required for storage driver %s", envSQLitePath, StorageDriverSQLite)
		}
		store, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		logger.WithField("path", path).Info("using sqlite storage")
		return &runtimeDependencies{
			repo:           sqlite.NewRepository(store),
			storageChecker: healthcheck.NewPingChecker("storage", store),
			closeFn:        store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}
}

// OpenRepository открывает хранилище по конфигурации для утилит командной строки.
// Возвращаемую функцию нужно вызвать для закрытия соединения.
func OpenRepository(ctx context.Context, cfg Config, logger *log.Entry) (domain.Repository, func() error, error) {
	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return deps.repo, deps.Close, nil
}
