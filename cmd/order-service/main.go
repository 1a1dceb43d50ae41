package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordermgmt/internal/app"
	"github.com/vladislavdragonenkov/ordermgmt/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(app.ParseLogLevel(level))
}

// loadDotEnv подхватывает переменные из файлов .env; отсутствие файла не ошибка.
// Уже выставленные переменные окружения не перезаписываются.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func main() {
	if err := loadDotEnv(); err != nil {
		log.WithError(err).Warn("не удалось прочитать .env")
	}

	cfg, warnings := app.ConfigFromEnv()
	setupLogger(cfg.LogLevel)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":        version.String(),
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"http_addr":      cfg.HTTPAddr,
		"storage_driver": cfg.StorageDriver,
		"postgres_dsn":   cfg.RedactedDSN(),
	}).Info("запускаем OrderService")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("OrderService остановлен")
}
