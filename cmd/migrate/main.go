package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vladislavdragonenkov/ordermgmt/internal/app"
	"github.com/vladislavdragonenkov/ordermgmt/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
)

var errUsage = errors.New("usage error")

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fail("%v", err)
	}
}

// run разбирает флаги и применяет/откатывает миграции схемы заказов.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	var (
		direction string
		steps     int
		dsn       string
	)
	flags.StringVar(&direction, "direction", "up", "migration direction: up|down|status")
	flags.IntVar(&steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	flags.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: OMS_POSTGRES_DSN)")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	direction = strings.ToLower(strings.TrimSpace(direction))
	switch direction {
	case "up", "down", "status":
	default:
		return fmt.Errorf("%w: unsupported direction: %s (use up|down|status)", errUsage, direction)
	}

	if strings.TrimSpace(dsn) == "" {
		// Пароль из OMS_POSTGRES_PASSWORD(_FILE) подставляется конфигом приложения.
		cfg, _ := app.ConfigFromEnv()
		dsn = cfg.PostgresDSN
	}
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("%w: OMS_POSTGRES_DSN (or -dsn) is required", errUsage)
	}

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch direction {
	case "up":
		if err := store.MigrateUp(ctx, steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
	case "down":
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	label := "migrate " + direction + " ok"
	if direction == "status" {
		label = "migration status"
	}
	_, _ = fmt.Fprintf(stdout, "%s: version=%d applied=%d\n", label, version, count)
	return nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
