package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordermgmt/internal/app"
	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
	"github.com/vladislavdragonenkov/ordermgmt/internal/metrics"
	"github.com/vladislavdragonenkov/ordermgmt/internal/service/orders"
)

const adminUserID = int64(1)

type loadMode string

const (
	modePlace       loadMode = "place"
	modePlaceCancel loadMode = "place-cancel"
	modeAtomic      loadMode = "atomic"
)

type config struct {
	total        int
	totalSet     bool
	duration     time.Duration
	concurrency  int
	timeout      time.Duration
	mode         loadMode
	cancelRate   int
	products     int
	linesPerUser int
	userBase     int64
	outputPath   string
	app          app.Config
}

func parseConfig(args []string) (config, error) {
	cfg := config{app: app.DefaultConfig()}
	if envCfg, warnings := app.ConfigFromEnv(); len(warnings) == 0 {
		cfg.app = envCfg
	}

	var mode, driver, dsn string

	flags := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	flags.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration acts as an upper bound when set explicitly")
	flags.DurationVar(&cfg.duration, "duration", 0, "run for a fixed time instead of a fixed count")
	flags.IntVar(&cfg.concurrency, "concurrency", 16, "parallel workers")
	flags.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "timeout of a single scenario")
	flags.StringVar(&mode, "mode", string(modePlace), "place | place-cancel | atomic")
	flags.IntVar(&cfg.cancelRate, "cancel-rate", 0, "share of place scenarios that also cancel, percent")
	flags.IntVar(&cfg.products, "products", 10, "catalogue size to seed")
	flags.IntVar(&cfg.linesPerUser, "lines", 3, "order lines per scenario")
	flags.Int64Var(&cfg.userBase, "user-base", 0, "first customer id, 0 derives one from the clock")
	flags.StringVar(&driver, "driver", cfg.app.StorageDriver, "memory | postgres | sqlite")
	flags.StringVar(&dsn, "dsn", "", "PostgreSQL DSN, defaults to OMS_POSTGRES_DSN")
	flags.StringVar(&cfg.app.SQLitePath, "sqlite-path", cfg.app.SQLitePath, "SQLite database file")
	flags.StringVar(&cfg.outputPath, "output", "", "write the JSON report to this file")
	if err := flags.Parse(args); err != nil {
		return cfg, err
	}
	flags.Visit(func(f *flag.Flag) { cfg.totalSet = cfg.totalSet || f.Name == "total" })

	cfg.mode = loadMode(strings.TrimSpace(mode))
	cfg.app.StorageDriver = strings.ToLower(strings.TrimSpace(driver))
	if dsn = strings.TrimSpace(dsn); dsn != "" {
		cfg.app.PostgresDSN = dsn
	}
	if cfg.userBase == 0 {
		cfg.userBase = time.Now().UnixMicro()
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch c.mode {
	case modePlace, modePlaceCancel, modeAtomic:
	default:
		return fmt.Errorf("unknown mode %q", c.mode)
	}

	var errs []error
	if c.duration < 0 {
		errs = append(errs, errors.New("duration is negative"))
	}
	if c.total <= 0 && (c.duration == 0 || c.totalSet) {
		errs = append(errs, errors.New("total must be positive"))
	}
	if c.concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	if c.timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.cancelRate < 0 || c.cancelRate > 100 {
		errs = append(errs, errors.New("cancel-rate is outside 0..100"))
	}
	if c.products <= 0 {
		errs = append(errs, errors.New("products must be positive"))
	}
	if c.linesPerUser <= 0 {
		errs = append(errs, errors.New("lines must be positive"))
	}
	if c.userBase <= adminUserID {
		errs = append(errs, fmt.Errorf("user-base must exceed the admin id %d", adminUserID))
	}
	return errors.Join(errs...)
}

// target описывает границу прогона для отчёта.
func (c config) target() string {
	switch {
	case c.duration <= 0:
		return fmt.Sprintf("count:%d", c.total)
	case c.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", c.duration, c.total)
	default:
		return fmt.Sprintf("duration:%s", c.duration)
	}
}

// cancels решает, отменяет ли сценарий с этим номером первую строку заказа.
func (c config) cancels(index int) bool {
	switch c.mode {
	case modePlaceCancel, modeAtomic:
		return true
	default:
		return index%100 < c.cancelRate
	}
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.WarnLevel)

	if err := runMain(context.Background(), os.Args[1:]); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := log.WithField("component", "loadtest")
	repo, closeRepo, err := app.OpenRepository(ctx, cfg.app, logger)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer func() { _ = closeRepo() }()

	result, err := run(ctx, cfg, repo, logger)
	if err != nil {
		return err
	}

	result.print(os.Stdout)
	if cfg.outputPath != "" {
		if err := saveReport(cfg.outputPath, result); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", result.Failed, result.Scenarios)
	}
	return nil
}

// run засевает каталог напрямую в репозиторий, затем гоняет сценарии через
// инструментированный сервис. Статистика операций берётся из его метрик.
func run(ctx context.Context, cfg config, repo domain.Repository, logger *log.Entry) (report, error) {
	catalogue, err := seedCatalogue(ctx, repo, cfg.products)
	if err != nil {
		return report{}, err
	}

	registry := prometheus.NewRegistry()
	svc := orders.NewService(repo, nil, metrics.NewRepositoryMetricsWithRegisterer(registry), logger)

	started := time.Now()
	scenarios := &scenarioLog{kinds: make(map[string]int64)}

	ids := scenarioIDs(ctx, cfg)
	var wg sync.WaitGroup
	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range ids {
				begin := time.Now()
				err := runScenario(ctx, svc, cfg, catalogue, index)
				scenarios.add(time.Since(begin), err)
			}
		}()
	}
	wg.Wait()

	ops, err := opsFromRegistry(registry)
	if err != nil {
		return report{}, fmt.Errorf("read operation metrics: %w", err)
	}
	return scenarios.report(cfg, started, time.Since(started), ops), nil
}

// seedCatalogue создаёт администратора и count товаров; повторный запуск переиспользует администратора.
func seedCatalogue(ctx context.Context, repo domain.Repository, count int) ([]domain.Product, error) {
	admin := domain.User{ID: adminUserID, Username: "loadtest-admin", Password: "loadtest", Role: domain.RoleAdmin}
	if err := repo.CreateUser(ctx, admin); err != nil && !domain.IsDuplicateKey(err) {
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	role, err := repo.UserRole(ctx, adminUserID)
	if err != nil {
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	if role != domain.RoleAdmin {
		return nil, fmt.Errorf("user %d has role %q, products need an admin", adminUserID, role)
	}

	catalogue := make([]domain.Product, 0, count)
	for i := range count {
		product, err := repo.CreateProduct(ctx, admin, domain.Product{
			Name:            fmt.Sprintf("load-product-%d", i),
			Price:           decimal.New(int64(100+i), -2),
			QuantityInStock: 1000,
			Type:            "loadtest",
		})
		if err != nil {
			return nil, fmt.Errorf("seed product %d: %w", i, err)
		}
		catalogue = append(catalogue, product)
	}
	return catalogue, nil
}

// scenarioIDs выдаёт номера сценариев, пока не исчерпан счётчик, время или ctx.
func scenarioIDs(ctx context.Context, cfg config) <-chan int {
	ids := make(chan int, cfg.concurrency*2)

	go func() {
		defer close(ids)

		var deadline <-chan time.Time
		if cfg.duration > 0 {
			timer := time.NewTimer(cfg.duration)
			defer timer.Stop()
			deadline = timer.C
		}
		bounded := cfg.duration <= 0 || cfg.totalSet

		for index := 0; !bounded || index < cfg.total; index++ {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-deadline:
				return
			case ids <- index:
			}
		}
	}()
	return ids
}

// runScenario размещает заказ нового покупателя и, если нужно, отменяет первую строку.
func runScenario(ctx context.Context, repo domain.Repository, cfg config, catalogue []domain.Product, index int) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	user := domain.User{
		ID:       cfg.userBase + int64(index),
		Username: fmt.Sprintf("load-user-%d", index),
		Password: "loadtest",
		Role:     domain.RoleUser,
	}
	lines := pickProducts(catalogue, index, cfg.linesPerUser)

	place, cancelLine := repo.CreateOrder, repo.CancelOrder
	if cfg.mode == modeAtomic {
		place, cancelLine = repo.CreateOrderAtomic, repo.CancelOrderAtomic
	}

	created, err := place(ctx, user, lines)
	if err != nil {
		return err
	}
	if len(created) != len(lines) {
		return domain.NewStoreError("place order", fmt.Errorf("%d of %d lines created", len(created), len(lines)))
	}
	if !cfg.cancels(index) {
		return nil
	}
	return cancelLine(ctx, user.ID, created[0].ID)
}

func pickProducts(catalogue []domain.Product, index, count int) []domain.Product {
	lines := make([]domain.Product, count)
	for i := range lines {
		lines[i] = catalogue[(index+i)%len(catalogue)]
	}
	return lines
}
