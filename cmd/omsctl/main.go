package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordermgmt/internal/app"
	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
	"github.com/vladislavdragonenkov/ordermgmt/internal/service/orders"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var errUsage = errors.New("usage")

// action выполняет разобранную команду над репозиторием.
type action func(ctx context.Context, repo domain.Repository) (any, error)

type command struct {
	summary string
	parse   func(args []string) (action, error)
}

var commands = map[string]command{
	"create-user":    {"register a user with an explicit id", parseCreateUser},
	"create-product": {"add a catalogue product (actor must be an admin)", parseCreateProduct},
	"place-order":    {"place one order line per product, creating the user if needed", parsePlaceOrder},
	"cancel-order":   {"cancel an order line owned by the user", parseCancelOrder},
	"list-products":  {"print the whole catalogue", parseListProducts},
	"list-orders":    {"print products ordered by the user", parseListOrders},
	"is-admin":       {"report whether the user has the Admin role", parseIsAdmin},
	"user-role":      {"print the stored role of the user", parseUserRole},
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, warnings := app.ConfigFromEnv()

	global := flag.NewFlagSet("omsctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { printUsage(stderr) }
	driver := global.String("driver", cfg.StorageDriver, "storage driver: memory | postgres | sqlite")
	dsn := global.String("dsn", "", "PostgreSQL DSN (fallback: OMS_POSTGRES_DSN)")
	sqlitePath := global.String("sqlite-path", cfg.SQLitePath, "SQLite database file")
	logLevel := global.String("log-level", "warn", "log level")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}

	logger := log.New()
	logger.SetOutput(stderr)
	logger.SetLevel(app.ParseLogLevel(*logLevel))
	entry := logger.WithField("component", "omsctl")
	for _, warning := range warnings {
		entry.Warn(warning)
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return exitUsage
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		printUsage(stderr)
		return exitUsage
	}
	act, err := cmd.parse(rest[1:])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", rest[0], err)
		return exitUsage
	}

	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(*driver))
	cfg.SQLitePath = *sqlitePath
	if strings.TrimSpace(*dsn) != "" {
		cfg.PostgresDSN = strings.TrimSpace(*dsn)
	}

	repo, closeRepo, err := app.OpenRepository(ctx, cfg, entry)
	if err != nil {
		return reportError(stderr, err)
	}
	defer func() { _ = closeRepo() }()

	publisher, closePublisher, err := app.OpenEventPublisher(cfg, entry)
	if err != nil {
		entry.WithError(err).Warn("events will not be published")
	}
	defer closePublisher()

	// У CLI нет эндпоинта /metrics, поэтому метрики не собираются.
	svc := orders.NewService(repo, publisher, nil, entry)

	result, err := act(ctx, svc)
	if err != nil {
		if result != nil {
			_ = writeJSON(stdout, result)
		}
		return reportError(stderr, err)
	}
	if err := writeJSON(stdout, result); err != nil {
		_, _ = fmt.Fprintf(stderr, "write output: %v\n", err)
		return exitError
	}
	return exitOK
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: omsctl [-driver memory|postgres|sqlite] [-dsn DSN] [-sqlite-path FILE] <command> [flags]")
	_, _ = fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %-15s %s\n", name, commands[name].summary)
	}
}

type errorView struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind"`
}

func reportError(w io.Writer, err error) int {
	_ = writeJSON(w, errorView{Error: err.Error(), Kind: domain.KindOf(err)})
	return exitError
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

type productView struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Price           decimal.Decimal `json:"price"`
	QuantityInStock int32           `json:"quantity_in_stock"`
	Type            string          `json:"type,omitempty"`
}

func productViews(products []domain.Product) []productView {
	views := make([]productView, 0, len(products))
	for _, p := range products {
		views = append(views, productView{
			ID:              p.ID,
			Name:            p.Name,
			Description:     p.Description,
			Price:           p.Price,
			QuantityInStock: p.QuantityInStock,
			Type:            p.Type,
		})
	}
	return views
}

type orderView struct {
	ID        int64 `json:"id"`
	UserID    int64 `json:"user_id"`
	ProductID int64 `json:"product_id"`
}

func orderViews(created []domain.Order) []orderView {
	views := make([]orderView, 0, len(created))
	for _, o := range created {
		views = append(views, orderView{ID: o.ID, UserID: o.UserID, ProductID: o.ProductID})
	}
	return views
}

type userFlags struct {
	id       int64
	username string
	password string
	role     string
}

func (u *userFlags) register(fs *flag.FlagSet, idName string) {
	fs.Int64Var(&u.id, idName, 0, "user id")
	fs.StringVar(&u.username, "username", "", "user name")
	fs.StringVar(&u.password, "password", "", "user password")
	fs.StringVar(&u.role, "role", string(domain.RoleUser), "user role (Admin grants catalogue writes)")
}

func (u userFlags) user() domain.User {
	return domain.User{ID: u.id, Username: u.username, Password: u.password, Role: domain.Role(u.role)}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}
	return nil
}

func requireID(name string, value int64) error {
	if value <= 0 {
		return fmt.Errorf("%w: -%s must be > 0", errUsage, name)
	}
	return nil
}

func parseCreateUser(args []string) (action, error) {
	var u userFlags
	fs := newFlagSet("create-user")
	u.register(fs, "id")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if err := requireID("id", u.id); err != nil {
		return nil, err
	}
	return func(ctx context.Context, repo domain.Repository) (any, error) {
		if err := repo.CreateUser(ctx, u.user()); err != nil {
			return nil, err
		}
		return map[string]any{"created": true, "id": u.id}, nil
	}, nil
}

func parseCreateProduct(args []string) (action, error) {
	var (
		actor   int64
		product domain.Product
		price   string
		stock   int
	)
	fs := newFlagSet("create-product")
	fs.Int64Var(&actor, "actor", 0, "id of the admin creating the product")
	fs.StringVar(&product.Name, "name", "", "product name")
	fs.StringVar(&product.Description, "description", "", "product description")
	fs.StringVar(&price, "price", "0", "unit price, decimal")
	fs.IntVar(&stock, "stock", 0, "quantity in stock")
	fs.StringVar(&product.Type, "type", "", "product type")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if err := requireID("actor", actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(product.Name) == "" {
		return nil, fmt.Errorf("%w: -name is required", errUsage)
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return nil, fmt.Errorf("%w: -price: %v", errUsage, err)
	}
	if stock < 0 || stock > math.MaxInt32 {
		return nil, fmt.Errorf("%w: -stock out of range", errUsage)
	}
	product.Price = parsed
	product.QuantityInStock = int32(stock)

	return func(ctx context.Context, repo domain.Repository) (any, error) {
		// Проверка прав выполняется по сохранённой роли actor.
		created, err := repo.CreateProduct(ctx, domain.User{ID: actor}, product)
		if err != nil {
			return nil, err
		}
		return productViews([]domain.Product{created})[0], nil
	}, nil
}

func parsePlaceOrder(args []string) (action, error) {
	var (
		u          userFlags
		productIDs string
		atomic     bool
	)
	fs := newFlagSet("place-order")
	u.register(fs, "user")
	fs.StringVar(&productIDs, "products", "", "comma-separated product ids, one order line each")
	fs.BoolVar(&atomic, "atomic", false, "all lines or none")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if err := requireID("user", u.id); err != nil {
		return nil, err
	}
	ids, err := parseIDs(productIDs)
	if err != nil {
		return nil, err
	}

	products := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		products = append(products, domain.Product{ID: id})
	}

	return func(ctx context.Context, repo domain.Repository) (any, error) {
		place := repo.CreateOrder
		if atomic {
			place = repo.CreateOrderAtomic
		}
		created, err := place(ctx, u.user(), products)
		if err != nil && len(created) > 0 {
			// Частичный результат печатается вместе с ошибкой.
			return map[string]any{"orders": orderViews(created)}, err
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"orders": orderViews(created)}, nil
	}, nil
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, chunk := range strings.Split(raw, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		id, err := strconv.ParseInt(chunk, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: invalid product id %q", errUsage, chunk)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: -products is required", errUsage)
	}
	return ids, nil
}

func parseCancelOrder(args []string) (action, error) {
	var (
		userID  int64
		orderID int64
		atomic  bool
	)
	fs := newFlagSet("cancel-order")
	fs.Int64Var(&userID, "user", 0, "owner id")
	fs.Int64Var(&orderID, "order", 0, "order line id")
	fs.BoolVar(&atomic, "atomic", false, "run in a transaction")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if err := requireID("user", userID); err != nil {
		return nil, err
	}
	if err := requireID("order", orderID); err != nil {
		return nil, err
	}
	return func(ctx context.Context, repo domain.Repository) (any, error) {
		cancel := repo.CancelOrder
		if atomic {
			cancel = repo.CancelOrderAtomic
		}
		if err := cancel(ctx, userID, orderID); err != nil {
			return nil, err
		}
		return map[string]any{"canceled": orderID}, nil
	}, nil
}

func parseListProducts(args []string) (action, error) {
	if err := parseFlags(newFlagSet("list-products"), args); err != nil {
		return nil, err
	}
	return func(ctx context.Context, repo domain.Repository) (any, error) {
		products, err := repo.GetAllProducts(ctx)
		if err != nil {
			return nil, err
		}
		return productViews(products), nil
	}, nil
}

func parseUserID(name string, args []string) (int64, error) {
	var userID int64
	fs := newFlagSet(name)
	fs.Int64Var(&userID, "user", 0, "user id")
	if err := parseFlags(fs, args); err != nil {
		return 0, err
	}
	return userID, requireID("user", userID)
}

func parseListOrders(args []string) (action, error) {
	userID, err := parseUserID("list-orders", args)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, repo domain.Repository) (any, error) {
		products, err := repo.GetOrderByUser(ctx, domain.User{ID: userID})
		if err != nil {
			return nil, err
		}
		return productViews(products), nil
	}, nil
}

func parseIsAdmin(args []string) (action, error) {
	userID, err := parseUserID("is-admin", args)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, repo domain.Repository) (any, error) {
		admin, err := repo.IsAdmin(ctx, userID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"user_id": userID, "admin": admin}, nil
	}, nil
}

func parseUserRole(args []string) (action, error) {
	userID, err := parseUserID("user-role", args)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, repo domain.Repository) (any, error) {
		role, err := repo.UserRole(ctx, userID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"user_id": userID, "role": role}, nil
	}, nil
}
