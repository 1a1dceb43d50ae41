package app

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverSQLite   = "sqlite"
)

// Переменные окружения.
const (
	envGRPCAddr             = "OMS_GRPC_ADDR"
	envMetricsAddr          = "OMS_METRICS_ADDR"
	envHTTPAddr             = "OMS_HTTP_ADDR"
	envStorageDriver        = "OMS_STORAGE_DRIVER"
	envPostgresDSN          = "OMS_POSTGRES_DSN"
	envPostgresPassword     = "OMS_POSTGRES_PASSWORD"
	envPostgresPasswordFile = "OMS_POSTGRES_PASSWORD_FILE"
	envPostgresAutoMigrate  = "OMS_POSTGRES_AUTO_MIGRATE"
	envSQLitePath           = "OMS_SQLITE_PATH"
	envKafkaBrokers         = "KAFKA_BROKERS"
	envKafkaTopic           = "OMS_KAFKA_TOPIC"
	envLogLevel             = "OMS_LOG_LEVEL"
	envShutdownTimeout      = "OMS_SHUTDOWN_TIMEOUT"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	GRPCAddr    string
	MetricsAddr string
	HTTPAddr    string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	SQLitePath          string

	// KafkaBrokers: список брокеров через запятую; пусто: публикация событий выключена.
	KafkaBrokers string
	KafkaTopic   string

	LogLevel        string
	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		HTTPAddr:            ":8080",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		SQLitePath:          "oms.db",
		KafkaTopic:          "oms.order.events",
		LogLevel:            "info",
		ShutdownTimeout:     5 * time.Second,
	}
}

// RedactedDSN возвращает DSN без пароля, пригодный для логов.
func (c Config) RedactedDSN() string {
	return redactDSN(c.PostgresDSN)
}

type envLookup func(key string) (string, bool)

type fileReader func(name string) ([]byte, error)

// ConfigFromEnv читает конфигурацию из окружения процесса.
// Предупреждения о некорректных значениях нужно залогировать.
func ConfigFromEnv() (Config, []string) {
	return readConfigFromEnv(os.LookupEnv, os.ReadFile)
}

func readConfigFromEnv(lookup envLookup, readFile fileReader) (Config, []string) {
	cfg := DefaultConfig()
	var warnings []string

	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get(envGRPCAddr); ok {
		cfg.GRPCAddr = v
	}
	if v, ok := get(envMetricsAddr); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := get(envHTTPAddr); ok {
		cfg.HTTPAddr = v
	}

	if v, ok := get(envStorageDriver); ok {
		driver := strings.ToLower(v)
		switch driver {
		case StorageDriverMemory, StorageDriverPostgres, StorageDriverSQLite:
			cfg.StorageDriver = driver
		default:
			warnings = append(warnings, fmt.Sprintf("%s=%q is not supported, using %s", envStorageDriver, v, cfg.StorageDriver))
		}
	}

	if v, ok := get(envPostgresDSN); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := get(envPostgresAutoMigrate); ok {
		parsed, err := parseBool(v)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v, using %t", envPostgresAutoMigrate, err, cfg.PostgresAutoMigrate))
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}

	password, passwordSet := get(envPostgresPassword)
	if file, ok := get(envPostgresPasswordFile); ok {
		raw, err := readFile(file)
		switch {
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("%s: read secret: %v", envPostgresPasswordFile, err))
		default:
			if passwordSet {
				warnings = append(warnings, fmt.Sprintf("both %s and %s are set, using the file", envPostgresPassword, envPostgresPasswordFile))
			}
			password, passwordSet = strings.TrimRight(string(raw), "\r\n"), true
		}
	}
	if passwordSet && cfg.PostgresDSN != "" {
		dsn, err := injectPostgresPassword(cfg.PostgresDSN, password)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envPostgresDSN, err))
		} else {
			cfg.PostgresDSN = dsn
		}
	}

	if v, ok := get(envSQLitePath); ok {
		cfg.SQLitePath = v
	}
	if v, ok := get(envKafkaBrokers); ok {
		cfg.KafkaBrokers = v
	}
	if v, ok := get(envKafkaTopic); ok {
		cfg.KafkaTopic = v
	}

	if v, ok := get(envLogLevel); ok {
		if _, err := log.ParseLevel(v); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v, using %s", envLogLevel, err, cfg.LogLevel))
		} else {
			cfg.LogLevel = strings.ToLower(v)
		}
	}
	if v, ok := get(envShutdownTimeout); ok {
		parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v, using %s", envShutdownTimeout, err, cfg.ShutdownTimeout))
		} else {
			cfg.ShutdownTimeout = parsed
		}
	}

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("invalid duration %q: %s", raw, rule)
	}
	return value, nil
}

func isURLDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// injectPostgresPassword подставляет пароль в DSN формата URL или key=value.
func injectPostgresPassword(dsn, password string) (string, error) {
	if isURLDSN(dsn) {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
		username := ""
		if u.User != nil {
			username = u.User.Username()
		}
		u.User = url.UserPassword(username, password)
		return u.String(), nil
	}

	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(password)
	return strings.TrimSpace(dsn) + " password='" + escaped + "'", nil
}

var keywordPasswordPattern = regexp.MustCompile(`password=('(?:[^'\\]|\\.)*'|\S+)`)

func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if isURLDSN(dsn) {
		u, err := url.Parse(dsn)
		if err != nil {
			return "<invalid dsn>"
		}
		return u.Redacted()
	}
	return keywordPasswordPattern.ReplaceAllString(dsn, "password=xxxxx")
}

// ParseLogLevel возвращает уровень логирования или Info для неизвестного значения.
func ParseLogLevel(raw string) log.Level {
	level, err := log.ParseLevel(raw)
	if err != nil {
		return log.InfoLevel
	}
	return level
}
