package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	schemaGlob    = "sql/migrations/*.sql"
	schemaLockKey = int64(20240611)
	schemaLogDDL  = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	schemaStatusTimeout = 5 * time.Second
)

var (
	//go:embed sql/migrations/*.sql
	schemaFS embed.FS

	schemaFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

// schemaChange: пара up/down скриптов одной версии.
type schemaChange struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func (c schemaChange) label() string {
	return fmt.Sprintf("%d_%s", c.Version, c.Name)
}

// MigrateUp применяет ещё не применённые версии схемы; steps=0: все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает последние версии; steps<=0 трактуется как 1.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus возвращает последнюю применённую версию и число применённых версий.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, fmt.Errorf("postgres store is not initialized")
	}

	queryCtx, cancel := context.WithTimeout(ctx, schemaStatusTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, schemaLogDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure migration table: %w", err)
	}

	var (
		version int64
		count   int
	)
	if err := s.db.QueryRowContext(queryCtx, `
		SELECT COALESCE(MAX(version), 0), COUNT(*)
		FROM schema_migrations
	`).Scan(&version, &count); err != nil {
		return 0, 0, fmt.Errorf("query migration status: %w", err)
	}

	return version, count, nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}

	changes, err := loadSchemaChanges(schemaFS)
	if err != nil {
		return err
	}

	return s.withSchemaLock(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, schemaLogDDL); err != nil {
			return fmt.Errorf("ensure migration table: %w", err)
		}

		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}

		for _, change := range selectChanges(changes, applied, direction, steps) {
			if err := applyChange(ctx, conn, change, direction); err != nil {
				return err
			}
		}
		return nil
	})
}

// withSchemaLock выполняет fn на выделенном подключении под advisory lock,
// чтобы несколько процессов не применяли схему одновременно.
func (s *Store) withSchemaLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, schemaStatusTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	return fn(conn)
}

// selectChanges выбирает версии для применения: для up: неприменённые по
// возрастанию, для down: применённые по убыванию.
func selectChanges(changes []schemaChange, applied map[int64]bool, direction migrationDirection, steps int) []schemaChange {
	var selected []schemaChange

	if direction == migrationUp {
		for _, c := range changes {
			if applied[c.Version] {
				continue
			}
			selected = append(selected, c)
		}
	} else {
		for i := len(changes) - 1; i >= 0; i-- {
			if applied[changes[i].Version] {
				selected = append(selected, changes[i])
			}
		}
	}

	if steps > 0 && len(selected) > steps {
		selected = selected[:steps]
	}
	return selected
}

func applyChange(ctx context.Context, conn *sql.Conn, change schemaChange, direction migrationDirection) error {
	body, record := change.Up, `INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, NOW())`
	args := []any{change.Version, change.Name}
	if direction == migrationDown {
		body, record = change.Down, `DELETE FROM schema_migrations WHERE version = $1`
		args = args[:1]
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx (%s %s): %w", direction, change.label(), err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("execute %s migration %s: %w", direction, change.label(), err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s migration %s: %w", direction, change.label(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, change.label(), err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration version: %w", err)
		}
		result[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return result, nil
}

// loadSchemaChanges читает пары NNNN_name.{up,down}.sql и сортирует их по версии.
func loadSchemaChanges(fsys fs.FS) ([]schemaChange, error) {
	files, err := fs.Glob(fsys, schemaGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*schemaChange)
	for _, file := range files {
		base := path.Base(file)
		m := schemaFilePattern.FindStringSubmatch(base)
		if len(m) != 4 {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}

		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", base, err)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		change, ok := byVersion[version]
		if !ok {
			change = &schemaChange{Version: version, Name: m[2]}
			byVersion[version] = change
		} else if change.Name != m[2] {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, change.Name, m[2])
		}

		target := &change.Up
		if m[3] == string(migrationDown) {
			target = &change.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", m[3], version)
		}
		*target = body
	}

	changes := make([]schemaChange, 0, len(byVersion))
	for _, c := range byVersion {
		if c.Up == "" || c.Down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", c.label())
		}
		changes = append(changes, *c)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Version < changes[j].Version })

	return changes, nil
}
