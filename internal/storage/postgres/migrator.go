package postgres

import (
	"cmp"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// migrationLockKey сериализует миграции между репликами через pg_advisory_lock.
const migrationLockKey = int64(20240510)

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

//go:embed sql/migrations/*.sql
var embeddedMigrations embed.FS

var migrationName = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)

type migration struct {
	version int64
	name    string
	up      string
	down    string
}

func (m migration) String() string {
	return fmt.Sprintf("%04d_%s", m.version, m.name)
}

// MigrationState — встроенная миграция и отметка о её применении.
type MigrationState struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// MigrateUp применяет неприменённые миграции по возрастанию; steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, true, steps)
}

// MigrateDown откатывает применённые миграции по убыванию; steps<=0 означает один шаг.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	return s.migrate(ctx, false, max(steps, 1))
}

// MigrationStatus возвращает последнюю применённую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (version int64, applied int, err error) {
	states, err := s.Migrations(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, st := range states {
		if st.Applied {
			applied++
			version = max(version, st.Version)
		}
	}
	return version, applied, nil
}

// Migrations перечисляет встроенные миграции с отметкой о применении.
func (s *Store) Migrations(ctx context.Context) ([]MigrationState, error) {
	if s == nil || s.pool == nil {
		return nil, errNotOpened
	}
	known, err := parseMigrations(embeddedMigrations)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, schemaMigrationsDDL); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	appliedAt := make(map[int64]time.Time)
	var (
		version int64
		at      time.Time
	)
	if _, err := pgx.ForEachRow(rows, []any{&version, &at}, func() error {
		appliedAt[version] = at.UTC()
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan schema_migrations: %w", err)
	}

	states := make([]MigrationState, 0, len(known))
	for _, m := range known {
		at, ok := appliedAt[m.version]
		states = append(states, MigrationState{Version: m.version, Name: m.name, Applied: ok, AppliedAt: at})
	}
	return states, nil
}

func (s *Store) migrate(ctx context.Context, up bool, steps int) error {
	if s == nil || s.pool == nil {
		return errNotOpened
	}
	known, err := parseMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		_, _ = conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	if _, err := conn.Exec(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	rows, err := conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("query schema_migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return fmt.Errorf("scan schema_migrations: %w", err)
	}
	applied := make(map[int64]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	for _, m := range plan(known, applied, up, steps) {
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if up {
				if _, err := tx.Exec(ctx, m.up); err != nil {
					return err
				}
				_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name)
				return err
			}
			if _, err := tx.Exec(ctx, m.down); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s migration %s: %w", direction(up), m, err)
		}
	}
	return nil
}

func direction(up bool) string {
	if up {
		return "up"
	}
	return "down"
}

// plan выбирает для up неприменённые миграции по возрастанию, для down применённые по убыванию.
func plan(known []migration, applied map[int64]bool, up bool, steps int) []migration {
	var out []migration
	for i := range known {
		m := known[i]
		if !up {
			m = known[len(known)-1-i]
		}
		if applied[m.version] != up {
			out = append(out, m)
		}
	}
	if steps > 0 && len(out) > steps {
		out = out[:steps]
	}
	return out
}

func parseMigrations(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, "sql/migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		base := path.Base(file)
		match := migrationName.FindStringSubmatch(base)
		if match == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration version in %s: %w", base, err)
		}
		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		m := byVersion[version]
		if m == nil {
			m = &migration{version: version, name: match[2]}
			byVersion[version] = m
		} else if m.name != match[2] {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.name, match[2])
		}

		slot := &m.up
		if match[3] == "down" {
			slot = &m.down
		}
		if *slot != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", match[3], version)
		}
		*slot = body
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" || m.down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", m)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	return out, nil
}
