package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

type AppliedMigration struct {
	Version   int
	Name      string
	Checksum  string
	AppliedBy string
	AppliedAt time.Time
}

// LoadMigrations returns the embedded migration files ordered by version.
func LoadMigrations() ([]Migration, error) {
	return readMigrations(migrationFiles, "migrations")
}

func readMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	migrations := make([]Migration, 0, len(entries))
	seen := make(map[int]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationPattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if other, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %04d: %s and %s", version, other, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: entry.Name(),
			SQL:      string(content),
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (s *Store) ensureSchemaMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_by TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (s *Store) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	if err := s.ensureSchemaMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, name, checksum, applied_by, applied_at
		FROM schema_migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make([]AppliedMigration, 0, 8)
	for rows.Next() {
		var am AppliedMigration
		if err := rows.Scan(&am.Version, &am.Name, &am.Checksum, &am.AppliedBy, &am.AppliedAt); err != nil {
			return nil, err
		}
		am.AppliedAt = am.AppliedAt.UTC()
		applied = append(applied, am)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return applied, nil
}

// PendingMigrations lists embedded migrations not yet applied. A migration whose
// file changed after it was applied is an error.
func (s *Store) PendingMigrations(ctx context.Context) ([]Migration, error) {
	migrations, err := LoadMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := s.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	return pendingMigrations(migrations, applied)
}

func pendingMigrations(migrations []Migration, applied []AppliedMigration) ([]Migration, error) {
	checksums := make(map[int]string, len(applied))
	for _, am := range applied {
		checksums[am.Version] = am.Checksum
	}

	pending := make([]Migration, 0, len(migrations))
	for _, migration := range migrations {
		checksum, ok := checksums[migration.Version]
		if !ok {
			pending = append(pending, migration)
			continue
		}
		if checksum != migration.Checksum {
			return nil, fmt.Errorf("migration %04d_%s changed after it was applied", migration.Version, migration.Name)
		}
	}
	return pending, nil
}

// Migrate applies pending migrations, each in its own transaction. It is only called
// from the migrate command, never while serving requests.
func (s *Store) Migrate(ctx context.Context, appliedBy string, logger *zap.Logger) (int, error) {
	pending, err := s.PendingMigrations(ctx)
	if err != nil {
		return 0, err
	}

	appliedCount := 0
	for _, migration := range pending {
		label := fmt.Sprintf("%04d_%s", migration.Version, migration.Name)
		logger.Info("running migration", zap.String("migration", label))
		if err := s.applyMigration(ctx, migration, appliedBy); err != nil {
			return appliedCount, fmt.Errorf("migration %s: %w", label, err)
		}
		logger.Info("applied migration", zap.String("migration", label))
		appliedCount++
	}
	return appliedCount, nil
}

func (s *Store) applyMigration(ctx context.Context, migration Migration, appliedBy string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, checksum, applied_by, applied_at)
		VALUES ($1,$2,$3,$4,now())
	`, migration.Version, migration.Name, migration.Checksum, appliedBy)
	if err != nil {
		return err
	}
	return tx.Commit()
}
