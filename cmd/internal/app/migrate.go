package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// The pgx/v5 driver registers the pgx5:// scheme; the file source reads
	// .sql pairs from disk.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies pending migrations from cfg.MigrationsDir before
// traffic is served. A dirty database fails startup; guessing past a
// half-applied migration is worse than refusing to boot.
func RunMigrations(log Logger, cfg Config) error {
	m, err := migrate.New("file://"+cfg.MigrationsDir, pgx5URL(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("app: open migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			log.Error("db.migrate.close.fail", "err", srcErr)
		}
		if dbErr != nil {
			log.Error("db.migrate.close.fail", "err", dbErr)
		}
	}()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("app: read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("app: database dirty at migration %d, manual intervention required", version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("db.migrate.noop", "version", version)
			return nil
		}
		return fmt.Errorf("app: apply migrations: %w", err)
	}

	applied, _, _ := m.Version()
	log.Info("db.migrate.done", "from", version, "to", applied)
	return nil
}

// pgx5URL rewrites a postgres scheme to the pgx5 scheme golang-migrate's
// driver registers under.
func pgx5URL(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"):
		return "pgx5://" + strings.TrimPrefix(dsn, "postgres://")
	case strings.HasPrefix(dsn, "postgresql://"):
		return "pgx5://" + strings.TrimPrefix(dsn, "postgresql://")
	default:
		return dsn
	}
}
