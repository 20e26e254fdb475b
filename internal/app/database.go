package app

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/database"
)

func databaseOptions(cfg *config.Config) database.Options {
	return database.Options{
		Driver:          cfg.DatabaseDriver,
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}
}

// OpenDatabase connects with a linear backoff of one second per failed attempt
func OpenDatabase(ctx context.Context, cfg *config.Config, logger ectologger.Logger) (database.DB, error) {
	attempts := max(cfg.StartupMaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := database.Open(ctx, databaseOptions(cfg), logger)
		if err == nil {
			return db, nil
		}
		lastErr = err

		logger.WithContext(ctx).WithFields(map[string]any{
			"attempt":      attempt,
			"max_attempts": attempts,
		}).Warn("Database not reachable yet")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, errors.Wrapf(lastErr, "failed to connect to database after %d attempts", attempts)
}

// Migrate applies db/pg to the configured database
func Migrate(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	db, err := OpenDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(max(cfg.DatabaseMigrationVersion, 0)),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return migrations.MigratePostgres(db, cfg.DatabaseName)
}
