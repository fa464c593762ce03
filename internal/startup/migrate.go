package startup

import (
	"context"
	"fmt"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// RunMigrations применяет встроенные миграции goose через database/sql поверх пула pgx.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.Files)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("startup.RunMigrations dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("startup.RunMigrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}

type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...any) { logger.Errorf("goose: "+format, v...) }
func (gooseLogger) Printf(format string, v ...any) { logger.Debugf("goose: "+format, v...) }
