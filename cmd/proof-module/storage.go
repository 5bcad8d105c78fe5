package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/proof-module/internal/config"
	"github.com/bigkaa/goartstore/proof-module/internal/database"
	"github.com/bigkaa/goartstore/proof-module/internal/repository"
	"github.com/bigkaa/goartstore/proof-module/internal/repository/sqlite"
)

// storage — открытое хранилище с репозиториями выбранного движка.
type storage struct {
	lists   repository.StatusListRepository
	jtis    repository.JTIRepository
	checker *database.ReadinessChecker
	// pgDB — адаптер pgxpool → *sql.DB для topologymetrics, nil для SQLite
	pgDB    *sql.DB
	closers []func()
}

// Close освобождает подключения в обратном порядке.
func (s *storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStorage подключается к хранилищу по PM_DB_DRIVER.
// migrate — применить миграции перед работой.
func openStorage(ctx context.Context, cfg *config.Config, migrate bool, logger *slog.Logger) (*storage, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := database.MigrateSQLite(db, logger); err != nil {
				db.Close()
				return nil, fmt.Errorf("миграции SQLite: %w", err)
			}
		}
		return &storage{
			lists:   sqlite.NewStatusListRepository(db),
			jtis:    sqlite.NewJTIRepository(db),
			checker: database.NewSQLiteReadinessChecker(db),
			closers: []func(){func() { db.Close() }},
		}, nil

	default:
		if migrate {
			logger.Info("Применение миграций БД...")
			if err := database.Migrate(cfg, logger); err != nil {
				return nil, fmt.Errorf("миграции PostgreSQL: %w", err)
			}
		}
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		// Проверка здоровья PostgreSQL в topologymetrics идёт через
		// существующий пул, что позволяет обнаружить его исчерпание.
		pgDB := stdlib.OpenDBFromPool(pool)
		return &storage{
			lists:   repository.NewStatusListRepository(pool),
			jtis:    repository.NewJTIRepository(pool),
			checker: database.NewReadinessChecker(pool),
			pgDB:    pgDB,
			closers: []func(){pool.Close, func() { pgDB.Close() }},
		}, nil
	}
}
