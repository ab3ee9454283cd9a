package purchase

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"trading/internal/catalog"
	purchasesdb "trading/internal/db/purchases"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// Stores groups the persistence the purchase service runs on.
type Stores struct {
	Sagas   SagaStore
	Prices  PriceLookup
	Catalog catalog.Store
}

// BuildStores wires saga and catalog storage from a Postgres DSN.
// An empty DSN keeps everything in memory. A DSN that cannot be opened or
// initialized is an error; the service does not silently lose durability.
// The returned cleanup closes any external resources.
func BuildStores(ctx context.Context, dsn string, logger *slog.Logger) (Stores, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		items := catalog.NewInMemoryStore()
		logger.Info("storage in memory")
		return Stores{Sagas: NewInMemorySagaStore(), Prices: items, Catalog: items}, func() {}, nil
	}

	sqlDB, err := openDB("pgx", dsn)
	if err != nil {
		return Stores{}, nil, fmt.Errorf("open postgres: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(setupCtx); err != nil {
		_ = sqlDB.Close()
		return Stores{}, nil, fmt.Errorf("ping postgres: %w", err)
	}
	sagas, err := purchasesdb.NewSagaStoreWithSchema(setupCtx, sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return Stores{}, nil, fmt.Errorf("init saga schema: %w", err)
	}
	items, err := purchasesdb.NewCatalogStoreWithSchema(setupCtx, sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return Stores{}, nil, fmt.Errorf("init catalog schema: %w", err)
	}

	logger.Info("postgres storage enabled")
	cleanup := func() {
		if err := sqlDB.Close(); err != nil {
			logger.Warn("close postgres", "err", err)
		}
	}
	return Stores{Sagas: sagas, Prices: items, Catalog: items}, cleanup, nil
}
