package purchasesdb

import (
	"context"
	"database/sql"
	"errors"

	"trading/internal/catalog"
)

// CatalogStore is the Postgres catalog read model. It doubles as the price lookup.
type CatalogStore struct {
	db *sql.DB
}

// NewCatalogStore constructs a CatalogStore backed by Postgres.
func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// NewCatalogStoreWithSchema initializes the schema then returns the store.
func NewCatalogStoreWithSchema(ctx context.Context, db *sql.DB) (*CatalogStore, error) {
	store := NewCatalogStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the catalog_items table if it does not exist.
func (s *CatalogStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS catalog_items (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price DOUBLE PRECISION NOT NULL
		)
	`)
	return err
}

func (s *CatalogStore) Get(ctx context.Context, id string) (catalog.Item, error) {
	var item catalog.Item
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, price FROM catalog_items WHERE id = $1`, id)
	if err := row.Scan(&item.ID, &item.Name, &item.Description, &item.Price); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Item{}, catalog.ErrItemNotFound
		}
		return catalog.Item{}, err
	}
	return item, nil
}

// GetPrice reports found=false for an unknown item; err is left for database failures.
func (s *CatalogStore) GetPrice(ctx context.Context, itemID string) (float64, bool, error) {
	var price float64
	row := s.db.QueryRowContext(ctx, `SELECT price FROM catalog_items WHERE id = $1`, itemID)
	switch err := row.Scan(&price); {
	case err == nil:
		return price, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	default:
		return 0, false, err
	}
}

func (s *CatalogStore) Create(ctx context.Context, item catalog.Item) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_items (id, name, description, price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		item.ID, item.Name, item.Description, item.Price,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *CatalogStore) Upsert(ctx context.Context, item catalog.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_items (id, name, description, price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description, price = EXCLUDED.price`,
		item.ID, item.Name, item.Description, item.Price,
	)
	return err
}

func (s *CatalogStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM catalog_items WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
