package purchasesdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trading/internal/purchase/saga"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// SagaStore persists purchase sagas and their command outbox in Postgres.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga and outbox tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS purchase_sagas (
			correlation_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			user_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			purchase_total DOUBLE PRECISION,
			received TIMESTAMPTZ NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL,
			error_message TEXT,
			version INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS purchase_sagas_pending_idx
			ON purchase_sagas (last_updated)
			WHERE state NOT IN ('Completed', 'Faulted')`,
		`CREATE TABLE IF NOT EXISTS purchase_outbox (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			command_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			dispatched_at TIMESTAMPTZ,
			FOREIGN KEY (correlation_id) REFERENCES purchase_sagas(correlation_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS purchase_outbox_undispatched_idx
			ON purchase_outbox (seq)
			WHERE dispatched_at IS NULL`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

const sagaColumns = `correlation_id, state, user_id, item_id, quantity, purchase_total,
	received, last_updated, error_message, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (saga.PurchaseSaga, error) {
	var (
		out   saga.PurchaseSaga
		state string
		total sql.NullFloat64
		msg   sql.NullString
	)
	if err := row.Scan(&out.CorrelationID, &state, &out.UserID, &out.ItemID, &out.Quantity, &total,
		&out.Received, &out.LastUpdated, &msg, &out.Version); err != nil {
		return saga.PurchaseSaga{}, err
	}
	out.State = saga.State(state)
	if total.Valid {
		v := total.Float64
		out.PurchaseTotal = &v
	}
	if msg.Valid {
		v := msg.String
		out.ErrorMessage = &v
	}
	return out, nil
}

// Load returns the saga for correlationID or saga.ErrSagaNotFound.
func (s *SagaStore) Load(ctx context.Context, correlationID string) (saga.PurchaseSaga, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sagaColumns+`
		FROM purchase_sagas
		WHERE correlation_id = $1`,
		correlationID,
	)
	out, err := scanSaga(row)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.PurchaseSaga{}, saga.ErrSagaNotFound
	}
	return out, err
}

// Commit writes next and its outbox rows in one transaction, guarded by expectedVersion.
func (s *SagaStore) Commit(ctx context.Context, next saga.PurchaseSaga, expectedVersion int, outbox []saga.Envelope) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin saga commit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	total := sql.NullFloat64{}
	if next.PurchaseTotal != nil {
		total = sql.NullFloat64{Float64: *next.PurchaseTotal, Valid: true}
	}
	msg := sql.NullString{}
	if next.ErrorMessage != nil {
		msg = sql.NullString{String: *next.ErrorMessage, Valid: true}
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_sagas (`+sagaColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			next.CorrelationID, string(next.State), next.UserID, next.ItemID, next.Quantity, total,
			next.Received, next.LastUpdated, msg, next.Version,
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE purchase_sagas
			SET state = $2, purchase_total = $3, last_updated = $4, error_message = $5, version = $6
			WHERE correlation_id = $1 AND version = $7`,
			next.CorrelationID, string(next.State), total, next.LastUpdated, msg, next.Version, expectedVersion,
		)
	}
	if err != nil {
		return mapWriteError(next.CorrelationID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		err = fmt.Errorf("%w: %s not at version %d", saga.ErrVersionConflict, next.CorrelationID, expectedVersion)
		return err
	}

	for _, cmd := range outbox {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_outbox (id, correlation_id, command_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			cmd.ID, cmd.CorrelationID, string(cmd.Type), []byte(cmd.Payload), cmd.CreatedAt,
		); err != nil {
			return mapWriteError(next.CorrelationID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit saga %s: %w", next.CorrelationID, err)
	}
	return nil
}

func mapWriteError(correlationID string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s: %s", saga.ErrVersionConflict, correlationID, pgErr.ConstraintName)
	}
	return err
}

// PendingCommands returns undispatched commands for one saga in insertion order.
func (s *SagaStore) PendingCommands(ctx context.Context, correlationID string) ([]saga.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command_type, correlation_id, payload, created_at
		FROM purchase_outbox
		WHERE correlation_id = $1 AND dispatched_at IS NULL
		ORDER BY seq`,
		correlationID,
	)
	if err != nil {
		return nil, err
	}
	return scanEnvelopes(rows)
}

// ListUndispatched returns up to limit undispatched commands across all sagas, oldest first.
// A non-positive limit returns all of them.
func (s *SagaStore) ListUndispatched(ctx context.Context, limit int) ([]saga.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command_type, correlation_id, payload, created_at
		FROM purchase_outbox
		WHERE dispatched_at IS NULL
		ORDER BY seq
		LIMIT NULLIF($1, 0)`,
		max(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	return scanEnvelopes(rows)
}

func scanEnvelopes(rows *sql.Rows) ([]saga.Envelope, error) {
	defer rows.Close()
	var out []saga.Envelope
	for rows.Next() {
		var (
			cmd     saga.Envelope
			cmdType string
			payload []byte
		)
		if err := rows.Scan(&cmd.ID, &cmdType, &cmd.CorrelationID, &payload, &cmd.CreatedAt); err != nil {
			return nil, err
		}
		cmd.Type = saga.CommandType(cmdType)
		cmd.Payload = payload
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// MarkDispatched stamps a command as sent. Marking an already dispatched command is a no-op.
func (s *SagaStore) MarkDispatched(ctx context.Context, commandID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE purchase_outbox
		SET dispatched_at = $2
		WHERE id = $1 AND dispatched_at IS NULL`,
		commandID, at,
	)
	return err
}

// ListPending returns non-terminal sagas last updated before the cutoff, oldest first.
func (s *SagaStore) ListPending(ctx context.Context, before time.Time, limit int) ([]saga.PurchaseSaga, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sagaColumns+`
		FROM purchase_sagas
		WHERE state NOT IN ($1, $2) AND last_updated < $3
		ORDER BY last_updated
		LIMIT NULLIF($4, 0)`,
		string(saga.StateCompleted), string(saga.StateFaulted), before, max(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.PurchaseSaga
	for rows.Next() {
		current, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, current)
	}
	return out, rows.Err()
}
