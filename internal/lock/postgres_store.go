package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultPostgresTable is the table used when NewPostgresStore gets an empty name.
const DefaultPostgresTable = "lease_documents"

// PostgresStore keeps each document as a JSONB row. Lease changes run in a transaction
// that locks the row with SELECT ... FOR UPDATE, evaluates the predicate in Go and writes
// the document back.
type PostgresStore[P any] struct {
	db    *pgxpool.Pool
	table string
	opts  storeOptions
}

// NewPostgresStore creates a store over table in db.
func NewPostgresStore[P any](db *pgxpool.Pool, table string, opts ...StoreOption) *PostgresStore[P] {
	if table == "" {
		table = DefaultPostgresTable
	}
	return &PostgresStore[P]{
		db:    db,
		table: pgx.Identifier{table}.Sanitize(),
		opts:  newStoreOptions("postgres", opts),
	}
}

// EnsureSchema creates the document table if it does not exist.
func (s *PostgresStore[P]) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

// LeaseDuration implements Store.
func (s *PostgresStore[P]) LeaseDuration() time.Duration { return s.opts.lease }

// Create implements Documents.
func (s *PostgresStore[P]) Create(ctx context.Context, id string, doc *P) error {
	if id == "" || doc == nil {
		return fmt.Errorf("%w: id and document are required", ErrInvalidArgument)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, doc)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`, s.table)

	var inserted string
	err = s.db.QueryRow(ctx, query, id, data).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrDocumentExists, id)
	}
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// Get implements Documents.
func (s *PostgresStore[P]) Get(ctx context.Context, id string) (*P, error) {
	var data []byte
	err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT doc FROM %s WHERE id = $1", s.table), id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return decodeDocument[P](data)
}

// AcquireLock implements Store.
func (s *PostgresStore[P]) AcquireLock(ctx context.Context, sel Selector[P], parentID, targetID string, staleMultiplier int) (*P, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return nil, err
	}
	if err := checkStaleMultiplier(staleMultiplier); err != nil {
		return nil, err
	}

	until, staleBefore := s.opts.leaseWindow(staleMultiplier)
	lockID := s.opts.newID()

	doc, err := s.mutate(ctx, parentID, func(doc *P) bool {
		return applyAcquire(doc, sel, targetID, lockID, until, staleBefore)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	s.opts.trace("acquire", sel, parentID, targetID, doc != nil)
	return doc, nil
}

// RefreshLock implements Store.
func (s *PostgresStore[P]) RefreshLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return false, err
	}
	if err := checkLockID(lockID); err != nil {
		return false, err
	}

	until, _ := s.opts.leaseWindow(0)
	doc, err := s.mutate(ctx, parentID, func(doc *P) bool {
		return applyRefresh(doc, sel, targetID, lockID, until)
	})
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock: %w", err)
	}
	s.opts.trace("refresh", sel, parentID, targetID, doc != nil)
	return doc != nil, nil
}

// ReleaseLock implements Store.
func (s *PostgresStore[P]) ReleaseLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return false, err
	}
	if err := checkLockID(lockID); err != nil {
		return false, err
	}

	doc, err := s.mutate(ctx, parentID, func(doc *P) bool {
		return applyRelease(doc, sel, targetID, lockID)
	})
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	s.opts.trace("release", sel, parentID, targetID, doc != nil)
	return true, nil
}

// GetLockedEntity implements Store.
func (s *PostgresStore[P]) GetLockedEntity(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (*P, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return nil, err
	}
	if err := checkLockID(lockID); err != nil {
		return nil, err
	}

	doc, err := s.Get(ctx, parentID)
	if errors.Is(err, ErrDocumentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !holds(doc, sel, targetID, lockID) {
		return nil, nil
	}
	return doc, nil
}

// mutate applies fn to the row for id while holding its row lock and writes the result
// back if fn reports a change. It returns nil when the row is absent or fn did not match.
func (s *PostgresStore[P]) mutate(ctx context.Context, id string, fn func(*P) bool) (*P, error) {
	var result *P

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, fmt.Sprintf("SELECT doc FROM %s WHERE id = $1 FOR UPDATE", s.table), id).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		doc, err := decodeDocument[P](data)
		if err != nil {
			return err
		}
		if !fn(doc) {
			return nil
		}

		updated, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode document: %w", err)
		}
		query := fmt.Sprintf("UPDATE %s SET doc = $2, updated_at = NOW() WHERE id = $1", s.table)
		if _, err := tx.Exec(ctx, query, id, updated); err != nil {
			return err
		}
		result = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
