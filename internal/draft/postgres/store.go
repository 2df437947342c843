package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tsender/airdrop/internal/draft"
)

var ErrInvalidConfig = errors.New("draft/postgres: invalid config")

// Store is a draft.Store backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var _ draft.Store = (*Store)(nil)

// New wraps pool. Call EnsureSchema before first use.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the drafts table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("draft/postgres: ensure schema: %w", err)
	}
	return nil
}

// Get returns the draft saved for owner or draft.ErrNotFound.
func (s *Store) Get(ctx context.Context, owner common.Address) (draft.Draft, error) {
	if s == nil || s.pool == nil {
		return draft.Draft{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if owner == (common.Address{}) {
		return draft.Draft{}, fmt.Errorf("%w: zero owner", draft.ErrInvalidInput)
	}

	d := draft.Draft{Owner: owner}
	err := s.pool.QueryRow(ctx, `
		SELECT token, recipients, amounts, updated_at
		FROM airdrop_drafts
		WHERE owner = $1
	`, owner[:]).Scan(&d.Token, &d.Recipients, &d.Amounts, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return draft.Draft{}, draft.ErrNotFound
		}
		return draft.Draft{}, fmt.Errorf("draft/postgres: get: %w", err)
	}
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

// Put validates and upserts d.
func (s *Store) Put(ctx context.Context, d draft.Draft) (draft.Draft, error) {
	if s == nil || s.pool == nil {
		return draft.Draft{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := draft.Validate(d); err != nil {
		return draft.Draft{}, err
	}

	var updated time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO airdrop_drafts (owner, token, recipients, amounts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (owner) DO UPDATE
		SET token = EXCLUDED.token,
			recipients = EXCLUDED.recipients,
			amounts = EXCLUDED.amounts,
			updated_at = now()
		RETURNING updated_at
	`, d.Owner[:], d.Token, d.Recipients, d.Amounts).Scan(&updated)
	if err != nil {
		return draft.Draft{}, fmt.Errorf("draft/postgres: put: %w", err)
	}
	d.UpdatedAt = updated.UTC()
	return d, nil
}

// Delete removes owner's draft, if any.
func (s *Store) Delete(ctx context.Context, owner common.Address) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if owner == (common.Address{}) {
		return fmt.Errorf("%w: zero owner", draft.ErrInvalidInput)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM airdrop_drafts WHERE owner = $1`, owner[:]); err != nil {
		return fmt.Errorf("draft/postgres: delete: %w", err)
	}
	return nil
}
