// Package store persists conversations, transcripts, and the credit
// ledger on PostgreSQL. All writes that must be observed together run
// in a single transaction; readers never see a partially committed
// deliberation.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/decideplease/councild/pkg/models"
)

// Store provides transcript and ledger operations over a shared pool.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on the given pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetOrCreateUser returns the user record, creating it with the starter
// credit balance on first sight. The insert races benignly with
// concurrent first requests; ON CONFLICT keeps the existing row.
func (s *Store) GetOrCreateUser(ctx context.Context, userID, email string) (*models.User, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		userID, email)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user %s: %w", userID, err)
	}
	return s.GetUser(ctx, userID)
}

// GetUser returns the user record or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, credits, role, created_at
		FROM users
		WHERE id = $1`,
		userID).Scan(&u.ID, &u.Email, &u.Credits, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return &u, nil
}
