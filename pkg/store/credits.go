package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReserveCredits atomically deducts amount from the user's balance and
// returns the remaining balance. The deduction is conditional on the
// balance covering the amount, so two concurrent reserves can never
// drive the balance negative: one of them fails with
// InsufficientCreditsError.
func (s *Store) ReserveCredits(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	var remaining int
	err := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET credits = credits - $2
		WHERE id = $1 AND credits >= $2
		RETURNING credits`,
		userID, amount).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the user does not exist or the balance is short.
		// Re-read to report which.
		u, lookupErr := s.GetUser(ctx, userID)
		if lookupErr != nil {
			return 0, lookupErr
		}
		return 0, &InsufficientCreditsError{Required: amount, Available: u.Credits}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reserve %d credits for user %s: %w", amount, userID, err)
	}
	return remaining, nil
}

// RefundCredits unconditionally returns amount to the user's balance
// and reports the new balance. Used when a reserved deliberation fails
// before producing a final answer.
func (s *Store) RefundCredits(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("refund amount must be positive, got %d", amount)
	}

	var balance int
	err := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET credits = credits + $2
		WHERE id = $1
		RETURNING credits`,
		userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to refund %d credits to user %s: %w", amount, userID, err)
	}
	return balance, nil
}
