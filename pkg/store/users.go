package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/contentforge/jobserver/pkg/models"
)

// UserTier implements tierpolicy.TierLookup: the durable fallback consulted
// on a user-tier cache miss.
func (s *Store) UserTier(ctx context.Context, userID string) (models.Tier, bool, error) {
	var tier string
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM users WHERE user_id = $1`, userID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up user tier: %w", err)
	}
	return models.Tier(tier), true, nil
}

// UpsertUserTier sets or changes a user's tier, used by admin tooling.
func (s *Store) UpsertUserTier(ctx context.Context, userID string, tier models.Tier) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, tier) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET tier = excluded.tier`,
		userID, string(tier))
	if err != nil {
		return fmt.Errorf("upserting user tier: %w", err)
	}
	return nil
}
