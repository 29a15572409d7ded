package conversations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"relay-api/internal/database"
	"relay-api/internal/shared"
)

// Range selects conversations for ClearHistory
type Range string

const (
	RangeAll      Range = "all"
	RangeLast24h  Range = "last_24h"
	RangeLast7d   Range = "last_7d"
	RangeOlder30d Range = "older_30d"
	day                 = 24 * time.Hour
)

// filter returns the where clause for columns of table and its argument.
// Pinned conversations are kept by every range except all.
func (r Range) filter(now time.Time, table string) (string, []any, error) {
	var op string
	var since time.Time
	switch r {
	case RangeAll:
		return "", nil, nil
	case RangeLast24h:
		op, since = ">=", now.Add(-day)
	case RangeLast7d:
		op, since = ">=", now.Add(-7*day)
	case RangeOlder30d:
		op, since = "<", now.Add(-30*day)
	default:
		return "", nil, shared.ErrInvalidRange
	}
	where := fmt.Sprintf(" AND %[1]s.updated_at %[2]s ? AND %[1]s.is_pinned = FALSE", table, op)
	return where, []any{since}, nil
}

// ClearHistory deletes the principal's conversations in the range together
// with their turns and returns how many conversations were removed
func (s *Store) ClearHistory(ctx context.Context, principalID uint64, r Range) (int64, error) {
	now := s.Now().UTC()
	where, args, err := r.filter(now, "conversation")
	if err != nil {
		return 0, err
	}
	args = append([]any{principalID}, args...)

	var removed int64
	err = database.ExecuteTransaction(ctx, s.WDB, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				DELETE turn FROM turn
				INNER JOIN conversation ON conversation.id = turn.conversation_id
				WHERE conversation.principal_id = ?`+where, args...)
			return err
		},
		func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, "DELETE FROM conversation WHERE conversation.principal_id = ?"+where, args...)
			if err != nil {
				return err
			}
			removed, err = res.RowsAffected()
			return err
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	return removed, nil
}

// DeleteExpired removes conversations whose expiry passed, and their turns
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	now := s.Now().UTC()
	var removed int64
	err := database.ExecuteTransaction(ctx, s.WDB, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				DELETE turn FROM turn
				INNER JOIN conversation ON conversation.id = turn.conversation_id
				WHERE conversation.expires_at IS NOT NULL AND conversation.expires_at <= ?`, now)
			return err
		},
		func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, "DELETE FROM conversation WHERE expires_at IS NOT NULL AND expires_at <= ?", now)
			if err != nil {
				return err
			}
			removed, err = res.RowsAffected()
			return err
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired conversations: %w", err)
	}
	return removed, nil
}
