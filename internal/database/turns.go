package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"relay-api/internal/shared"
)

// ClaimAttempt records that an attempt is being settled. It returns false when
// the attempt was already settled.
func ClaimAttempt(ctx context.Context, tx *sql.Tx, attemptID string, principalID, conversationID uint64, cost shared.Amount) (bool, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO settlement (attempt_id, principal_id, conversation_id, cost_micros)
		VALUES (?, ?, ?, ?)`, attemptID, principalID, conversationID, int64(cost))
	if IsDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record settlement: %w", err)
	}
	return true, nil
}

// LockConversation takes a row lock on the conversation. It returns false if
// the conversation no longer exists, for example after the janitor removed it.
func LockConversation(ctx context.Context, tx *sql.Tx, conversationID uint64) (bool, error) {
	var id uint64
	err := tx.QueryRowContext(ctx, "SELECT id FROM conversation WHERE id = ? FOR UPDATE", conversationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock conversation: %w", err)
	}
	return true, nil
}

type NewTurn struct {
	ConversationID uint64
	Role           string
	Content        *string
	ArtifactURL    *string
	AttachmentURL  *string
	AttemptID      *string
	Cost           shared.Amount
}

func InsertTurn(ctx context.Context, tx *sql.Tx, t NewTurn) (uint64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO turn (conversation_id, role, content, artifact_url, attachment_url, attempt_id, cost_micros)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ConversationID, t.Role, t.Content, t.ArtifactURL, t.AttachmentURL, t.AttemptID, int64(t.Cost))
	if err != nil {
		return 0, fmt.Errorf("failed to insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read turn id: %w", err)
	}
	return uint64(id), nil
}

func TouchConversation(ctx context.Context, tx *sql.Tx, conversationID uint64) error {
	_, err := tx.ExecContext(ctx, "UPDATE conversation SET updated_at = CURRENT_TIMESTAMP(3) WHERE id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}
