// Package conversations is the MySQL backed store for chats and their turns
package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"relay-api/internal/database"
	"relay-api/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Store struct {
	WDB   *sql.DB
	RDB   *sql.DB
	Redis *redis.Client
	Log   *zap.SugaredLogger
	Now   func() time.Time
}

func NewStore(wdb, rdb *sql.DB, redisClient *redis.Client, log *zap.SugaredLogger) *Store {
	return &Store{WDB: wdb, RDB: rdb, Redis: redisClient, Log: log, Now: time.Now}
}

const conversationColumns = `id, principal_id, title, model, is_pinned, share_token, expires_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*shared.Conversation, error) {
	var c shared.Conversation
	var token sql.NullString
	var expires sql.NullTime
	if err := row.Scan(&c.ID, &c.PrincipalID, &c.Title, &c.Model, &c.Pinned, &token, &expires, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if token.Valid {
		c.ShareToken = &token.String
	}
	if expires.Valid {
		c.ExpiresAt = &expires.Time
	}
	return &c, nil
}

const turnColumns = `id, conversation_id, role, content, artifact_url, attachment_url, created_at`

func scanTurn(row scanner) (shared.Turn, error) {
	var t shared.Turn
	var content, artifact, attachment sql.NullString
	if err := row.Scan(&t.ID, &t.ConversationID, &t.Role, &content, &artifact, &attachment, &t.CreatedAt); err != nil {
		return t, err
	}
	if content.Valid {
		t.Content = &content.String
	}
	if artifact.Valid {
		t.ArtifactURL = &artifact.String
	}
	if attachment.Valid {
		t.AttachmentURL = &attachment.String
	}
	return t, nil
}

// Title is the first words of the opening message
func Title(text string) string {
	if text == "" {
		return "New chat"
	}
	return shared.Truncate(text, shared.TitleMaxLength)
}

// Create inserts a conversation. A non nil expiry must lie in the future.
func (s *Store) Create(ctx context.Context, principalID uint64, title, model string, expiresAt *time.Time) (*shared.Conversation, error) {
	now := s.Now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, shared.ErrExpiryInPast
	}
	res, err := s.WDB.ExecContext(ctx, `
		INSERT INTO conversation (principal_id, title, model, expires_at)
		VALUES (?, ?, ?, ?)`, principalID, title, model, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation id: %w", err)
	}
	return &shared.Conversation{
		ID:          uint64(id),
		PrincipalID: principalID,
		Title:       title,
		Model:       model,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// AppendUserTurn writes the user's message. It fails with ErrNotFound when the
// conversation was removed in the meantime.
func (s *Store) AppendUserTurn(ctx context.Context, conversationID uint64, text, attachmentURL string) (uint64, error) {
	var id uint64
	err := database.ExecuteTransaction(ctx, s.WDB, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			exists, err := database.LockConversation(ctx, tx, conversationID)
			if err != nil {
				return err
			}
			if !exists {
				return shared.ErrNotFound
			}
			id, err = database.InsertTurn(ctx, tx, database.NewTurn{
				ConversationID: conversationID,
				Role:           shared.RoleUser,
				Content:        shared.StringPtr(text),
				AttachmentURL:  shared.StringPtr(attachmentURL),
			})
			if err != nil {
				return err
			}
			return database.TouchConversation(ctx, tx, conversationID)
		},
	})
	if errors.Is(err, shared.ErrNotFound) {
		return 0, shared.ErrNotFound
	}
	return id, err
}

// Get returns a live conversation owned by the principal
func (s *Store) Get(ctx context.Context, principalID, id uint64) (*shared.Conversation, error) {
	row := s.RDB.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversation
		WHERE id = ? AND principal_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		id, principalID, s.Now().UTC())
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// List returns live conversations, pinned first and most recent first
func (s *Store) List(ctx context.Context, principalID uint64) ([]shared.Conversation, error) {
	rows, err := s.RDB.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversation
		WHERE principal_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY is_pinned DESC, updated_at DESC, id DESC`,
		principalID, s.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := []shared.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// RecentTurns returns up to limit of the newest turns, oldest first. A
// conversation that vanished yields an empty history.
func (s *Store) RecentTurns(ctx context.Context, conversationID uint64, limit int) ([]shared.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.WDB.QueryContext(ctx, `
		SELECT `+turnColumns+`
		FROM turn
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}
	defer rows.Close()

	turns, err := collectTurns(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(turns)
	return turns, nil
}

func collectTurns(rows *sql.Rows) ([]shared.Turn, error) {
	turns := []shared.Turn{}
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// View returns the conversation with its full history
func (s *Store) View(ctx context.Context, principalID, id uint64) (*shared.ChatView, error) {
	c, err := s.Get(ctx, principalID, id)
	if err != nil {
		return nil, err
	}
	turns, err := s.turns(ctx, id)
	if err != nil {
		return nil, err
	}
	return &shared.ChatView{Conversation: *c, Messages: turns}, nil
}

func (s *Store) turns(ctx context.Context, conversationID uint64) ([]shared.Turn, error) {
	rows, err := s.RDB.QueryContext(ctx, `
		SELECT `+turnColumns+`
		FROM turn
		WHERE conversation_id = ?
		ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

func (s *Store) Rename(ctx context.Context, principalID, id uint64, title string) error {
	c, err := s.Get(ctx, principalID, id)
	if err != nil {
		return err
	}
	_, err = s.WDB.ExecContext(ctx, "UPDATE conversation SET title = ? WHERE id = ? AND principal_id = ?", title, id, principalID)
	if err != nil {
		return fmt.Errorf("failed to rename conversation: %w", err)
	}
	s.invalidateShare(ctx, c)
	return nil
}

// TogglePin flips the pin flag and returns the new value
func (s *Store) TogglePin(ctx context.Context, principalID, id uint64) (bool, error) {
	c, err := s.Get(ctx, principalID, id)
	if err != nil {
		return false, err
	}
	_, err = s.WDB.ExecContext(ctx, "UPDATE conversation SET is_pinned = ? WHERE id = ? AND principal_id = ?", !c.Pinned, id, principalID)
	if err != nil {
		return false, fmt.Errorf("failed to pin conversation: %w", err)
	}
	return !c.Pinned, nil
}

// Delete removes a conversation and its turns together
func (s *Store) Delete(ctx context.Context, principalID, id uint64) error {
	c, err := s.Get(ctx, principalID, id)
	if err != nil {
		return err
	}
	var affected int64
	err = database.ExecuteTransaction(ctx, s.WDB, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				DELETE turn FROM turn
				INNER JOIN conversation ON conversation.id = turn.conversation_id
				WHERE conversation.id = ? AND conversation.principal_id = ?`, id, principalID)
			return err
		},
		func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, "DELETE FROM conversation WHERE id = ? AND principal_id = ?", id, principalID)
			if err != nil {
				return err
			}
			affected, err = res.RowsAffected()
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if affected == 0 {
		return shared.ErrNotFound
	}
	s.invalidateShare(ctx, c)
	return nil
}
