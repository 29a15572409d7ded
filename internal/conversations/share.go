package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"relay-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/redis/go-redis/v9"
)

const shareAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func SharedKey(token string) string {
	return "v1:shared:" + token
}

// Share returns the conversation's public token, creating it on first use
func (s *Store) Share(ctx context.Context, principalID, id uint64) (string, error) {
	c, err := s.Get(ctx, principalID, id)
	if err != nil {
		return "", err
	}
	if c.ShareToken != nil {
		return *c.ShareToken, nil
	}
	token, err := nanoid.Generate(shareAlphabet, 16)
	if err != nil {
		return "", fmt.Errorf("failed to generate share token: %w", err)
	}
	_, err = s.WDB.ExecContext(ctx, `
		UPDATE conversation SET share_token = ?
		WHERE id = ? AND principal_id = ? AND share_token IS NULL`, token, id, principalID)
	if err != nil {
		return "", fmt.Errorf("failed to share conversation: %w", err)
	}
	return token, nil
}

// GetShared is the read only public view of a shared conversation
func (s *Store) GetShared(ctx context.Context, token string) (*shared.ChatView, error) {
	if token == "" {
		return nil, shared.ErrNotFound
	}
	key := SharedKey(token)
	if s.Redis != nil {
		cached, err := s.Redis.Get(ctx, key).Result()
		switch err {
		case nil:
			var view shared.ChatView
			if err := json.Unmarshal([]byte(cached), &view); err == nil {
				return &view, nil
			}
			s.Log.Errorw("Error unmarshalling shared chat cache", "error", err)
		case redis.Nil:
		default:
			s.Log.Warnw("Shared chat cache unavailable", "error", err)
		}
	}

	row := s.RDB.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversation
		WHERE share_token = ? AND (expires_at IS NULL OR expires_at > ?)`,
		token, s.Now().UTC())
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shared conversation: %w", err)
	}
	turns, err := s.turns(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	view := &shared.ChatView{Conversation: *c, Messages: turns}

	if s.Redis != nil {
		if raw, err := json.Marshal(view); err == nil {
			if err := s.Redis.Set(ctx, key, raw, shared.SharedChatCacheTTL).Err(); err != nil {
				s.Log.Warnw("Failed to cache shared chat", "error", err)
			}
		}
	}
	return view, nil
}

func (s *Store) invalidateShare(ctx context.Context, c *shared.Conversation) {
	if s.Redis == nil || c == nil || c.ShareToken == nil {
		return
	}
	if err := s.Redis.Del(ctx, SharedKey(*c.ShareToken)).Err(); err != nil {
		s.Log.Warnw("Failed to invalidate shared chat cache", "error", err)
	}
}
