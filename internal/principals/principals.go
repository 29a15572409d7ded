// Package principals resolves sessions to principals and reads balances,
// both cached in redis
package principals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"relay-api/internal/database"
	"relay-api/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Store struct {
	RDB   *sql.DB
	Redis *redis.Client
	Log   *zap.SugaredLogger
}

func New(rdb *sql.DB, redisClient *redis.Client, log *zap.SugaredLogger) *Store {
	return &Store{RDB: rdb, Redis: redisClient, Log: log}
}

func SessionKey(token string) string {
	return "v1:principal:session:" + token
}

func BalanceKey(principalID uint64) string {
	return fmt.Sprintf("v1:balance:%d", principalID)
}

// FromSession returns the principal owning a live session
func (s *Store) FromSession(ctx context.Context, token string) (*shared.Principal, error) {
	if token == "" || len(token) > shared.SessionTokenMaxLen {
		return nil, shared.ErrUnauthorized
	}
	key := SessionKey(token)
	cached, err := s.Redis.Get(ctx, key).Result()
	switch err {
	case nil:
		var p shared.Principal
		err = json.Unmarshal([]byte(cached), &p)
		if err == nil {
			return &p, nil
		}
		s.Log.Errorw("Error unmarshalling principal cache", "error", err)
	case redis.Nil:
		s.Log.Debugw("Principal cache miss", "key", key)
	default:
		s.Log.Warnw("Principal cache unavailable", "error", err)
	}

	var p shared.Principal
	var email, name sql.NullString
	err = s.RDB.QueryRowContext(ctx, `
		SELECT principal.id, principal.external_id, principal.email, principal.name
		FROM session
		INNER JOIN principal ON principal.id = session.principal_id
		WHERE session.id = ? AND (session.expires_at IS NULL OR session.expires_at > CURRENT_TIMESTAMP(3))
	`, token).Scan(&p.ID, &p.ExternalID, &email, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrUnauthorized
	}
	if err != nil {
		s.Log.Errorw("Database error during session lookup", "error", err)
		return nil, errors.Join(shared.ErrUnauthorized, err)
	}
	p.Email = email.String
	p.Name = name.String

	if raw, err := json.Marshal(p); err == nil {
		if err := s.Redis.Set(ctx, key, raw, shared.PrincipalCacheTTL).Err(); err != nil {
			s.Log.Warnw("Failed to cache principal", "error", err)
		}
	}
	return &p, nil
}

// Balance is the balance shown to clients and used for the pre-dispatch funds
// check. Settlement always reads the locked row instead.
func (s *Store) Balance(ctx context.Context, principalID uint64) (shared.Amount, error) {
	key := BalanceKey(principalID)
	cached, err := s.Redis.Get(ctx, key).Result()
	if err == nil {
		if v, perr := strconv.ParseInt(cached, 10, 64); perr == nil {
			return shared.Amount(v), nil
		}
	} else if err != redis.Nil {
		s.Log.Warnw("Balance cache unavailable", "error", err)
	}

	balance, err := database.GetBalance(ctx, s.RDB, principalID)
	if err != nil {
		return 0, err
	}
	if err := s.Redis.Set(ctx, key, int64(balance), shared.BalanceCacheTTL).Err(); err != nil {
		s.Log.Warnw("Failed to cache balance", "error", err)
	}
	return balance, nil
}
