// Package mirror pushes settled balances to caches and to the external
// identity provider. Local storage stays the source of truth, every step here
// is best effort.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"relay-api/internal/metrics"
	"relay-api/internal/principals"
	"relay-api/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Mirror struct {
	Redis        *redis.Client
	BaseURL      string
	ClientID     string
	ClientSecret string
	Owner        string
	Currency     string
	HTTPClient   *http.Client
	Log          *zap.SugaredLogger
}

func New(redisClient *redis.Client, baseURL, clientID, clientSecret string, log *zap.SugaredLogger) *Mirror {
	return &Mirror{
		Redis:        redisClient,
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Owner:        "users",
		Currency:     "RUB",
		HTTPClient:   &http.Client{Timeout: shared.MirrorSyncTimeout},
		Log:          log,
	}
}

// Sync refreshes the cached balance and updates the identity provider. Errors
// are returned for logging only and must never undo a local debit.
func (m *Mirror) Sync(ctx context.Context, p shared.Principal, balance shared.Amount) error {
	ctx, cancel := context.WithTimeout(ctx, shared.MirrorSyncTimeout)
	defer cancel()

	var errs error
	if m.Redis != nil {
		if err := m.Redis.Set(ctx, principals.BalanceKey(p.ID), int64(balance), shared.BalanceCacheTTL).Err(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("refresh balance cache: %w", err))
		}
	}
	if m.BaseURL != "" && p.ExternalID != "" {
		if err := m.pushBalance(ctx, p.ExternalID, balance); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		metrics.MirrorSyncFailures.Inc()
	}
	return errs
}

type envelope struct {
	Status string          `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

// pushBalance reads the full user first so that the update does not clear
// fields we do not manage
func (m *Mirror) pushBalance(ctx context.Context, externalID string, balance shared.Amount) error {
	id := url.QueryEscape(m.Owner + "/" + externalID)

	var got envelope
	if err := m.call(ctx, http.MethodGet, "/api/get-user?id="+id, nil, &got); err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	var user map[string]any
	if len(got.Data) == 0 || string(got.Data) == "null" {
		return fmt.Errorf("get user: %s not found", externalID)
	}
	if err := json.Unmarshal(got.Data, &user); err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	user["balance"] = balance.Float64()
	user["balanceCurrency"] = m.Currency

	body, err := json.Marshal(user)
	if err != nil {
		return err
	}
	var upd envelope
	if err := m.call(ctx, http.MethodPost, "/api/update-user?id="+id, body, &upd); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if upd.Status != "" && upd.Status != "ok" {
		return fmt.Errorf("update user: %s", upd.Msg)
	}
	return nil
}

func (m *Mirror) call(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, m.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(m.ClientID, m.ClientSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := m.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			m.Log.Warnw("Failed to close response body", "error", closeErr)
		}
	}()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}
