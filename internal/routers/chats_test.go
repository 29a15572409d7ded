package routers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"relay-api/internal/assembler"
	"relay-api/internal/conversations"
	"relay-api/internal/database"
	"relay-api/internal/dispatch"
	"relay-api/internal/handlers/chats"
	"relay-api/internal/middleware"
	"relay-api/internal/providers/fal"
	"relay-api/internal/providers/openrouter"
	"relay-api/internal/registry"
	"relay-api/internal/settlement"
	"relay-api/internal/shared"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sessions map[string]shared.Principal

func (s sessions) FromSession(_ context.Context, token string) (*shared.Principal, error) {
	p, ok := s[token]
	if !ok {
		return nil, shared.ErrUnauthorized
	}
	return &p, nil
}

// fakeBackend stands in for the conversation store, the balance reader and
// the settlement engine
type fakeBackend struct {
	mu      sync.Mutex
	balance shared.Amount
	convs   map[uint64]*shared.Conversation
	turns   map[uint64][]shared.Turn
	cleared conversations.Range
	blobs   [][]byte
}

func (b *fakeBackend) Create(_ context.Context, principalID uint64, title, model string, expiresAt *time.Time) (*shared.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &shared.Conversation{ID: uint64(len(b.convs) + 41), PrincipalID: principalID, Title: title, Model: model, ExpiresAt: expiresAt}
	b.convs[c.ID] = c
	return c, nil
}

func (b *fakeBackend) Get(_ context.Context, principalID, id uint64) (*shared.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[id]
	if !ok || c.PrincipalID != principalID {
		return nil, shared.ErrNotFound
	}
	return c, nil
}

func (b *fakeBackend) RecentTurns(context.Context, uint64, int) ([]shared.Turn, error) {
	return nil, nil
}

func (b *fakeBackend) AppendUserTurn(_ context.Context, id uint64, text, attachment string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns[id] = append(b.turns[id], shared.Turn{Role: shared.RoleUser, Content: shared.StringPtr(text)})
	return uint64(len(b.turns[id])), nil
}

func (b *fakeBackend) Balance(context.Context, uint64) (shared.Amount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance, nil
}

func (b *fakeBackend) Settle(_ context.Context, in settlement.Input) (*settlement.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if in.Text != "" {
		b.turns[in.ConversationID] = append(b.turns[in.ConversationID], shared.Turn{Role: shared.RoleAssistant, Content: shared.StringPtr(in.Text), ArtifactURL: shared.StringPtr(in.ArtifactURL)})
	}
	charged := min(in.Cost, b.balance)
	b.balance -= charged
	return &settlement.Result{Balance: b.balance, Charged: charged}, nil
}

func (b *fakeBackend) List(_ context.Context, principalID uint64) ([]shared.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []shared.Conversation{}
	for _, c := range b.convs {
		if c.PrincipalID == principalID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (b *fakeBackend) View(ctx context.Context, principalID, id uint64) (*shared.ChatView, error) {
	c, err := b.Get(ctx, principalID, id)
	if err != nil {
		return nil, err
	}
	return &shared.ChatView{Conversation: *c, Messages: b.turns[id]}, nil
}

func (b *fakeBackend) Rename(ctx context.Context, principalID, id uint64, title string) error {
	c, err := b.Get(ctx, principalID, id)
	if err != nil {
		return err
	}
	c.Title = title
	return nil
}

func (b *fakeBackend) TogglePin(ctx context.Context, principalID, id uint64) (bool, error) {
	c, err := b.Get(ctx, principalID, id)
	if err != nil {
		return false, err
	}
	c.Pinned = !c.Pinned
	return c.Pinned, nil
}

func (b *fakeBackend) Share(ctx context.Context, principalID, id uint64) (string, error) {
	if _, err := b.Get(ctx, principalID, id); err != nil {
		return "", err
	}
	return "tok123", nil
}

func (b *fakeBackend) Delete(ctx context.Context, principalID, id uint64) error {
	if _, err := b.Get(ctx, principalID, id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.convs, id)
	return nil
}

func (b *fakeBackend) ClearHistory(_ context.Context, _ uint64, r conversations.Range) (int64, error) {
	switch r {
	case conversations.RangeAll, conversations.RangeLast24h, conversations.RangeLast7d, conversations.RangeOlder30d:
	default:
		return 0, shared.ErrInvalidRange
	}
	b.cleared = r
	return 2, nil
}

func (b *fakeBackend) GetShared(_ context.Context, token string) (*shared.ChatView, error) {
	if token != "tok123" {
		return nil, shared.ErrNotFound
	}
	return &shared.ChatView{Conversation: shared.Conversation{ID: 41, Title: "shared"}}, nil
}

func (b *fakeBackend) StoreBlob(_ context.Context, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs = append(b.blobs, data)
	return "https://cdn.example.com/artifacts/upload.png", nil
}

type noUsage struct{}

func (noUsage) Begin(uint64)                     {}
func (noUsage) End(uint64, database.UsageRecord) {}

type fragments []string

func (f fragments) StreamChat(_ context.Context, _ openrouter.Request, onFragment func(string) error) (*openrouter.Result, error) {
	for _, s := range f {
		if err := onFragment(s); err != nil {
			return &openrouter.Result{}, err
		}
	}
	return &openrouter.Result{Completed: true}, nil
}

type jobs struct{ err error }

func (j jobs) Run(context.Context, fal.Job) (string, error) {
	return "https://fal.media/x.png", j.err
}

type rehost struct{}

func (rehost) Rehost(context.Context, string) (string, error) {
	return "https://cdn.example.com/artifacts/x.png", nil
}

func newTestServer(t *testing.T, backend *fakeBackend, text fragments, jobErr error) *echo.Echo {
	t.Helper()
	log := zap.NewNop().Sugar()
	reg, err := registry.Builtin().Build()
	require.NoError(t, err)

	ch := &chats.ChatHandler{
		Registry:      reg,
		Assembler:     assembler.New(),
		Conversations: backend,
		Balances:      backend,
		Dispatcher:    &dispatch.Dispatcher{Text: text, Log: log},
		Media:         &dispatch.MediaAdapter{Jobs: jobs{err: jobErr}, Rehoster: rehost{}, Log: log},
		Settlement:    backend,
		Usage:         noUsage{},
		Log:           log,
	}

	e := echo.New()
	base := e.Group("")
	base.Use(middleware.NewTrackMiddleware(log))
	pmw := middleware.NewPrincipalMiddleware(sessions{"s1": {ID: 1, ExternalID: "ext-1"}})
	RegisterChatRoutes(base, NewChatRouter(ch, backend, reg, backend), pmw)
	return e
}

func newBackend() *fakeBackend {
	return &fakeBackend{
		balance: shared.Amount(100 * shared.AmountScale),
		convs:   map[uint64]*shared.Conversation{},
		turns:   map[uint64][]shared.Turn{},
	}
}

func authed(method, target string, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: "s1"})
	return req
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeEvents(t *testing.T, body []byte) []shared.StreamEvent {
	t.Helper()
	var events []shared.StreamEvent
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var ev shared.StreamEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev), sc.Text())
		events = append(events, ev)
	}
	return events
}

func TestNewChatStreamsNDJSON(t *testing.T) {
	backend := newBackend()
	e := newTestServer(t, backend, fragments{"Hello", " <world>"}, nil)

	rec := serve(e, authed(http.MethodPost, "/api/chats/new", `{"message":"hi there","model":"gpt-4o"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, "41", rec.Header().Get("X-Chat-Id"))

	events := decodeEvents(t, rec.Body.Bytes())
	require.Len(t, events, 4)
	assert.Equal(t, shared.MetaEvent(41), events[0])
	assert.Equal(t, "Hello", events[1].Text)
	assert.Equal(t, " <world>", events[2].Text)
	assert.Equal(t, shared.EventBalance, events[3].Type)
	require.NotNil(t, events[3].Balance)
	assert.Less(t, *events[3].Balance, 100.0)
	assert.Greater(t, *events[3].Balance, 99.9)

	assert.Contains(t, rec.Body.String(), `"text":" <world>"`)
	assert.Equal(t, "Hello <world>", *backend.turns[41][1].Content)
}

func TestReplyToUnknownChat(t *testing.T) {
	e := newTestServer(t, newBackend(), fragments{"x"}, nil)
	rec := serve(e, authed(http.MethodPost, "/api/chats/999/message", `{"message":"hi"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}

func TestInsufficientFundsIsJSON(t *testing.T) {
	backend := newBackend()
	backend.balance = 0
	e := newTestServer(t, backend, fragments{"x"}, nil)

	rec := serve(e, authed(http.MethodPost, "/api/chats/new", `{"message":"paint","model":"recraft"}`))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body shared.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "insufficient balance")
	assert.Empty(t, backend.convs)
}

func TestTemperatureOutOfRange(t *testing.T) {
	backend := newBackend()
	e := newTestServer(t, backend, fragments{"x"}, nil)

	rec := serve(e, authed(http.MethodPost, "/api/chats/new", `{"message":"hi","temperature":3.5}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "temperature must be between 0 and 2")
	assert.Empty(t, backend.convs)
}

func TestRequiresSession(t *testing.T) {
	e := newTestServer(t, newBackend(), fragments{"x"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/chats/new", strings.NewReader(`{"message":"hi"}`))
	assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)
}

func TestMediaChatReturnsJSON(t *testing.T) {
	backend := newBackend()
	e := newTestServer(t, backend, nil, nil)

	rec := serve(e, authed(http.MethodPost, "/api/chats/new", `{"message":"a red fox","model":"recraft"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ChatID   uint64        `json:"chat_id"`
		Balance  float64       `json:"balance"`
		Messages []shared.Turn `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(41), body.ChatID)
	assert.InDelta(t, 99.96, body.Balance, 1e-9)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "https://cdn.example.com/artifacts/x.png", *body.Messages[1].ArtifactURL)
}

func TestMediaFailureKeepsChatID(t *testing.T) {
	backend := newBackend()
	e := newTestServer(t, backend, nil, shared.ErrJobTimeout)

	rec := serve(e, authed(http.MethodPost, "/api/chats/new", `{"message":"a red fox","model":"recraft"}`))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body shared.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(41), body.ChatID)
	assert.Contains(t, body.Error, "not charged")
	assert.Equal(t, shared.Amount(100*shared.AmountScale), backend.balance)
}

func TestChatManagement(t *testing.T) {
	backend := newBackend()
	backend.convs[41] = &shared.Conversation{ID: 41, PrincipalID: 1, Title: "old"}
	backend.convs[50] = &shared.Conversation{ID: 50, PrincipalID: 2, Title: "not mine"}
	e := newTestServer(t, backend, nil, nil)

	rec := serve(e, authed(http.MethodPatch, "/api/chats/41", `{"title":"  new title "}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "new title", backend.convs[41].Title)

	rec = serve(e, authed(http.MethodPatch, "/api/chats/41", `{"title":""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(e, authed(http.MethodPatch, "/api/chats/41/pin", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":41,"is_pinned":true}`, rec.Body.String())

	rec = serve(e, authed(http.MethodPost, "/api/chats/41/share", ""))
	assert.JSONEq(t, `{"id":41,"share_token":"tok123"}`, rec.Body.String())

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/api/shared/tok123", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(e, authed(http.MethodGet, "/api/chats/50", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(e, authed(http.MethodGet, "/api/chats", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":41`)
	assert.NotContains(t, rec.Body.String(), `"id":50`)

	rec = serve(e, authed(http.MethodDelete, "/api/chats/41", ""))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, backend.convs, uint64(41))
}

func TestClearHistoryRange(t *testing.T) {
	backend := newBackend()
	e := newTestServer(t, backend, nil, nil)

	rec := serve(e, authed(http.MethodDelete, "/api/chats/history/clear?range=last_7d", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conversations.RangeLast7d, backend.cleared)

	rec = serve(e, authed(http.MethodDelete, "/api/chats/history/clear?range=yesterday", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModelsCatalogue(t *testing.T) {
	e := newTestServer(t, newBackend(), nil, nil)
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/api/chats/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Default  string `json:"default"`
		Families []struct {
			Name   string `json:"name"`
			Models []struct {
				ID   string `json:"id"`
				Kind string `json:"kind"`
			} `json:"models"`
		} `json:"families"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, registry.DefaultModelID, list.Default)
	require.NotEmpty(t, list.Families)
	assert.Equal(t, "streaming_text", list.Families[0].Models[0].Kind)
}

func TestUpload(t *testing.T) {
	backend := newBackend()
	e := newTestServer(t, backend, nil, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "cat.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: "s1"})
	rec := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"url":"https://cdn.example.com/artifacts/upload.png"}`, rec.Body.String())
	require.Len(t, backend.blobs, 1)
}
