package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay-api/internal/assembler"
	"relay-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sse(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, l := range lines {
		fmt.Fprintf(w, "%s\n\n", l)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func delta(s string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]string{"content": s}}},
	})
	return "data: " + string(b)
}

func newClient(url string) *Client {
	return New(url, "sk-test", "https://relay.example", zap.NewNop().Sugar())
}

func TestStreamChatInOrder(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "https://relay.example", r.Header.Get("HTTP-Referer"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		sse(w, ": OPENROUTER PROCESSING", delta("Hel"), delta(""), delta("lo"), delta(" world"), "data: [DONE]")
	}))
	defer srv.Close()

	var frags []string
	res, err := newClient(srv.URL).StreamChat(context.Background(), Request{
		Model:       "openai/gpt-4o",
		Messages:    []assembler.Message{{Role: "user", Text: "hi"}},
		Temperature: 0.7,
	}, func(s string) error {
		frags = append(frags, s)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 3, res.Fragments)
	assert.Equal(t, []string{"Hel", "lo", " world"}, frags)
	assert.Equal(t, "openai/gpt-4o", got["model"])
	assert.Equal(t, true, got["stream"])
}

func TestStreamChatStatusMapping(t *testing.T) {
	cases := map[int]*shared.MetricsError{
		http.StatusUnauthorized:               shared.ErrUpstreamAuth,
		http.StatusForbidden:                  shared.ErrRegionBlocked,
		http.StatusUnavailableForLegalReasons: shared.ErrRegionBlocked,
		http.StatusTooManyRequests:            shared.ErrUpstreamRateLimited,
		http.StatusInternalServerError:        shared.ErrUpstreamStatus,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		}))
		res, err := newClient(srv.URL).StreamChat(context.Background(), Request{Model: "m"}, func(string) error { return nil })
		srv.Close()
		require.Error(t, err)
		assert.ErrorIs(t, err, want, "status %d", status)
		assert.Equal(t, 0, res.Fragments)
	}
}

func TestStreamChatMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, delta("partial"), `data: {"error":{"message":"overloaded","code":502}}`)
	}))
	defer srv.Close()

	var frags []string
	res, err := newClient(srv.URL).StreamChat(context.Background(), Request{Model: "m"}, func(s string) error {
		frags = append(frags, s)
		return nil
	})
	assert.ErrorIs(t, err, shared.ErrUpstreamStreamError)
	assert.Contains(t, err.Error(), "overloaded")
	assert.Equal(t, []string{"partial"}, frags)
	assert.False(t, res.Completed)
}

func TestStreamChatMissingDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, delta("a"), delta("b"))
	}))
	defer srv.Close()

	res, err := newClient(srv.URL).StreamChat(context.Background(), Request{Model: "m"}, func(string) error { return nil })
	assert.ErrorIs(t, err, shared.ErrMissingDoneToken)
	assert.Equal(t, 2, res.Fragments)
}

func TestStreamChatCallbackStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, delta("1"), delta("2"), delta("3"), delta("4"), delta("5"), "data: [DONE]")
	}))
	defer srv.Close()

	stop := errors.New("client gone")
	var frags []string
	res, err := newClient(srv.URL).StreamChat(context.Background(), Request{Model: "m"}, func(s string) error {
		frags = append(frags, s)
		if len(frags) == 3 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"1", "2", "3"}, frags)
	assert.False(t, res.Completed)
}

func TestStreamChatFirstFragmentTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	c.FirstFragmentTimeout = 50 * time.Millisecond
	_, err := c.StreamChat(context.Background(), Request{Model: "m"}, func(string) error { return nil })
	assert.ErrorIs(t, err, shared.ErrFirstFragmentTimeout)
}

func TestFirstFragmentDeadlineLateTimerIsIgnored(t *testing.T) {
	canceled := false
	d := &firstFragmentDeadline{}
	require.True(t, d.start())
	d.expire(func() { canceled = true })
	assert.False(t, canceled)
	assert.False(t, d.expired())
	assert.True(t, d.start())
}

func TestFirstFragmentDeadlineExpiredBeforeStart(t *testing.T) {
	canceled := false
	d := &firstFragmentDeadline{}
	d.expire(func() { canceled = true })
	assert.True(t, canceled)
	assert.True(t, d.expired())
	assert.False(t, d.start())
}

func TestStreamChatSlowAfterFirstFragment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, delta("a"))
		time.Sleep(150 * time.Millisecond)
		sse(w, delta("b"), "data: [DONE]")
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	c.FirstFragmentTimeout = 50 * time.Millisecond
	var frags []string
	res, err := c.StreamChat(context.Background(), Request{Model: "m"}, func(s string) error {
		frags = append(frags, s)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, []string{"a", "b"}, frags)
}

func TestStreamChatNotConfigured(t *testing.T) {
	c := New("", "", "", zap.NewNop().Sugar())
	assert.Equal(t, DefaultBaseURL, c.BaseURL)
	_, err := c.StreamChat(context.Background(), Request{}, func(string) error { return nil })
	assert.ErrorIs(t, err, shared.ErrProviderNotConfigured)
	assert.True(t, strings.HasPrefix(shared.MetricsCode(err), "provider"))
}
