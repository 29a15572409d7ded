// Package openrouter streams chat completions from an OpenAI compatible
// endpoint.
package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"relay-api/internal/assembler"
	"relay-api/internal/providers"
	"relay-api/internal/shared"

	"go.uber.org/zap"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

type Client struct {
	BaseURL    string
	APIKey     string
	Referer    string
	HTTPClient *http.Client
	Log        *zap.SugaredLogger

	FirstFragmentTimeout time.Duration
	StreamTimeout        time.Duration
}

func New(baseURL, apiKey, referer string, log *zap.SugaredLogger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:              strings.TrimRight(baseURL, "/"),
		APIKey:               apiKey,
		Referer:              referer,
		HTTPClient:           providers.NewHTTPClient(),
		Log:                  log,
		FirstFragmentTimeout: shared.UpstreamFirstFragmentTimeout,
		StreamTimeout:        shared.UpstreamStreamTimeout,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.APIKey != ""
}

type Request struct {
	Model       string
	Messages    []assembler.Message
	Temperature float32
}

type body struct {
	Model       string              `json:"model"`
	Messages    []assembler.Message `json:"messages"`
	Temperature float32             `json:"temperature"`
	Stream      bool                `json:"stream"`
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Result describes how a stream ended. It is returned alongside any error so
// callers can still settle a partial response.
type Result struct {
	Completed        bool
	TimeToFirstToken time.Duration
	Fragments        int
}

// StreamChat sends the request and calls onFragment with each non-empty
// content delta in the order received. If onFragment returns an error the
// upstream connection is closed and that error is returned.
func (c *Client) StreamChat(ctx context.Context, req Request, onFragment func(string) error) (*Result, error) {
	res := &Result{}
	if !c.Configured() {
		return res, shared.ErrProviderNotConfigured
	}

	payload, err := json.Marshal(body{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return res, errors.Join(shared.ErrUpstreamHTTP, err)
	}

	// the whole stream is bounded, and separately the provider must produce
	// something before the first fragment deadline
	rctx, cancel := context.WithTimeout(ctx, c.StreamTimeout)
	deadline := &firstFragmentDeadline{}
	timer := time.AfterFunc(c.FirstFragmentTimeout, func() { deadline.expire(cancel) })
	defer func() {
		timer.Stop()
		cancel()
	}()

	r, err := http.NewRequestWithContext(rctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return res, errors.Join(shared.ErrUpstreamHTTP, err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "text/event-stream")
	r.Header.Set("Authorization", "Bearer "+c.APIKey)
	if c.Referer != "" {
		r.Header.Set("HTTP-Referer", c.Referer)
	}

	start := time.Now()
	httpRes, err := c.HTTPClient.Do(r)
	if err != nil {
		if deadline.expired() {
			return res, errors.Join(shared.ErrFirstFragmentTimeout, err)
		}
		if ctx.Err() != nil {
			return res, errors.Join(shared.ErrUpstreamContext, ctx.Err())
		}
		return res, errors.Join(shared.ErrUpstreamHTTP, err)
	}
	defer func() {
		if closeErr := httpRes.Body.Close(); closeErr != nil {
			c.Log.Warnw("Failed to close response body", "error", closeErr)
		}
	}()

	if httpRes.StatusCode != http.StatusOK {
		return res, providers.StatusError(httpRes)
	}

	reader := bufio.NewScanner(httpRes.Body)
	reader.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var errs error
scanner:
	for reader.Scan() {
		if rctx.Err() != nil {
			break
		}
		line := reader.Text()
		// blank separators and ": keep-alive" comments
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, found := strings.CutPrefix(line, "data:")
		if !found {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			res.Completed = true
			break
		}

		var ch chunk
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			continue
		}
		if ch.Error != nil {
			errs = errors.Join(shared.ErrUpstreamStreamError, errors.New(ch.Error.Message))
			break
		}
		for _, choice := range ch.Choices {
			text := choice.Delta.Content
			if text == "" {
				continue
			}
			if res.Fragments == 0 {
				if !deadline.start() {
					break scanner
				}
				res.TimeToFirstToken = time.Since(start)
				timer.Stop()
			}
			res.Fragments++
			if err := onFragment(text); err != nil {
				errs = err
				break scanner
			}
		}
	}

	if errs != nil {
		return res, errs
	}
	switch {
	case deadline.expired():
		return res, shared.ErrFirstFragmentTimeout
	case ctx.Err() != nil:
		return res, errors.Join(shared.ErrUpstreamContext, ctx.Err())
	case rctx.Err() != nil:
		return res, errors.Join(shared.ErrUpstreamContext, rctx.Err())
	}
	if err := reader.Err(); err != nil {
		return res, errors.Join(shared.ErrUpstreamRead, err)
	}
	if !res.Completed {
		return res, shared.ErrMissingDoneToken
	}
	return res, nil
}

const (
	waitingFirstFragment int32 = iota
	streamStarted
	firstFragmentExpired
)

// firstFragmentDeadline settles the race between the first fragment and the
// first fragment timer. Whichever comes first wins, the loser is a no-op.
type firstFragmentDeadline struct {
	state atomic.Int32
}

func (d *firstFragmentDeadline) expire(cancel context.CancelFunc) {
	if d.state.CompareAndSwap(waitingFirstFragment, firstFragmentExpired) {
		cancel()
	}
}

// start reports false when the deadline already fired
func (d *firstFragmentDeadline) start() bool {
	return d.state.CompareAndSwap(waitingFirstFragment, streamStarted) || d.state.Load() == streamStarted
}

func (d *firstFragmentDeadline) expired() bool {
	return d.state.Load() == firstFragmentExpired
}
