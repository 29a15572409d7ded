// Package fal submits generation jobs to the fal.ai queue API and waits for
// their result.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"relay-api/internal/providers"
	"relay-api/internal/registry"
	"relay-api/internal/shared"

	"go.uber.org/zap"
)

const DefaultBaseURL = "https://queue.fal.run"

type Client struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	Log          *zap.SugaredLogger
	PollInterval time.Duration
	MaxWait      time.Duration
}

func New(baseURL, apiKey string, log *zap.SugaredLogger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		HTTPClient:   providers.NewHTTPClient(),
		Log:          log,
		PollInterval: shared.JobPollingInterval,
		MaxWait:      shared.JobPollingMaxWait,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.APIKey != ""
}

type Job struct {
	Model    string
	Kind     registry.JobKind
	Prompt   string
	ImageURL string
}

func (j Job) arguments() map[string]any {
	args := map[string]any{"prompt": j.Prompt}
	switch j.Kind {
	case registry.JobImage:
		args["image_size"] = "landscape_16_9"
	case registry.JobVideo:
		args["aspect_ratio"] = "16:9"
	}
	if j.ImageURL != "" {
		args["image_url"] = j.ImageURL
	}
	return args
}

type submitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type file struct {
	URL string `json:"url"`
}

type resultResponse struct {
	Images []file `json:"images"`
	Image  *file  `json:"image"`
	Video  *file  `json:"video"`
	Audio  *file  `json:"audio"`
	File   *file  `json:"file"`
	Detail any    `json:"detail"`
}

func (r resultResponse) url() string {
	if len(r.Images) > 0 && r.Images[0].URL != "" {
		return r.Images[0].URL
	}
	for _, f := range []*file{r.Image, r.Video, r.Audio, r.File} {
		if f != nil && f.URL != "" {
			return f.URL
		}
	}
	return ""
}

// Run submits the job and blocks until the provider reports a result. The
// returned url is the provider's own, possibly short lived, artifact url.
func (c *Client) Run(ctx context.Context, job Job) (string, error) {
	if !c.Configured() {
		return "", shared.ErrProviderNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, c.MaxWait)
	defer cancel()

	payload, err := json.Marshal(job.arguments())
	if err != nil {
		return "", errors.Join(shared.ErrUpstreamHTTP, err)
	}
	var sub submitResponse
	if err := c.do(ctx, http.MethodPost, c.BaseURL+"/"+strings.TrimLeft(job.Model, "/"), payload, &sub); err != nil {
		return "", err
	}
	if sub.StatusURL == "" || sub.ResponseURL == "" {
		return "", errors.Join(shared.ErrJobFailed, errors.New("submit response is missing queue urls"))
	}

	log := c.Log.With("request_id", sub.RequestID, "model", job.Model)
	log.Infow("Submitted media job")

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", shared.ErrJobTimeout
			}
			return "", errors.Join(shared.ErrUpstreamContext, ctx.Err())
		case <-ticker.C:
			var st statusResponse
			if err := c.do(ctx, http.MethodGet, sub.StatusURL, nil, &st); err != nil {
				if ctx.Err() != nil {
					continue
				}
				if errors.Is(err, shared.ErrUpstreamAuth) || errors.Is(err, shared.ErrRegionBlocked) {
					return "", err
				}
				log.Warnw("Failed to poll media job", "error", err)
				continue
			}
			switch strings.ToUpper(st.Status) {
			case "IN_QUEUE", "IN_PROGRESS":
				continue
			case "COMPLETED":
				if st.Error != "" {
					return "", errors.Join(shared.ErrJobFailed, errors.New(st.Error))
				}
				return c.result(ctx, sub.ResponseURL)
			default:
				return "", errors.Join(shared.ErrJobFailed, fmt.Errorf("job status %s: %s", st.Status, st.Error))
			}
		}
	}
}

func (c *Client) result(ctx context.Context, responseURL string) (string, error) {
	var out resultResponse
	if err := c.do(ctx, http.MethodGet, responseURL, nil, &out); err != nil {
		return "", errors.Join(shared.ErrJobFailed, err)
	}
	url := out.url()
	if url == "" {
		return "", shared.ErrJobNoArtifact
	}
	return url, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	r, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errors.Join(shared.ErrUpstreamHTTP, err)
	}
	r.Header.Set("Authorization", "Key "+c.APIKey)
	if payload != nil {
		r.Header.Set("Content-Type", "application/json")
	}

	res, err := c.HTTPClient.Do(r)
	if err != nil {
		return errors.Join(shared.ErrUpstreamHTTP, err)
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			c.Log.Warnw("Failed to close response body", "error", closeErr)
		}
	}()
	// the status endpoint answers 202 while the job is queued
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
		return providers.StatusError(res)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Join(shared.ErrUpstreamRead, err)
	}
	return nil
}
