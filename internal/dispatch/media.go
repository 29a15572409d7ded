package dispatch

import (
	"context"
	"errors"
	"time"

	"relay-api/internal/meter"
	"relay-api/internal/providers/fal"
	"relay-api/internal/registry"
	"relay-api/internal/shared"

	"go.uber.org/zap"
)

type MediaAdapter struct {
	Jobs     JobProvider
	Rehoster Rehoster
	Log      *zap.SugaredLogger
}

type MediaRequest struct {
	Model         registry.Model
	Prompt        string
	AttachmentURL string
}

type MediaResult struct {
	// URL is the rehosted artifact, never the provider's own url
	URL      string
	Cost     shared.Amount
	Duration time.Duration
	Err      error
}

func (r *MediaResult) Outcome() string {
	if r.Err != nil {
		return OutcomeFailed
	}
	return OutcomeSuccess
}

// Submit runs the job to completion and rehosts its artifact. Cost is only
// set when a durable artifact exists.
func (a *MediaAdapter) Submit(ctx context.Context, req MediaRequest) *MediaResult {
	start := time.Now()
	res := &MediaResult{}
	defer func() { res.Duration = time.Since(start) }()

	if req.Prompt == "" {
		res.Err = errors.Join(shared.ErrJobFailed, errors.New("empty prompt"))
		return res
	}
	sourceURL, err := a.Jobs.Run(ctx, fal.Job{
		Model:    req.Model.UpstreamID,
		Kind:     req.Model.Job,
		Prompt:   req.Prompt,
		ImageURL: req.AttachmentURL,
	})
	if err != nil {
		res.Err = err
		return res
	}

	url, err := a.Rehoster.Rehost(ctx, sourceURL)
	if err != nil {
		a.Log.Warnw("Failed to rehost artifact", "source", sourceURL, "error", err)
		res.Err = errors.Join(shared.ErrRehostFailed, err)
		return res
	}
	res.URL = url
	res.Cost = meter.MediaCost(req.Model.Pricing)
	return res
}
