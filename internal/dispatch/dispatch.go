// Package dispatch runs generation attempts against upstream providers. Provider
// failures are turned into results here and never returned as errors past
// this package.
package dispatch

import (
	"context"
	"errors"

	"relay-api/internal/providers/fal"
	"relay-api/internal/providers/openrouter"
	"relay-api/internal/shared"
)

type TextProvider interface {
	StreamChat(ctx context.Context, req openrouter.Request, onFragment func(string) error) (*openrouter.Result, error)
}

type JobProvider interface {
	Run(ctx context.Context, job fal.Job) (string, error)
}

type Rehoster interface {
	Rehost(ctx context.Context, sourceURL string) (string, error)
}

type Searcher interface {
	Context(ctx context.Context, query string) string
}

const (
	OutcomeSuccess  = "success"
	OutcomePartial  = "partial"
	OutcomeCanceled = "canceled"
	OutcomeFailed   = "failed"
)

// UserMessage is the explanation shown to a client for a failed attempt. The
// underlying error is only logged.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, shared.ErrRegionBlocked):
		return "This model is not available in your region. Please choose another model."
	case errors.Is(err, shared.ErrUpstreamAuth):
		return "The provider rejected the request. Please try again later."
	case errors.Is(err, shared.ErrUpstreamRateLimited):
		return "The provider is busy right now. Please retry in a moment."
	case errors.Is(err, shared.ErrFirstFragmentTimeout):
		return "The model did not respond in time. Please try again."
	case errors.Is(err, shared.ErrJobTimeout):
		return "Generation took too long and was stopped. You were not charged."
	case errors.Is(err, shared.ErrJobFailed), errors.Is(err, shared.ErrJobNoArtifact):
		return "Generation failed. You were not charged."
	case errors.Is(err, shared.ErrRehostFailed):
		return "The generated file could not be saved. You were not charged."
	case errors.Is(err, shared.ErrProviderNotConfigured):
		return "This model is temporarily unavailable."
	case errors.Is(err, shared.ErrUpstreamStreamError),
		errors.Is(err, shared.ErrUpstreamRead),
		errors.Is(err, shared.ErrMissingDoneToken):
		return "The response was interrupted."
	case errors.Is(err, shared.ErrSettlement):
		return "Your answer could not be saved. Please contact support if your balance looks wrong."
	default:
		return "Generation failed. Please try again."
	}
}
