package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"relay-api/internal/assembler"
	"relay-api/internal/meter"
	"relay-api/internal/metrics"
	"relay-api/internal/providers/openrouter"
	"relay-api/internal/registry"
	"relay-api/internal/shared"

	"go.uber.org/zap"
)

type Dispatcher struct {
	Text   TextProvider
	Search Searcher
	Log    *zap.SugaredLogger
}

type StreamRequest struct {
	Model       registry.Model
	Messages    []assembler.Message
	Temperature float32
	// WebSearch asks for search enrichment, it only applies when the model
	// allows it
	WebSearch bool
	Query     string
}

// Fragment is one forwarded piece of text and the running cost including it
type Fragment struct {
	Text string
	Cost shared.Amount
}

type StreamResult struct {
	Text             string
	Cost             shared.Amount
	InputChars       int
	OutputChars      int
	Fragments        int
	Completed        bool
	Canceled         bool
	TimeToFirstToken time.Duration
	Duration         time.Duration
	Err              error
}

func (r *StreamResult) Outcome() string {
	switch {
	case r.Canceled:
		return OutcomeCanceled
	case r.Err != nil && r.Fragments > 0:
		return OutcomePartial
	case r.Err != nil:
		return OutcomeFailed
	default:
		return OutcomeSuccess
	}
}

var errClientGone = errors.New("client stopped receiving")

// Stream forwards upstream fragments to emit in arrival order. A fragment is
// only accumulated and billed once emit accepted it, and nothing is processed
// after ctx is canceled or emit fails.
func (d *Dispatcher) Stream(ctx context.Context, req StreamRequest, emit func(Fragment) error) *StreamResult {
	start := time.Now()
	messages := req.Messages
	if req.WebSearch && req.Model.WebSearch && d.Search != nil {
		messages = assembler.WithSearchContext(messages, d.Search.Context(ctx, req.Query))
	}

	res := &StreamResult{InputChars: assembler.Chars(messages)}
	running := meter.NewRunning(req.Model.Pricing, res.InputChars)
	var text strings.Builder

	upstream, err := d.Text.StreamChat(ctx, openrouter.Request{
		Model:       req.Model.UpstreamID,
		Messages:    messages,
		Temperature: req.Temperature,
	}, func(fragment string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cost := running.Peek(fragment)
		if err := emit(Fragment{Text: fragment, Cost: cost}); err != nil {
			return errors.Join(errClientGone, err)
		}
		running.Add(fragment)
		text.WriteString(fragment)
		res.Fragments++
		return nil
	})

	res.Text = text.String()
	// input is only billed alongside output
	if res.Fragments > 0 {
		res.Cost = running.Cost()
	}
	res.OutputChars = running.OutputChars()
	res.Duration = time.Since(start)
	if upstream != nil {
		res.Completed = upstream.Completed && err == nil
		res.TimeToFirstToken = upstream.TimeToFirstToken
	}

	switch {
	case err == nil:
	case errors.Is(err, errClientGone), ctx.Err() != nil:
		res.Canceled = true
	default:
		res.Err = err
	}

	model := req.Model.ID
	metrics.InputChars.WithLabelValues(model).Add(float64(res.InputChars))
	metrics.OutputChars.WithLabelValues(model).Add(float64(res.OutputChars))
	if res.TimeToFirstToken > 0 {
		metrics.TimeToFirstFragment.WithLabelValues(model).Observe(res.TimeToFirstToken.Seconds())
	}
	if res.Canceled {
		metrics.CanceledGenerations.WithLabelValues(model).Inc()
	}
	return res
}
