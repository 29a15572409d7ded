package chats

import (
	"context"
	"errors"
	"time"

	"relay-api/internal/assembler"
	"relay-api/internal/database"
	"relay-api/internal/dispatch"
	"relay-api/internal/meter"
	"relay-api/internal/metrics"
	"relay-api/internal/settlement"
	"relay-api/internal/shared"
)

// Summary is what the router logs about a finished attempt
type Summary struct {
	Outcome     string
	Charged     shared.Amount
	Balance     shared.Amount
	OutputChars int
	// estimated with the same heuristic used for pricing
	InputTokens  int
	OutputTokens int
	// Err is the cause of a failed attempt, for logs only
	Err error
}

// Stream runs a text attempt. Events go to write in order: meta, content
// fragments, then balance on success or error on failure. Settlement runs
// even when the client went away mid-stream.
func (a *Attempt) Stream(ctx context.Context, write func(shared.StreamEvent) error) *Summary {
	h := a.h
	model := a.Model()
	h.Usage.Begin(a.Principal.ID)

	var res *dispatch.StreamResult
	if err := write(shared.MetaEvent(a.Conversation.ID)); err != nil {
		res = &dispatch.StreamResult{Canceled: true}
	} else {
		res = h.Dispatcher.Stream(ctx, dispatch.StreamRequest{
			Model:       model,
			Messages:    a.Messages,
			Temperature: a.Temperature,
			WebSearch:   a.WebSearch,
			Query:       a.Prompt,
		}, func(f dispatch.Fragment) error {
			return write(shared.ContentEvent(f.Text))
		})
	}

	settled, serr := h.Settlement.Settle(ctx, settlement.Input{
		AttemptID:      a.ID,
		Principal:      a.Principal,
		ConversationID: a.Conversation.ID,
		Model:          model.ID,
		Cost:           res.Cost,
		Text:           res.Text,
	})

	sum := &Summary{
		Outcome:      res.Outcome(),
		OutputChars:  res.OutputChars,
		InputTokens:  meter.EstimateTokens(res.InputChars),
		OutputTokens: meter.EstimateTokens(res.OutputChars),
		Err:          res.Err,
	}
	if settled != nil {
		sum.Charged = settled.Charged
		sum.Balance = settled.Balance
	}
	if serr != nil {
		sum.Outcome = dispatch.OutcomeFailed
		sum.Err = errors.Join(serr, res.Err)
	}

	h.Usage.End(a.Principal.ID, database.UsageRecord{
		Model:            model.ID,
		InputChars:       res.InputChars,
		OutputChars:      res.OutputChars,
		Charged:          sum.Charged,
		Canceled:         res.Canceled,
		Failed:           sum.Err != nil,
		TimeToFirstToken: res.TimeToFirstToken,
		TotalTime:        res.Duration,
	})
	a.record(sum, res.Duration)

	switch {
	case res.Canceled:
		a.log.Infow("Client disconnected, partial output settled", "fragments", res.Fragments, "charged", sum.Charged.String())
	case sum.Err != nil:
		_ = write(shared.ErrorEvent(dispatch.UserMessage(sum.Err)))
	default:
		_ = write(shared.BalanceEvent(sum.Balance))
	}
	return sum
}

// MediaResponse is the single JSON body of a media attempt
type MediaResponse struct {
	ChatID   uint64        `json:"chat_id"`
	Balance  shared.Amount `json:"balance"`
	Messages []shared.Turn `json:"messages"`
}

// MediaError carries the message for the client and the chat the user turn
// was written to
type MediaError struct {
	ChatID  uint64
	Message string
	Err     error
}

func (e *MediaError) Error() string {
	return e.Message
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// RunMedia submits the job and waits for its artifact. The job is not tied to
// the client connection, a finished artifact is settled and saved even if
// nobody is waiting for it anymore.
func (a *Attempt) RunMedia(ctx context.Context) (*MediaResponse, *Summary) {
	h := a.h
	model := a.Model()
	h.Usage.Begin(a.Principal.ID)

	res := h.Media.Submit(context.WithoutCancel(ctx), dispatch.MediaRequest{
		Model:         model,
		Prompt:        a.Prompt,
		AttachmentURL: a.Attachment,
	})

	var text string
	if res.URL != "" {
		text = assembler.MediaLink(res.URL)
	}
	settled, serr := h.Settlement.Settle(ctx, settlement.Input{
		AttemptID:      a.ID,
		Principal:      a.Principal,
		ConversationID: a.Conversation.ID,
		Model:          model.ID,
		Cost:           res.Cost,
		Text:           text,
		ArtifactURL:    res.URL,
	})

	sum := &Summary{Outcome: res.Outcome(), Err: res.Err}
	if settled != nil {
		sum.Charged = settled.Charged
		sum.Balance = settled.Balance
	}
	if serr != nil {
		sum.Outcome = dispatch.OutcomeFailed
		sum.Err = errors.Join(serr, res.Err)
	}

	h.Usage.End(a.Principal.ID, database.UsageRecord{
		Model:     model.ID,
		Charged:   sum.Charged,
		Failed:    sum.Err != nil,
		TotalTime: res.Duration,
	})
	a.record(sum, res.Duration)

	if sum.Err != nil {
		return nil, sum
	}

	now := h.now()
	user := shared.Turn{
		ID:            a.UserTurnID,
		Role:          shared.RoleUser,
		Content:       shared.StringPtr(a.Prompt),
		AttachmentURL: shared.StringPtr(a.Attachment),
		CreatedAt:     now,
	}
	assistant := shared.Turn{
		Role:        shared.RoleAssistant,
		Content:     &text,
		ArtifactURL: &res.URL,
		CreatedAt:   now,
	}
	if settled != nil {
		assistant.ID = settled.TurnID
	}
	return &MediaResponse{
		ChatID:   a.Conversation.ID,
		Balance:  sum.Balance,
		Messages: []shared.Turn{user, assistant},
	}, sum
}

// Error converts a failed summary into the client facing error
func (a *Attempt) Error(sum *Summary) *MediaError {
	return &MediaError{ChatID: a.Conversation.ID, Message: dispatch.UserMessage(sum.Err), Err: sum.Err}
}

func (a *Attempt) record(sum *Summary, d time.Duration) {
	model := a.Model().ID
	path := a.Path.String()
	metrics.GenerationCount.WithLabelValues(model, path, sum.Outcome).Inc()
	metrics.GenerationDuration.WithLabelValues(model, path).Observe(d.Seconds())
	if sum.Err != nil {
		metrics.ErrorCount.WithLabelValues(model, path, shared.MetricsCode(sum.Err)).Inc()
		a.log.Warnw("Generation attempt failed", "outcome", sum.Outcome, "error", sum.Err, "charged", sum.Charged.String())
	}
}
