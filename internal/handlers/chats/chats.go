// Package chats turns a chat request into a generation attempt: model
// resolution, the funds check, conversation writes and context assembly
// happen in Prepare, the attempt itself runs in Stream or RunMedia.
package chats

import (
	"context"
	"errors"
	"time"

	"relay-api/internal/assembler"
	"relay-api/internal/conversations"
	"relay-api/internal/database"
	"relay-api/internal/dispatch"
	"relay-api/internal/metrics"
	"relay-api/internal/registry"
	"relay-api/internal/settlement"
	"relay-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/manifold-inc/manifold-sdk/lib/utils"
	"go.uber.org/zap"
)

type ConversationStore interface {
	Create(ctx context.Context, principalID uint64, title, model string, expiresAt *time.Time) (*shared.Conversation, error)
	Get(ctx context.Context, principalID, id uint64) (*shared.Conversation, error)
	RecentTurns(ctx context.Context, conversationID uint64, limit int) ([]shared.Turn, error)
	AppendUserTurn(ctx context.Context, conversationID uint64, text, attachmentURL string) (uint64, error)
}

type BalanceReader interface {
	Balance(ctx context.Context, principalID uint64) (shared.Amount, error)
}

type Settler interface {
	Settle(ctx context.Context, in settlement.Input) (*settlement.Result, error)
}

type UsageRecorder interface {
	Begin(principalID uint64)
	End(principalID uint64, rec database.UsageRecord)
}

type ChatHandler struct {
	Registry      *registry.Registry
	Assembler     *assembler.Assembler
	Conversations ConversationStore
	Balances      BalanceReader
	Dispatcher    *dispatch.Dispatcher
	Media         *dispatch.MediaAdapter
	Settlement    Settler
	Usage         UsageRecorder
	// MinBalance is the least balance a paid model needs before dispatch
	MinBalance shared.Amount
	Log        *zap.SugaredLogger
	Now        func() time.Time
}

type PrepareInput struct {
	Principal shared.Principal
	// ConversationID is zero for a new chat
	ConversationID uint64
	Message        string
	Model          string
	Temperature    *float32
	WebSearch      bool
	AttachmentURL  string
	Temporary      bool
}

// Attempt is a prepared generation. Everything it carries is a plain value,
// no request scoped handle survives into settlement.
type Attempt struct {
	h *ChatHandler

	ID           string
	Principal    shared.Principal
	Conversation shared.Conversation
	Resolution   registry.Resolution
	Path         registry.ExecutionPath
	Messages     []assembler.Message
	Temperature  float32
	WebSearch    bool
	Prompt       string
	Attachment   string
	UserTurnID   uint64
	log          *zap.SugaredLogger
}

func (a *Attempt) Model() registry.Model {
	return a.Resolution.Model
}

const attemptAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Prepare validates the request and writes the user turn. Nothing is written
// when it returns ErrInsufficientFunds.
func (h *ChatHandler) Prepare(ctx context.Context, in PrepareInput) (*Attempt, error) {
	if in.Message == "" && in.AttachmentURL == "" {
		return nil, shared.ErrEmptyMessage
	}
	if t := in.Temperature; t != nil && (*t < 0 || *t > shared.MaxTemperature) {
		return nil, shared.ErrBadTemperature
	}

	requested := in.Model
	if requested == "" {
		requested = h.Registry.Default().ID
	}
	res, path, err := h.Registry.Classify(requested)
	if err != nil {
		return nil, errors.Join(shared.ErrInternalServerError, err)
	}
	model := res.Model
	log := h.Log.With("principal_id", in.Principal.ID, "model", model.ID)
	if res.Fallback {
		log.Warnw("Unknown model requested, using default", "requested", res.Requested)
		metrics.ModelFallbacks.WithLabelValues(model.ID).Inc()
	}

	if err := h.checkFunds(ctx, in.Principal.ID, model); err != nil {
		return nil, err
	}

	conv, err := h.conversation(ctx, in, model)
	if err != nil {
		return nil, err
	}
	log = log.With("chat_id", conv.ID)

	history, err := h.Conversations.RecentTurns(ctx, conv.ID, h.Assembler.HistoryWindow())
	if err != nil {
		return nil, utils.Wrap("failed to read history", err)
	}
	turnID, err := h.Conversations.AppendUserTurn(ctx, conv.ID, in.Message, in.AttachmentURL)
	if err != nil {
		return nil, err
	}

	attachment := in.AttachmentURL
	if !model.Vision {
		attachment = ""
	}
	messages := h.Assembler.Assemble(assembler.Input{
		History:       history,
		Text:          in.Message,
		AttachmentURL: attachment,
	})

	id, err := nanoid.Generate(attemptAlphabet, 24)
	if err != nil {
		return nil, utils.Wrap("failed to generate attempt id", err)
	}

	temperature := shared.DefaultTemperature
	if in.Temperature != nil {
		temperature = *in.Temperature
	}

	return &Attempt{
		h:            h,
		ID:           "att_" + id,
		Principal:    in.Principal,
		Conversation: *conv,
		Resolution:   res,
		Path:         path,
		Messages:     messages,
		Temperature:  temperature,
		WebSearch:    in.WebSearch,
		Prompt:       in.Message,
		Attachment:   in.AttachmentURL,
		UserTurnID:   turnID,
		log:          log.With("attempt_id", "att_"+id),
	}, nil
}

// checkFunds applies to paid models only. The balance may be a cached read,
// the authoritative debit happens at settlement.
func (h *ChatHandler) checkFunds(ctx context.Context, principalID uint64, model registry.Model) error {
	if !model.Paid() {
		return nil
	}
	balance, err := h.Balances.Balance(ctx, principalID)
	if err != nil {
		return utils.Wrap("failed to read balance", err)
	}
	required := max(h.MinBalance, model.Pricing.Flat)
	if balance < required {
		metrics.InsufficientFunds.WithLabelValues(model.ID).Inc()
		return shared.ErrInsufficientFunds
	}
	return nil
}

func (h *ChatHandler) conversation(ctx context.Context, in PrepareInput, model registry.Model) (*shared.Conversation, error) {
	if in.ConversationID != 0 {
		return h.Conversations.Get(ctx, in.Principal.ID, in.ConversationID)
	}
	var expiresAt *time.Time
	if in.Temporary {
		t := h.now().Add(shared.TemporaryChatTTL)
		expiresAt = &t
	}
	return h.Conversations.Create(ctx, in.Principal.ID, conversations.Title(in.Message), model.ID, expiresAt)
}

func (h *ChatHandler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}
