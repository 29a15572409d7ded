// Package settlement debits principals and persists assistant turns, once per
// generation attempt
package settlement

import (
	"context"
	"database/sql"
	"errors"
	"time"
	"unicode/utf8"

	"relay-api/internal/database"
	"relay-api/internal/metrics"
	"relay-api/internal/shared"

	"go.uber.org/zap"
)

type BalanceMirror interface {
	Sync(ctx context.Context, p shared.Principal, balance shared.Amount) error
}

type Engine struct {
	WDB      *sql.DB
	Mirror   BalanceMirror
	Log      *zap.SugaredLogger
	Timeout  time.Duration
	Attempts int
}

func NewEngine(wdb *sql.DB, mirror BalanceMirror, log *zap.SugaredLogger) *Engine {
	return &Engine{WDB: wdb, Mirror: mirror, Log: log, Timeout: shared.SettlementTimeout, Attempts: 2}
}

// Input only carries plain values. The engine re-reads every row it mutates
// inside its own transaction.
type Input struct {
	AttemptID      string
	Principal      shared.Principal
	ConversationID uint64
	Model          string
	Cost           shared.Amount
	Text           string
	ArtifactURL    string
}

func (in Input) produced() bool {
	return in.Text != "" || in.ArtifactURL != ""
}

type Result struct {
	Balance shared.Amount
	Charged shared.Amount
	TurnID  uint64
	// AlreadySettled is set when the attempt had been settled before and
	// nothing was written
	AlreadySettled bool
	// ConversationGone is set when the conversation was deleted while the
	// generation ran. The debit still applies, the turn is not written.
	ConversationGone bool
}

var errAlreadySettled = errors.New("attempt already settled")

// Settle runs detached from ctx cancellation so that a client disconnect
// cannot stop a partial generation from being billed and saved.
func (e *Engine) Settle(ctx context.Context, in Input) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.Timeout)
	defer cancel()

	log := e.Log.With(
		"attempt_id", in.AttemptID,
		"principal_id", in.Principal.ID,
		"chat_id", in.ConversationID,
		"model", in.Model,
	)

	if !in.produced() {
		balance, err := database.GetBalance(ctx, e.WDB, in.Principal.ID)
		if err != nil {
			return nil, errors.Join(shared.ErrSettlement, err)
		}
		return &Result{Balance: balance}, nil
	}

	attempts := max(e.Attempts, 1)
	var res *Result
	var err error
	for i := range attempts {
		res, err = e.settleOnce(ctx, in)
		if err == nil || ctx.Err() != nil {
			break
		}
		log.Warnw("Settlement transaction failed", "error", err, "try", i+1)
	}
	if err != nil {
		metrics.SettlementFailures.Inc()
		log.Errorw("Settlement failed, manual reconciliation required",
			"error", err,
			"cost", in.Cost.String(),
			"text_chars", utf8.RuneCountInString(in.Text),
			"artifact_url", in.ArtifactURL,
		)
		return nil, errors.Join(shared.ErrSettlement, err)
	}

	if res.AlreadySettled {
		log.Infow("Attempt already settled, skipping")
		return res, nil
	}
	if res.ConversationGone {
		log.Warnw("Conversation removed during generation, turn not saved", "cost", in.Cost.String())
	}
	if res.Charged > 0 {
		metrics.AmountCharged.WithLabelValues(in.Model).Add(res.Charged.Float64())
		if e.Mirror != nil {
			if err := e.Mirror.Sync(ctx, in.Principal, res.Balance); err != nil {
				log.Warnw("Balance mirror sync failed", "error", err, "balance", res.Balance.String())
			}
		}
	}
	return res, nil
}

func (e *Engine) settleOnce(ctx context.Context, in Input) (*Result, error) {
	res := &Result{}
	err := database.ExecuteTransaction(ctx, e.WDB, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			claimed, err := database.ClaimAttempt(ctx, tx, in.AttemptID, in.Principal.ID, in.ConversationID, in.Cost)
			if err != nil {
				return err
			}
			if !claimed {
				return errAlreadySettled
			}
			return nil
		},
		func(tx *sql.Tx) error {
			exists, err := database.LockConversation(ctx, tx, in.ConversationID)
			if err != nil {
				return err
			}
			if !exists {
				res.ConversationGone = true
				return nil
			}
			res.TurnID, err = database.InsertTurn(ctx, tx, database.NewTurn{
				ConversationID: in.ConversationID,
				Role:           shared.RoleAssistant,
				Content:        shared.StringPtr(in.Text),
				ArtifactURL:    shared.StringPtr(in.ArtifactURL),
				AttemptID:      &in.AttemptID,
				Cost:           in.Cost,
			})
			return err
		},
		func(tx *sql.Tx) error {
			d, err := database.DebitPrincipal(ctx, tx, in.Principal.ID, in.Cost)
			if err != nil {
				return err
			}
			res.Balance = d.After
			res.Charged = d.Charged
			return nil
		},
		func(tx *sql.Tx) error {
			if res.ConversationGone {
				return nil
			}
			return database.TouchConversation(ctx, tx, in.ConversationID)
		},
	})
	if errors.Is(err, errAlreadySettled) {
		balance, err := database.GetBalance(ctx, e.WDB, in.Principal.ID)
		if err != nil {
			return nil, err
		}
		return &Result{Balance: balance, AlreadySettled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
