package shared

import (
	"encoding/json"
	"math"
	"strconv"
)

// AmountScale is the number of micro units in one currency unit
const AmountScale = 1_000_000

// Amount is money in micro units. Balances are stored and compared as
// integers so that repeated debits never drift.
type Amount int64

func AmountFromFloat(f float64) Amount {
	return Amount(math.Round(f * AmountScale))
}

func (a Amount) Float64() float64 {
	return float64(a) / AmountScale
}

func (a Amount) String() string {
	return strconv.FormatFloat(a.Float64(), 'f', -1, 64)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Float64())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*a = AmountFromFloat(f)
	return nil
}

// Principal is the balance holding identity a generation is billed to.
// Balance is intentionally absent, it is always read fresh.
type Principal struct {
	ID         uint64 `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	EventMeta    = "meta"
	EventContent = "content"
	EventBalance = "balance"
	EventError   = "error"
)

// StreamEvent is one line of the NDJSON generation stream
type StreamEvent struct {
	Type    string   `json:"type"`
	ChatID  uint64   `json:"chat_id,omitempty"`
	Text    string   `json:"text,omitempty"`
	Balance *float64 `json:"balance,omitempty"`
}

func MetaEvent(chatID uint64) StreamEvent {
	return StreamEvent{Type: EventMeta, ChatID: chatID}
}

func ContentEvent(text string) StreamEvent {
	return StreamEvent{Type: EventContent, Text: text}
}

func BalanceEvent(balance Amount) StreamEvent {
	b := balance.Float64()
	return StreamEvent{Type: EventBalance, Balance: &b}
}

func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventError, Text: msg}
}

// ErrorBody is the json error body for non streaming responses
type ErrorBody struct {
	Error  string `json:"error"`
	ChatID uint64 `json:"chat_id,omitempty"`
}
