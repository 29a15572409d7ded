// Package meter prices generations. Token counts are estimated from character
// counts, the same heuristic is used for input and output.
package meter

import (
	"unicode/utf8"

	"relay-api/internal/registry"
	"relay-api/internal/shared"
)

const (
	CharsPerToken = 4
	perMillion    = 1_000_000
)

// TextCost is the price of a text generation with the given input and output
// sizes. It rounds up to the next micro unit, so any non-empty output on a
// priced model costs something.
func TextCost(p registry.Pricing, inputChars, outputChars int) shared.Amount {
	num := int64(inputChars)*int64(p.InputPerMillion) + int64(outputChars)*int64(p.OutputPerMillion)
	if num <= 0 {
		return 0
	}
	den := int64(CharsPerToken * perMillion)
	return shared.Amount((num + den - 1) / den)
}

func MediaCost(p registry.Pricing) shared.Amount {
	return p.Flat
}

// EstimateTokens is the token count reported in request logs
func EstimateTokens(chars int) int {
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// Running tracks the cost of a text generation while it streams. Cost never
// decreases as fragments are added.
type Running struct {
	pricing     registry.Pricing
	inputChars  int
	outputChars int
}

func NewRunning(p registry.Pricing, inputChars int) *Running {
	return &Running{pricing: p, inputChars: inputChars}
}

func (r *Running) Add(fragment string) shared.Amount {
	r.outputChars += utf8.RuneCountInString(fragment)
	return r.Cost()
}

// Peek is the cost after fragment without recording it
func (r *Running) Peek(fragment string) shared.Amount {
	return TextCost(r.pricing, r.inputChars, r.outputChars+utf8.RuneCountInString(fragment))
}

func (r *Running) Cost() shared.Amount {
	return TextCost(r.pricing, r.inputChars, r.outputChars)
}

func (r *Running) InputChars() int  { return r.inputChars }
func (r *Running) OutputChars() int { return r.outputChars }
