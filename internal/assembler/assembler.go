// Package assembler builds the ordered message payload sent to text
// providers from persisted history.
package assembler

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"relay-api/internal/shared"
)

// Message is one chat completion message. When ImageURL is set the content is
// sent as separate text and image parts.
type Message struct {
	Role     string
	Text     string
	ImageURL string
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imagePart struct {
	Type     string `json:"type"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.ImageURL == "" {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{m.Role, m.Text})
	}
	img := imagePart{Type: "image_url"}
	img.ImageURL.URL = m.ImageURL
	parts := []any{}
	if m.Text != "" {
		parts = append(parts, textPart{Type: "text", Text: m.Text})
	}
	parts = append(parts, img)
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content []any  `json:"content"`
	}{m.Role, parts})
}

type Input struct {
	// History is oldest first and does not contain the new user turn
	History       []shared.Turn
	Text          string
	AttachmentURL string
}

type Assembler struct {
	SystemPrompt string
	MaxTurns     int
}

func New() *Assembler {
	return &Assembler{SystemPrompt: shared.DefaultSystemPrompt, MaxTurns: shared.DefaultContextTurns}
}

// Assemble returns the system prompt followed by at most MaxTurns
// conversation turns, the last of which is the new user turn.
func (a *Assembler) Assemble(in Input) []Message {
	var turns []Message
	for _, t := range in.History {
		m, ok := fromTurn(t)
		if ok {
			turns = append(turns, m)
		}
	}
	turns = append(turns, Message{Role: shared.RoleUser, Text: in.Text, ImageURL: in.AttachmentURL})

	limit := a.MaxTurns
	if limit <= 0 {
		limit = shared.DefaultContextTurns
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	out := make([]Message, 0, len(turns)+1)
	out = append(out, Message{Role: shared.RoleSystem, Text: a.SystemPrompt})
	return append(out, turns...)
}

// WithSearchContext inserts extra as a system message after the leading
// system messages. msgs is not modified.
func WithSearchContext(msgs []Message, extra string) []Message {
	if extra == "" {
		return msgs
	}
	out := make([]Message, 0, len(msgs)+1)
	i := 0
	for i < len(msgs) && msgs[i].Role == shared.RoleSystem {
		i++
	}
	out = append(out, msgs[:i]...)
	out = append(out, Message{Role: shared.RoleSystem, Text: extra})
	return append(out, msgs[i:]...)
}

// HistoryWindow is how many stored turns are needed to fill the window
// alongside the new turn
func (a *Assembler) HistoryWindow() int {
	if a.MaxTurns <= 1 {
		return 0
	}
	return a.MaxTurns - 1
}

func fromTurn(t shared.Turn) (Message, bool) {
	if t.Role != shared.RoleUser && t.Role != shared.RoleAssistant {
		return Message{}, false
	}
	text := strings.TrimSpace(shared.DerefString(t.Content))
	// generated media is not useful context for a text model
	if t.Role == shared.RoleAssistant && (t.ArtifactURL != nil || isMediaLink(text)) {
		return Message{}, false
	}
	if text == "" {
		return Message{}, false
	}
	return Message{Role: t.Role, Text: text}, true
}

func isMediaLink(s string) bool {
	return strings.HasPrefix(s, "![") && strings.Contains(s, "](")
}

// Chars is the input size used for pricing
func Chars(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += utf8.RuneCountInString(m.Text)
	}
	return n
}

// MediaLink renders a generated artifact as the stored assistant content
func MediaLink(url string) string {
	return "![Generated](" + url + ")"
}
