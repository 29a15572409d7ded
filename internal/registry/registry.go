// Package registry holds the immutable model catalogue. It is built once at
// startup and is only read afterwards, so it carries no locks.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"relay-api/internal/shared"
)

// Kind is the execution shape of a model
type Kind int

const (
	KindUnknown Kind = iota
	KindStreamingText
	KindMediaJob
)

func (k Kind) String() string {
	switch k {
	case KindStreamingText:
		return "streaming_text"
	case KindMediaJob:
		return "media_job"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// JobKind is the artifact a media job produces
type JobKind string

const (
	JobImage JobKind = "image"
	JobVideo JobKind = "video"
	JobAudio JobKind = "audio"
)

type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Pricing for streaming text is per million tokens, for media jobs it is a
// flat price per job. Only the fields matching the model kind are set.
type Pricing struct {
	InputPerMillion  shared.Amount `json:"input_per_million,omitempty"`
	OutputPerMillion shared.Amount `json:"output_per_million,omitempty"`
	Flat             shared.Amount `json:"flat,omitempty"`
}

type Model struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Family     string  `json:"family"`
	UpstreamID string  `json:"-"`
	Kind       Kind    `json:"kind"`
	Job        JobKind `json:"job,omitempty"`
	Pricing    Pricing `json:"pricing"`
	Tier       Tier    `json:"tier"`
	Vision     bool    `json:"vision"`
	WebSearch  bool    `json:"web_search"`
}

func (m Model) Paid() bool {
	return m.Tier != TierFree
}

// Resolution is the outcome of resolving a requested identifier
type Resolution struct {
	Requested string
	Model     Model
	// Fallback is set when the requested identifier was unknown and the
	// default model was substituted
	Fallback bool
}

var ErrAmbiguousKind = errors.New("model has no unambiguous execution kind")

type Registry struct {
	models  map[string]Model
	aliases map[string]string
	order   []string
	def     string
}

// Lookup resolves an exact id or alias without falling back
func (r *Registry) Lookup(id string) (Model, bool) {
	id = strings.TrimSpace(id)
	if target, ok := r.aliases[id]; ok {
		id = target
	}
	m, ok := r.models[id]
	return m, ok
}

// Resolve never fails, unknown identifiers resolve to the default model
func (r *Registry) Resolve(id string) Resolution {
	if m, ok := r.Lookup(id); ok {
		return Resolution{Requested: id, Model: m}
	}
	return Resolution{Requested: id, Model: r.models[r.def], Fallback: true}
}

func (r *Registry) Default() Model {
	return r.models[r.def]
}

// Models returns the catalogue in a stable order
func (r *Registry) Models() []Model {
	out := make([]Model, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// Family groups models for the client picker
type Family struct {
	Name   string  `json:"name"`
	Models []Model `json:"models"`
}

func (r *Registry) Families() []Family {
	index := map[string]int{}
	var out []Family
	for _, m := range r.Models() {
		i, ok := index[m.Family]
		if !ok {
			i = len(out)
			index[m.Family] = i
			out = append(out, Family{Name: m.Family})
		}
		out[i].Models = append(out[i].Models, m)
	}
	return out
}

func (r *Registry) Aliases() map[string]string {
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

func validate(m Model) error {
	if m.ID == "" {
		return errors.New("model id is required")
	}
	if m.UpstreamID == "" {
		return fmt.Errorf("model %s: upstream id is required", m.ID)
	}
	switch m.Kind {
	case KindStreamingText:
		if m.Job != "" || m.Pricing.Flat != 0 {
			return fmt.Errorf("model %s: %w: text model carries media job fields", m.ID, ErrAmbiguousKind)
		}
		if m.Pricing.InputPerMillion < 0 || m.Pricing.OutputPerMillion < 0 {
			return fmt.Errorf("model %s: negative price", m.ID)
		}
		if m.Paid() && m.Pricing.InputPerMillion == 0 && m.Pricing.OutputPerMillion == 0 {
			return fmt.Errorf("model %s: paid text model needs token rates", m.ID)
		}
	case KindMediaJob:
		if m.Pricing.InputPerMillion != 0 || m.Pricing.OutputPerMillion != 0 {
			return fmt.Errorf("model %s: %w: media model carries token rates", m.ID, ErrAmbiguousKind)
		}
		switch m.Job {
		case JobImage, JobVideo, JobAudio:
		default:
			return fmt.Errorf("model %s: %w: unknown job kind %q", m.ID, ErrAmbiguousKind, m.Job)
		}
		if m.Pricing.Flat < 0 {
			return fmt.Errorf("model %s: negative price", m.ID)
		}
		if m.Paid() && m.Pricing.Flat == 0 {
			return fmt.Errorf("model %s: paid media model needs a flat price", m.ID)
		}
	default:
		return fmt.Errorf("model %s: %w", m.ID, ErrAmbiguousKind)
	}
	return nil
}
