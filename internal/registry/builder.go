package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"relay-api/internal/shared"

	"gopkg.in/yaml.v3"
)

// Builder collects catalogue entries. Registries are only obtained through
// Build so that a half-built catalogue is never observed.
type Builder struct {
	models  map[string]Model
	order   []string
	aliases map[string]string
	def     string
	errs    []error
}

func NewBuilder() *Builder {
	return &Builder{
		models:  map[string]Model{},
		aliases: map[string]string{},
	}
}

// Add registers a model. Adding an id twice is an error, use Override for
// catalogue files that replace built-in entries.
func (b *Builder) Add(m Model) *Builder {
	if _, ok := b.models[m.ID]; ok {
		b.errs = append(b.errs, fmt.Errorf("duplicate model id %s", m.ID))
		return b
	}
	b.models[m.ID] = m
	b.order = append(b.order, m.ID)
	return b
}

func (b *Builder) Override(m Model) *Builder {
	if _, ok := b.models[m.ID]; !ok {
		b.order = append(b.order, m.ID)
	}
	b.models[m.ID] = m
	return b
}

func (b *Builder) Alias(alias, target string) *Builder {
	b.aliases[alias] = target
	return b
}

func (b *Builder) Default(id string) *Builder {
	b.def = id
	return b
}

func (b *Builder) Build() (*Registry, error) {
	errs := append([]error{}, b.errs...)
	for _, id := range b.order {
		if err := validate(b.models[id]); err != nil {
			errs = append(errs, err)
		}
	}
	for alias, target := range b.aliases {
		if _, ok := b.models[alias]; ok {
			errs = append(errs, fmt.Errorf("alias %s shadows a model id", alias))
		}
		if _, ok := b.models[target]; !ok {
			errs = append(errs, fmt.Errorf("alias %s points to unknown model %s", alias, target))
		}
	}
	def, ok := b.models[b.def]
	if !ok {
		errs = append(errs, fmt.Errorf("default model %q is not registered", b.def))
	} else if def.Kind != KindStreamingText {
		errs = append(errs, fmt.Errorf("default model %s must be a text model", b.def))
	}
	if len(errs) != 0 {
		return nil, errors.Join(errs...)
	}

	r := &Registry{
		models:  make(map[string]Model, len(b.models)),
		aliases: make(map[string]string, len(b.aliases)),
		order:   append([]string{}, b.order...),
		def:     b.def,
	}
	for k, v := range b.models {
		r.models[k] = v
	}
	for k, v := range b.aliases {
		r.aliases[k] = v
	}
	return r, nil
}

const DefaultModelID = "deepseek/deepseek-chat"

// Builtin seeds a builder with the stock catalogue
func Builtin() *Builder {
	return NewBuilder().
		Add(Model{
			ID: "deepseek/deepseek-chat", Name: "DeepSeek V3", Family: "DeepSeek",
			UpstreamID: "deepseek/deepseek-chat", Kind: KindStreamingText, Tier: TierFree,
			WebSearch: true,
		}).
		Add(Model{
			ID: "openai/gpt-4o", Name: "GPT-4o", Family: "OpenAI",
			UpstreamID: "openai/gpt-4o", Kind: KindStreamingText, Tier: TierPaid,
			Pricing: Pricing{
				InputPerMillion:  shared.AmountFromFloat(2.5),
				OutputPerMillion: shared.AmountFromFloat(10),
			},
			Vision: true, WebSearch: true,
		}).
		Add(Model{
			ID: "anthropic/claude-3.5-sonnet", Name: "Claude 3.5 Sonnet", Family: "Anthropic",
			UpstreamID: "anthropic/claude-3.5-sonnet", Kind: KindStreamingText, Tier: TierPaid,
			Pricing: Pricing{
				InputPerMillion:  shared.AmountFromFloat(3),
				OutputPerMillion: shared.AmountFromFloat(15),
			},
			Vision: true, WebSearch: true,
		}).
		Add(Model{
			ID: "fal-ai/recraft-v3", Name: "Recraft V3", Family: "Images",
			UpstreamID: "fal-ai/recraft-v3", Kind: KindMediaJob, Job: JobImage, Tier: TierPaid,
			Pricing: Pricing{Flat: shared.AmountFromFloat(0.04)},
		}).
		Add(Model{
			ID: "fal-ai/flux-pro/v1.1-ultra", Name: "FLUX1.1 [pro] ultra", Family: "Images",
			UpstreamID: "fal-ai/flux-pro/v1.1-ultra", Kind: KindMediaJob, Job: JobImage, Tier: TierPaid,
			Pricing: Pricing{Flat: shared.AmountFromFloat(0.06)},
		}).
		Add(Model{
			ID: "fal-ai/kling-video/v1.6/standard/text-to-video", Name: "Kling 1.6", Family: "Video",
			UpstreamID: "fal-ai/kling-video/v1.6/standard/text-to-video", Kind: KindMediaJob, Job: JobVideo, Tier: TierPaid,
			Pricing: Pricing{Flat: shared.AmountFromFloat(0.5)},
		}).
		Alias("gpt-4o", "openai/gpt-4o").
		Alias("claude-3.5", "anthropic/claude-3.5-sonnet").
		Alias("recraft", "fal-ai/recraft-v3").
		Alias("flux", "fal-ai/flux-pro/v1.1-ultra").
		Default(DefaultModelID)
}

type catalogueFile struct {
	Default string            `yaml:"default"`
	Aliases map[string]string `yaml:"aliases"`
	Models  []catalogueEntry  `yaml:"models"`
}

type catalogueEntry struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Family     string   `yaml:"family"`
	UpstreamID string   `yaml:"upstream_id"`
	Kind       string   `yaml:"kind"`
	Job        string   `yaml:"job"`
	Input      *float64 `yaml:"input_per_million"`
	Output     *float64 `yaml:"output_per_million"`
	Flat       *float64 `yaml:"flat"`
	Tier       string   `yaml:"tier"`
	Vision     bool     `yaml:"vision"`
	WebSearch  bool     `yaml:"web_search"`
}

func parseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "streaming_text", "text":
		return KindStreamingText, nil
	case "media_job", "media":
		return KindMediaJob, nil
	default:
		return KindUnknown, fmt.Errorf("unknown kind %q", s)
	}
}

func (e catalogueEntry) model() (Model, error) {
	kind, err := parseKind(e.Kind)
	if err != nil {
		return Model{}, fmt.Errorf("model %s: %w", e.ID, err)
	}
	m := Model{
		ID:         e.ID,
		Name:       e.Name,
		Family:     e.Family,
		UpstreamID: e.UpstreamID,
		Kind:       kind,
		Job:        JobKind(e.Job),
		Tier:       Tier(e.Tier),
		Vision:     e.Vision,
		WebSearch:  e.WebSearch,
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.UpstreamID == "" {
		m.UpstreamID = m.ID
	}
	if m.Tier == "" {
		m.Tier = TierPaid
	}
	if e.Input != nil {
		m.Pricing.InputPerMillion = shared.AmountFromFloat(*e.Input)
	}
	if e.Output != nil {
		m.Pricing.OutputPerMillion = shared.AmountFromFloat(*e.Output)
	}
	if e.Flat != nil {
		m.Pricing.Flat = shared.AmountFromFloat(*e.Flat)
	}
	return m, nil
}

// Apply merges a YAML catalogue into the builder. Entries with an existing id
// replace the built-in entry.
func (b *Builder) Apply(data []byte) error {
	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse catalogue: %w", err)
	}
	for _, e := range file.Models {
		m, err := e.model()
		if err != nil {
			return err
		}
		b.Override(m)
	}
	for alias, target := range file.Aliases {
		b.Alias(alias, target)
	}
	if file.Default != "" {
		b.Default(file.Default)
	}
	return nil
}

func (b *Builder) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalogue: %w", err)
	}
	return b.Apply(data)
}

// Load builds the stock catalogue, optionally overlaid with a catalogue file
// and a default model override
func Load(path, defaultModel string) (*Registry, error) {
	b := Builtin()
	if path != "" {
		if err := b.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if defaultModel != "" {
		b.Default(defaultModel)
	}
	return b.Build()
}
