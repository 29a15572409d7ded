package registry

import (
	"testing"

	"relay-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinCatalogue(t *testing.T) {
	r, err := Builtin().Build()
	require.NoError(t, err)

	assert.Equal(t, DefaultModelID, r.Default().ID)
	assert.Len(t, r.Models(), 6)

	m, ok := r.Lookup("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "openai/gpt-4o", m.ID)
	assert.Equal(t, shared.AmountFromFloat(2.5), m.Pricing.InputPerMillion)

	m, ok = r.Lookup("flux")
	require.True(t, ok)
	assert.Equal(t, KindMediaJob, m.Kind)
	assert.Equal(t, JobImage, m.Job)
}

func TestResolveUnknownFallsBack(t *testing.T) {
	r, err := Builtin().Build()
	require.NoError(t, err)

	res := r.Resolve("nonexistent/model")
	assert.True(t, res.Fallback)
	assert.Equal(t, "nonexistent/model", res.Requested)
	assert.Equal(t, DefaultModelID, res.Model.ID)

	res = r.Resolve("anthropic/claude-3.5-sonnet")
	assert.False(t, res.Fallback)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", res.Model.ID)
}

func TestClassifyUsesKindNotName(t *testing.T) {
	r, err := NewBuilder().
		Add(Model{ID: "text", UpstreamID: "u/text", Kind: KindStreamingText, Tier: TierFree}).
		// the id mentions video but the entry is a text model
		Add(Model{ID: "acme/video-chat", UpstreamID: "u/vc", Kind: KindStreamingText, Tier: TierFree}).
		Add(Model{ID: "acme/painter", UpstreamID: "u/p", Kind: KindMediaJob, Job: JobImage, Tier: TierPaid,
			Pricing: Pricing{Flat: 50 * shared.AmountScale}}).
		Default("text").
		Build()
	require.NoError(t, err)

	_, path, err := r.Classify("acme/video-chat")
	require.NoError(t, err)
	assert.Equal(t, PathStreamingText, path)

	_, path, err = r.Classify("acme/painter")
	require.NoError(t, err)
	assert.Equal(t, PathMediaJob, path)

	res, path, err := r.Classify("missing")
	require.NoError(t, err)
	assert.Equal(t, PathStreamingText, path)
	assert.True(t, res.Fallback)
}

func TestBuildValidation(t *testing.T) {
	cases := []struct {
		name string
		b    *Builder
	}{
		{"duplicate id", NewBuilder().
			Add(Model{ID: "a", UpstreamID: "a", Kind: KindStreamingText, Tier: TierFree}).
			Add(Model{ID: "a", UpstreamID: "a", Kind: KindStreamingText, Tier: TierFree}).
			Default("a")},
		{"missing default", NewBuilder().
			Add(Model{ID: "a", UpstreamID: "a", Kind: KindStreamingText, Tier: TierFree}).
			Default("b")},
		{"media default", NewBuilder().
			Add(Model{ID: "m", UpstreamID: "m", Kind: KindMediaJob, Job: JobImage, Tier: TierPaid, Pricing: Pricing{Flat: 1}}).
			Default("m")},
		{"unknown kind", NewBuilder().
			Add(Model{ID: "a", UpstreamID: "a", Tier: TierFree}).
			Default("a")},
		{"media without job", NewBuilder().
			Add(Model{ID: "a", UpstreamID: "a", Kind: KindStreamingText, Tier: TierFree}).
			Add(Model{ID: "m", UpstreamID: "m", Kind: KindMediaJob, Tier: TierPaid, Pricing: Pricing{Flat: 1}}).
			Default("a")},
		{"paid text without rates", NewBuilder().
			Add(Model{ID: "a", UpstreamID: "a", Kind: KindStreamingText, Tier: TierPaid}).
			Default("a")},
		{"dangling alias", NewBuilder().
			Add(Model{ID: "a", UpstreamID: "a", Kind: KindStreamingText, Tier: TierFree}).
			Alias("x", "nope").
			Default("a")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.b.Build()
			assert.Error(t, err)
		})
	}
}

func TestApplyCatalogue(t *testing.T) {
	b := Builtin()
	err := b.Apply([]byte(`
default: openai/gpt-4o
aliases:
  mini: openai/gpt-4o-mini
models:
  - id: openai/gpt-4o-mini
    name: GPT-4o mini
    family: OpenAI
    kind: text
    input_per_million: 0.15
    output_per_million: 0.6
  - id: openai/gpt-4o
    kind: text
    input_per_million: 5
    output_per_million: 15
`))
	require.NoError(t, err)
	r, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, "openai/gpt-4o", r.Default().ID)
	m, ok := r.Lookup("mini")
	require.True(t, ok)
	assert.Equal(t, shared.Amount(150_000), m.Pricing.InputPerMillion)
	assert.Equal(t, TierPaid, m.Tier)

	m, _ = r.Lookup("openai/gpt-4o")
	assert.Equal(t, shared.Amount(5*shared.AmountScale), m.Pricing.InputPerMillion)
	assert.Len(t, r.Models(), 7)
}

func TestApplyRejectsBadKind(t *testing.T) {
	err := Builtin().Apply([]byte(`
models:
  - id: x
    kind: hologram
`))
	assert.Error(t, err)
}

func TestFamiliesKeepOrder(t *testing.T) {
	r, err := Builtin().Build()
	require.NoError(t, err)
	fams := r.Families()
	require.NotEmpty(t, fams)
	assert.Equal(t, "DeepSeek", fams[0].Name)
	total := 0
	for _, f := range fams {
		total += len(f.Models)
	}
	assert.Equal(t, len(r.Models()), total)
}
