package shared

import "time"

// HTTP Client Configuration
const (
	DefaultHTTPTimeout           = 180 * time.Second
	DefaultShutdownTimeout       = 10 * time.Minute
	UpstreamStreamTimeout        = 10 * time.Minute
	UpstreamFirstFragmentTimeout = 90 * time.Second
	ArtifactDownloadTimeout      = 2 * time.Minute
	MirrorSyncTimeout            = 10 * time.Second
)

// Cache Configuration
const (
	PrincipalCacheTTL  = 1 * time.Minute
	BalanceCacheTTL    = 1 * time.Minute
	SharedChatCacheTTL = 10 * time.Minute
)

// Generation Configuration
const (
	DefaultContextTurns = 10
	DefaultTemperature  = float32(0.7)
	MaxTemperature      = float32(2)
	DefaultSystemPrompt = "You are a helpful assistant."
	TitleMaxLength      = 30
	TemporaryChatTTL    = 24 * time.Hour
	SettlementTimeout   = 30 * time.Second
	MaxArtifactBytes    = 64 << 20
	MaxUploadBytes      = 20 << 20
	SessionTokenMaxLen  = 128
)

// Media job polling configuration
const (
	JobPollingInterval = 2 * time.Second
	JobPollingMaxWait  = 10 * time.Minute
)

// Usage ledger configuration
const (
	UsageFlushInterval = 1 * time.Minute
	UsageRetryDelay    = 30 * time.Second
	MaxFlushRetries    = 3
)

// Janitor configuration
const (
	DefaultCleanupInterval = 10 * time.Minute
	CleanupTimeout         = 30 * time.Second
)
