// Package agent – config.go defines all configuration structures for the
// ReplyClaw auto-reply agent.
package agent

import (
	"strings"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels/discord"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels/telegram"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels/whatsapp"
)

// ProviderKeyNames maps provider IDs to their standard API key variable names.
// These follow industry conventions (OPENAI_API_KEY, ANTHROPIC_API_KEY, etc.)
var ProviderKeyNames = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"xai":        "XAI_API_KEY",
	"groq":       "GROQ_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"custom":     "CUSTOM_API_KEY",
}

// GetProviderKeyName returns the standard API key variable name for a provider.
// Falls back to "API_KEY" for unknown providers.
func GetProviderKeyName(provider string) string {
	if name, ok := ProviderKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "API_KEY"
}

// Config holds all agent configuration.
type Config struct {
	// Name is the agent name shown in logs and status output.
	Name string `yaml:"name"`

	// Enabled is the auto-reply switch state at startup. The switch can be
	// flipped at runtime via admin commands or the away schedule.
	Enabled bool `yaml:"enabled"`

	// Model is the completion model to use (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// API configures the completion provider endpoint.
	API APIConfig `yaml:"api"`

	// Instructions is the system prompt sent with every completion request.
	// The default asks for concise, conversational replies written on the
	// owner's behalf.
	Instructions string `yaml:"instructions"`

	// Timezone is the IANA timezone for the away schedule
	// (e.g. "America/Sao_Paulo"). Empty uses the system local time.
	Timezone string `yaml:"timezone"`

	// Access configures which contacts receive automatic replies.
	Access AccessConfig `yaml:"access"`

	// Reply configures history depth, prompt assembly, and retry behavior.
	Reply ReplyConfig `yaml:"reply"`

	// Poll configures the unread polling cadence.
	Poll PollConfig `yaml:"poll"`

	// CannedReplies are deterministic keyword rules answered without
	// calling the completion provider.
	CannedReplies []CannedReply `yaml:"canned_replies"`

	// Schedule configures cron rules that flip auto-reply on and off.
	Schedule ScheduleConfig `yaml:"schedule"`

	// Channels configures the messaging drivers.
	Channels ChannelsConfig `yaml:"channels"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the completion provider endpoint and credentials.
type APIConfig struct {
	// BaseURL is the API base URL (OpenAI-compatible endpoint).
	// Examples:
	//   https://api.openai.com/v1       (OpenAI)
	//   https://api.anthropic.com/v1    (Anthropic direct)
	//   http://localhost:11434/v1       (Ollama)
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key for the provider.
	// Can also be set via the REPLYCLAW_API_KEY environment variable,
	// the OS keyring (`replyclaw key set`), or the encrypted vault.
	APIKey string `yaml:"api_key"`

	// Provider hints which wire format to use ("openai", "anthropic").
	// Auto-detected from base_url if omitted.
	Provider string `yaml:"provider"`

	// MaxTokens caps the reply length requested from the provider
	// (default: 150 — auto-replies should stay short).
	MaxTokens int `yaml:"max_tokens"`

	// Temperature is the sampling temperature (default: 0.7).
	Temperature float64 `yaml:"temperature"`
}

// AccessConfig configures the contact filter.
type AccessConfig struct {
	// Allow lists contacts eligible for automatic replies. An empty list
	// means no allow restriction: everyone not blocked is eligible.
	Allow []string `yaml:"allow"`

	// Block lists contacts that never receive automatic replies.
	// Block always wins over Allow when a contact appears in both.
	Block []string `yaml:"block"`

	// RecordFiltered also records messages from ineligible contacts into
	// the in-memory history for audit, without replying (default: false).
	RecordFiltered bool `yaml:"record_filtered"`

	// Admins lists contacts allowed to run /commands in chat
	// (e.g. /pause, /allow, /block).
	Admins []string `yaml:"admins"`
}

// ReplyConfig configures history depth, prompt assembly, and retries.
type ReplyConfig struct {
	// HistoryBound is the max messages kept in memory per contact
	// (default: 10). Oldest messages are evicted first.
	HistoryBound int `yaml:"history_bound"`

	// ContextMessages is how many recent messages are included in the
	// prompt (default: 5). Never more than HistoryBound.
	ContextMessages int `yaml:"context_messages"`

	// PromptMaxChars caps the assembled prompt size in characters
	// (default: 6000). Oldest context is dropped first to fit.
	PromptMaxChars int `yaml:"prompt_max_chars"`

	// CompletionTimeoutSeconds bounds each completion call (default: 30).
	CompletionTimeoutSeconds int `yaml:"completion_timeout_seconds"`

	// RetryCount is how many retries follow a transient completion
	// failure (default: 1). 0 uses the default.
	RetryCount int `yaml:"retry_count"`

	// ResponseDelaySeconds is the pause before delivering a reply so
	// responses feel human-paced (default: 2).
	ResponseDelaySeconds int `yaml:"response_delay_seconds"`
}

// Effective returns a copy with default values filled in for zero fields.
func (r ReplyConfig) Effective() ReplyConfig {
	out := r
	if out.HistoryBound == 0 {
		out.HistoryBound = 10
	}
	if out.ContextMessages == 0 {
		out.ContextMessages = 5
	}
	if out.ContextMessages > out.HistoryBound {
		out.ContextMessages = out.HistoryBound
	}
	if out.PromptMaxChars == 0 {
		out.PromptMaxChars = 6000
	}
	if out.CompletionTimeoutSeconds == 0 {
		out.CompletionTimeoutSeconds = 30
	}
	if out.RetryCount == 0 {
		out.RetryCount = 1
	}
	return out
}

// Timeout returns the completion timeout as a duration.
func (r ReplyConfig) Timeout() time.Duration {
	return time.Duration(r.Effective().CompletionTimeoutSeconds) * time.Second
}

// ResponseDelay returns the pre-delivery pause as a duration.
func (r ReplyConfig) ResponseDelay() time.Duration {
	return time.Duration(r.ResponseDelaySeconds) * time.Second
}

// PollConfig configures the unread polling cadence.
type PollConfig struct {
	// IntervalSeconds is the pause between unread polls (default: 5).
	IntervalSeconds int `yaml:"interval_seconds"`

	// ErrorBackoffSeconds is the extra pause after a failed poll
	// (default: 10).
	ErrorBackoffSeconds int `yaml:"error_backoff_seconds"`
}

// Effective returns a copy with default values filled in for zero fields.
func (p PollConfig) Effective() PollConfig {
	out := p
	if out.IntervalSeconds == 0 {
		out.IntervalSeconds = 5
	}
	if out.ErrorBackoffSeconds == 0 {
		out.ErrorBackoffSeconds = 10
	}
	return out
}

// Interval returns the poll interval as a duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.Effective().IntervalSeconds) * time.Second
}

// ErrorBackoff returns the post-error pause as a duration.
func (p PollConfig) ErrorBackoff() time.Duration {
	return time.Duration(p.Effective().ErrorBackoffSeconds) * time.Second
}

// CannedReply is a deterministic keyword rule: when the whole incoming
// message (lowercased, punctuation-trimmed) equals one of the keywords, the
// reply is sent without calling the completion provider. History is still
// updated with both sides.
type CannedReply struct {
	// Keywords are the exact texts this rule matches.
	Keywords []string `yaml:"keywords"`

	// Reply is the canned response text.
	Reply string `yaml:"reply"`
}

// ScheduleConfig configures cron rules that flip the auto-reply switch.
// Standard 5-field cron specs and descriptors (@daily, @every 2h) are
// accepted. Useful for answering only outside working hours.
type ScheduleConfig struct {
	// Enable lists cron specs at which auto-reply switches on.
	Enable []string `yaml:"enable"`

	// Disable lists cron specs at which auto-reply switches off.
	Disable []string `yaml:"disable"`
}

// ChannelsConfig holds configuration for all messaging drivers.
type ChannelsConfig struct {
	// WhatsApp is the WhatsApp driver config (primary surface).
	WhatsApp whatsapp.Config `yaml:"whatsapp"`

	// Telegram is the Telegram driver config.
	Telegram telegram.Config `yaml:"telegram"`

	// Discord is the Discord driver config.
	Discord discord.Config `yaml:"discord"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultInstructions is the base system prompt. Derived from the behavior
// the agent is meant to cover: short, natural replies sent on the owner's
// behalf while they are away.
const DefaultInstructions = "You are an assistant replying to chat messages on behalf of your user, " +
	"who is currently away. Respond naturally and helpfully. Keep responses concise and " +
	"conversational, suitable for a chat app. If the message is urgent or very important, " +
	"suggest they call or say you'll get back to them soon. " +
	"Don't mention that you're an AI unless directly asked."

// DefaultConfig returns the default agent configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ReplyClaw",
		Enabled: true,
		Model:   "gpt-4o-mini",
		API: APIConfig{
			BaseURL:     "https://api.openai.com/v1",
			MaxTokens:   150,
			Temperature: 0.7,
		},
		Instructions: DefaultInstructions,
		Access: AccessConfig{
			RecordFiltered: false,
		},
		Reply: ReplyConfig{
			HistoryBound:             10,
			ContextMessages:          5,
			PromptMaxChars:           6000,
			CompletionTimeoutSeconds: 30,
			RetryCount:               1,
			ResponseDelaySeconds:     2,
		},
		Poll: PollConfig{
			IntervalSeconds:     5,
			ErrorBackoffSeconds: 10,
		},
		CannedReplies: []CannedReply{
			{
				Keywords: []string{"thanks", "thank you", "thx", "ty"},
				Reply:    "You're welcome! Happy to help.",
			},
		},
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
			Telegram: telegram.DefaultConfig(),
			Discord:  discord.DefaultConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
