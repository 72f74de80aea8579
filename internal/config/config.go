package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voicegw process.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort int
	SIPPort  int

	LogLevel  string
	LogFormat string // "text" or "json"

	// SIPConfigPath points at the sip.yaml domain configuration
	// (trunks, codecs, routing rules).
	SIPConfigPath string

	// Media server control plane.
	MediaServerURL string
	MediaAPIKey    string
	MediaAPISecret string

	// WebhookSecret is the HMAC key for media-server webhook signatures.
	// An explicitly empty value disables verification (testing only).
	WebhookSecret string

	// DatabaseURL selects the journal backing store. Schemes:
	// "file:" for sqlite, "postgres://" for postgres via pgx.
	DatabaseURL string

	// Provider credentials. The provider clients themselves live outside
	// this package; credentials are validated at boot and handed to the
	// pipeline adapters plugged into the orchestrator.
	STTAPIKey string
	LLMAPIKey string
	TTSAPIKey string

	// Provider endpoints and the conversation shape handed to the LLM.
	STTURL       string
	LLMURL       string
	TTSURL       string
	LLMModel     string
	SystemPrompt string

	// AgentRunnerURL is the endpoint the SIP front-end notifies to have
	// the AI agent participant join a room.
	AgentRunnerURL string

	MaxConcurrentCalls   int
	ResponseTimeout      time.Duration
	ContextWindowSize    int
	AudioFlushChunkCount int

	// RetentionDays bounds how long journal records are kept.
	RetentionDays int
}

const (
	defaultHTTPPort             = 8080
	defaultSIPPort              = 5060
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
	defaultSIPConfigPath        = "sip.yaml"
	defaultDatabaseURL          = "file:voicegw.db"
	defaultMaxConcurrentCalls   = 10
	defaultResponseTimeout      = 30 * time.Second
	defaultContextWindowSize    = 1000
	defaultAudioFlushChunkCount = 10
	defaultRetentionDays        = 30
	defaultLLMModel             = "gpt-4o-mini"
	defaultSystemPrompt         = "You are a helpful voice assistant answering a phone call. Keep replies short and conversational."
)

// envPrefix is the prefix for all voicegw environment variables.
const envPrefix = "VOICEGW_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voicegw", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port (webhooks, operator endpoints, metrics)")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.SIPConfigPath, "sip-config", defaultSIPConfigPath, "path to sip.yaml (trunks, codecs, routing rules)")
	fs.StringVar(&cfg.MediaServerURL, "media-server-url", "", "base URL of the media server control plane")
	fs.StringVar(&cfg.MediaAPIKey, "media-api-key", "", "media server API key")
	fs.StringVar(&cfg.MediaAPISecret, "media-api-secret", "", "media server API secret for token signing")
	fs.StringVar(&cfg.WebhookSecret, "webhook-secret", "", "HMAC secret for webhook signature verification (empty disables verification)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", defaultDatabaseURL, "journal database URL (file: for sqlite, postgres:// for postgres)")
	fs.StringVar(&cfg.STTAPIKey, "stt-api-key", "", "speech-to-text provider API key")
	fs.StringVar(&cfg.LLMAPIKey, "llm-api-key", "", "language model provider API key")
	fs.StringVar(&cfg.TTSAPIKey, "tts-api-key", "", "text-to-speech provider API key")
	fs.StringVar(&cfg.STTURL, "stt-url", "", "speech-to-text provider endpoint")
	fs.StringVar(&cfg.LLMURL, "llm-url", "", "language model provider endpoint")
	fs.StringVar(&cfg.TTSURL, "tts-url", "", "text-to-speech provider endpoint")
	fs.StringVar(&cfg.LLMModel, "llm-model", defaultLLMModel, "language model identifier")
	fs.StringVar(&cfg.SystemPrompt, "system-prompt", defaultSystemPrompt, "system prompt prepended to every conversation")
	fs.StringVar(&cfg.AgentRunnerURL, "agent-runner-url", "", "endpoint for dispatching the AI agent into a room")
	fs.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent-calls", defaultMaxConcurrentCalls, "maximum simultaneous active calls")
	fs.DurationVar(&cfg.ResponseTimeout, "response-timeout", defaultResponseTimeout, "hard deadline for a single conversation turn")
	fs.IntVar(&cfg.ContextWindowSize, "context-window-size", defaultContextWindowSize, "LLM context budget; prompt uses the last context-window-size/100 turns")
	fs.IntVar(&cfg.AudioFlushChunkCount, "audio-flush-chunk-count", defaultAudioFlushChunkCount, "buffered audio chunks that trigger a turn")
	fs.IntVar(&cfg.RetentionDays, "retention-days", defaultRetentionDays, "days of journal history to keep")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	for flagName, target := range map[string]*string{
		"log-level":        &cfg.LogLevel,
		"log-format":       &cfg.LogFormat,
		"sip-config":       &cfg.SIPConfigPath,
		"media-server-url": &cfg.MediaServerURL,
		"media-api-key":    &cfg.MediaAPIKey,
		"media-api-secret": &cfg.MediaAPISecret,
		"webhook-secret":   &cfg.WebhookSecret,
		"database-url":     &cfg.DatabaseURL,
		"stt-api-key":      &cfg.STTAPIKey,
		"llm-api-key":      &cfg.LLMAPIKey,
		"tts-api-key":      &cfg.TTSAPIKey,
		"stt-url":          &cfg.STTURL,
		"llm-url":          &cfg.LLMURL,
		"tts-url":          &cfg.TTSURL,
		"llm-model":        &cfg.LLMModel,
		"system-prompt":    &cfg.SystemPrompt,
		"agent-runner-url": &cfg.AgentRunnerURL,
	} {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envName(flagName)); ok && val != "" {
			*target = val
		}
	}

	for flagName, target := range map[string]*int{
		"http-port":               &cfg.HTTPPort,
		"sip-port":                &cfg.SIPPort,
		"max-concurrent-calls":    &cfg.MaxConcurrentCalls,
		"context-window-size":     &cfg.ContextWindowSize,
		"audio-flush-chunk-count": &cfg.AudioFlushChunkCount,
		"retention-days":          &cfg.RetentionDays,
	} {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envName(flagName)); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				*target = v
			}
		}
	}

	if !set["response-timeout"] {
		if val, ok := os.LookupEnv(envName("response-timeout")); ok && val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				cfg.ResponseTimeout = d
			}
		}
	}
}

// envName maps a flag name to its environment variable name,
// e.g. "media-server-url" -> "VOICEGW_MEDIA_SERVER_URL".
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane. Missing media-server
// credentials are process-scoped errors: the gateway cannot answer calls
// without them, so startup halts.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.MediaServerURL == "" {
		return fmt.Errorf("media-server-url is required")
	}
	if _, err := url.Parse(c.MediaServerURL); err != nil {
		return fmt.Errorf("media-server-url is not a valid URL: %w", err)
	}
	if c.MediaAPIKey == "" || c.MediaAPISecret == "" {
		return fmt.Errorf("media-api-key and media-api-secret are required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}
	if !strings.HasPrefix(c.DatabaseURL, "file:") && !strings.HasPrefix(c.DatabaseURL, "postgres://") {
		return fmt.Errorf("database-url must use the file: or postgres:// scheme, got %q", c.DatabaseURL)
	}

	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max-concurrent-calls must be at least 1, got %d", c.MaxConcurrentCalls)
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("response-timeout must be positive, got %s", c.ResponseTimeout)
	}
	if c.ContextWindowSize < 100 {
		return fmt.Errorf("context-window-size must be at least 100, got %d", c.ContextWindowSize)
	}
	if c.AudioFlushChunkCount < 1 {
		return fmt.Errorf("audio-flush-chunk-count must be at least 1, got %d", c.AudioFlushChunkCount)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention-days must be at least 1, got %d", c.RetentionDays)
	}

	if c.WebhookSecret == "" {
		slog.Warn("no webhook-secret configured, webhook signature verification is disabled")
	}

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
