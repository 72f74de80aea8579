package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// SIPConfig is the domain configuration loaded from sip.yaml: the trunks
// calls arrive on, the codecs offered, and the ordered routing rules that
// decide each call's disposition.
type SIPConfig struct {
	Trunks       []TrunkConfig `yaml:"sip_trunks"`
	AudioCodecs  []CodecConfig `yaml:"audio_codecs"`
	RoutingRules []RoutingRule `yaml:"routing_rules"`
}

// TrunkConfig describes one configured SIP peer.
type TrunkConfig struct {
	Name              string            `yaml:"name"`
	Host              string            `yaml:"host"`
	Port              int               `yaml:"port"`
	Transport         string            `yaml:"transport"`
	Username          string            `yaml:"username"`
	Password          string            `yaml:"password"`
	Register          bool              `yaml:"register"`
	RegisterInterval  int               `yaml:"register_interval"`
	KeepAliveInterval int               `yaml:"keep_alive_interval"`
	HealthCheck       HealthCheckConfig `yaml:"health_check"`
	Retry             RetryConfig       `yaml:"retry"`
}

// HealthCheckConfig controls the trunk supervisor's probe loop.
type HealthCheckConfig struct {
	Enabled     bool `yaml:"enabled"`
	IntervalSec int  `yaml:"interval"`
	TimeoutSec  int  `yaml:"timeout"`
	MaxFailures int  `yaml:"max_failures"`
}

// RetryConfig controls trunk reconnection after repeated probe failures.
type RetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	MaxAttempts    int     `yaml:"max_attempts"`
}

// CodecConfig describes one audio codec offered on answered calls.
type CodecConfig struct {
	Name        string `yaml:"name"`
	PayloadType int    `yaml:"payload_type"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	Priority    int    `yaml:"priority"`
	Enabled     bool   `yaml:"enabled"`
}

// RoutingRule matches an incoming call against caller/called/trunk patterns
// and optional SIP header conditions. Patterns support the wildcards
// '*' (any run of characters) and '?' (any single character). First matching
// rule wins.
type RoutingRule struct {
	CallerPattern    string            `yaml:"caller_pattern"`
	CalledPattern    string            `yaml:"called_pattern"`
	TrunkPattern     string            `yaml:"trunk_pattern"`
	HeaderConditions map[string]string `yaml:"header_conditions"`
	Action           string            `yaml:"action"`
}

// Routing actions.
const (
	ActionVoiceAI = "voice_ai"
	ActionReject  = "reject"
	ActionForward = "forward"
)

// Trunk health defaults applied when sip.yaml omits the values.
const (
	DefaultHealthCheckInterval = 60
	DefaultHealthCheckTimeout  = 5
	DefaultMaxFailures         = 3
	DefaultRetryInitialDelayMS = 1000
	DefaultRetryMaxDelayMS     = 30000
	DefaultRetryMultiplier     = 2.0
	DefaultRetryMaxAttempts    = 5
)

// LoadSIPConfig reads and validates the sip.yaml file at path, applying
// ${VAR} and ${VAR:-default} environment substitution before parsing.
func LoadSIPConfig(path string) (*SIPConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sip config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadSIPConfigFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("sip config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadSIPConfigFromReader decodes a sip.yaml document from r after env
// substitution and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadSIPConfigFromReader(r io.Reader) (*SIPConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	substituted := SubstituteEnv(string(raw))

	cfg := &SIPConfig{}
	dec := yaml.NewDecoder(strings.NewReader(substituted))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// SubstituteEnv replaces ${VAR} references in s with the value of the
// environment variable VAR. The form ${VAR:-default} falls back to default
// when VAR is unset or empty. Unset variables without a default are replaced
// with the empty string.
func SubstituteEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, fallback := groups[1], groups[2]
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		return fallback
	})
}

// applyDefaults fills in zero-valued health check and retry settings.
func (c *SIPConfig) applyDefaults() {
	for i := range c.Trunks {
		t := &c.Trunks[i]
		if t.Port == 0 {
			t.Port = 5060
		}
		if t.Transport == "" {
			t.Transport = "udp"
		}
		hc := &t.HealthCheck
		if hc.IntervalSec == 0 {
			hc.IntervalSec = DefaultHealthCheckInterval
		}
		if hc.TimeoutSec == 0 {
			hc.TimeoutSec = DefaultHealthCheckTimeout
		}
		if hc.MaxFailures == 0 {
			hc.MaxFailures = DefaultMaxFailures
		}
		rt := &t.Retry
		if rt.InitialDelayMS == 0 {
			rt.InitialDelayMS = DefaultRetryInitialDelayMS
		}
		if rt.MaxDelayMS == 0 {
			rt.MaxDelayMS = DefaultRetryMaxDelayMS
		}
		if rt.Multiplier == 0 {
			rt.Multiplier = DefaultRetryMultiplier
		}
		if rt.MaxAttempts == 0 {
			rt.MaxAttempts = DefaultRetryMaxAttempts
		}
	}
}

// validate checks trunk, codec, and routing rule coherence. It returns a
// joined error listing all validation failures found.
func (c *SIPConfig) validate() error {
	var errs []error

	trunkNames := make(map[string]int, len(c.Trunks))
	for i, t := range c.Trunks {
		prefix := fmt.Sprintf("sip_trunks[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := trunkNames[t.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of sip_trunks[%d]", prefix, t.Name, prev))
		} else {
			trunkNames[t.Name] = i
		}
		if t.Host == "" {
			errs = append(errs, fmt.Errorf("%s.host is required", prefix))
		}
		if t.Port < 1 || t.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s.port must be between 1 and 65535, got %d", prefix, t.Port))
		}
		switch strings.ToLower(t.Transport) {
		case "udp", "tcp", "tls":
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: udp, tcp, tls", prefix, t.Transport))
		}
		if t.Register && t.Username == "" {
			errs = append(errs, fmt.Errorf("%s.username is required when register is enabled", prefix))
		}
	}

	for i, codec := range c.AudioCodecs {
		prefix := fmt.Sprintf("audio_codecs[%d]", i)
		if codec.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if codec.PayloadType < 0 || codec.PayloadType > 127 {
			errs = append(errs, fmt.Errorf("%s.payload_type must be between 0 and 127, got %d", prefix, codec.PayloadType))
		}
		if codec.SampleRate <= 0 {
			errs = append(errs, fmt.Errorf("%s.sample_rate must be positive, got %d", prefix, codec.SampleRate))
		}
	}

	for i, rule := range c.RoutingRules {
		prefix := fmt.Sprintf("routing_rules[%d]", i)
		switch rule.Action {
		case ActionVoiceAI, ActionReject, ActionForward:
		default:
			errs = append(errs, fmt.Errorf("%s.action %q is invalid; valid values: voice_ai, reject, forward", prefix, rule.Action))
		}
	}

	return errors.Join(errs...)
}

// EnabledCodecs returns the enabled codecs sorted by descending priority.
func (c *SIPConfig) EnabledCodecs() []CodecConfig {
	out := make([]CodecConfig, 0, len(c.AudioCodecs))
	for _, codec := range c.AudioCodecs {
		if codec.Enabled {
			out = append(out, codec)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
