// Package config loads the service configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wilhg/netorch/pkg/executor"
	"github.com/wilhg/netorch/pkg/otel"
	"github.com/wilhg/netorch/pkg/policy"
	"github.com/wilhg/netorch/pkg/tool"
)

// Config is the root configuration.
type Config struct {
	Addr         string              `yaml:"addr"`
	Log          Log                 `yaml:"log"`
	NETCONF      NETCONF             `yaml:"netconf"`
	Orchestrator Orchestrator        `yaml:"orchestrator"`
	LLM          LLM                 `yaml:"llm"`
	Search       Search              `yaml:"search"`
	Sources      []tool.SourceConfig `yaml:"sources"`
	Policy       []policy.Rule       `yaml:"policy"`
	Journal      Journal             `yaml:"journal"`
	Telemetry    otel.Config         `yaml:"telemetry"`
	Prompts      string              `yaml:"prompts"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NETCONF holds device defaults shared by every session.
type NETCONF struct {
	Username       string           `yaml:"username"`
	Password       string           `yaml:"password"`
	KnownHosts     string           `yaml:"known_hosts"`
	Dialect        executor.Dialect `yaml:"dialect"`
	ConnectTimeout time.Duration    `yaml:"connect_timeout"`
	OpTimeout      time.Duration    `yaml:"op_timeout"`
	IdleTimeout    time.Duration    `yaml:"idle_timeout"`
	RateLimit      float64          `yaml:"rate_limit"`
	Burst          int              `yaml:"burst"`
}

type Orchestrator struct {
	MaxSteps          int           `yaml:"max_steps"`
	MaxDecisionErrors int           `yaml:"max_decision_errors"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	AbortOn           []string      `yaml:"abort_on"`
}

// LLM selects the decision model. An empty Provider disables
// natural-language requests; the direct NETCONF endpoints still work.
type LLM struct {
	Provider       string  `yaml:"provider"`
	Model          string  `yaml:"model"`
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Temperature    float64 `yaml:"temperature"`
	MaxTraceTokens int     `yaml:"max_trace_tokens"`
	// Tokenizer names a tiktoken model or encoding used to count trace tokens.
	Tokenizer  string `yaml:"tokenizer"`
	Synthesize *bool  `yaml:"synthesize"`
}

// Search enables semantic tool search. An empty Embedder keeps keyword
// matching only.
type Search struct {
	Embedder string `yaml:"embedder"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// Journal selects the change journal backend. An empty URL keeps it in memory.
type Journal struct {
	URL string `yaml:"url"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr: ":8080",
		Log:  Log{Level: "info", Format: "json"},
		NETCONF: NETCONF{
			Dialect:        executor.DialectIETF,
			ConnectTimeout: 10 * time.Second,
			OpTimeout:      60 * time.Second,
			IdleTimeout:    5 * time.Minute,
			RateLimit:      5,
			Burst:          5,
		},
		Orchestrator: Orchestrator{
			MaxSteps:          6,
			MaxDecisionErrors: 2,
			CallTimeout:       5 * time.Minute,
		},
		LLM:     LLM{MaxTraceTokens: 6000},
		Sources: []tool.SourceConfig{{ID: "netconf", Kind: tool.KindBuiltin}},
	}
}

// Load reads path (optional) over the defaults and applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Addr, "NETORCH_ADDR")
	set(&c.Log.Level, "NETORCH_LOG_LEVEL")
	set(&c.NETCONF.Username, "NETCONF_USER")
	set(&c.NETCONF.Password, "NETCONF_PASS")
	set(&c.NETCONF.KnownHosts, "NETCONF_KNOWN_HOSTS")
	set(&c.Journal.URL, "DATABASE_URL")
	set(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	for _, k := range []struct{ provider, key *string }{
		{&c.LLM.Provider, &c.LLM.APIKey},
		{&c.Search.Embedder, &c.Search.APIKey},
	} {
		if *k.key != "" {
			continue
		}
		switch *k.provider {
		case "openai":
			set(k.key, "OPENAI_API_KEY")
		case "gemini":
			set(k.key, "GOOGLE_API_KEY")
		}
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	switch c.NETCONF.Dialect {
	case "", executor.DialectIETF, executor.DialectJunos:
	default:
		errs = append(errs, fmt.Errorf("netconf.dialect %q must be ietf or junos", c.NETCONF.Dialect))
	}
	if c.Orchestrator.MaxSteps < 1 {
		errs = append(errs, errors.New("orchestrator.max_steps must be at least 1"))
	}
	if c.Orchestrator.MaxDecisionErrors < 0 {
		errs = append(errs, errors.New("orchestrator.max_decision_errors must not be negative"))
	}
	switch c.LLM.Provider {
	case "", "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	switch c.Search.Embedder {
	case "", "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("search.embedder %q is not supported", c.Search.Embedder))
	}
	seen := map[string]bool{}
	for i, s := range c.Sources {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("sources[%d].id is required", i))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Errorf("sources[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = true
		switch s.Kind {
		case tool.KindBuiltin:
		case tool.KindOpenAPI, tool.KindMCP:
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("sources[%d].url is required for %s", i, s.Kind))
			}
		default:
			errs = append(errs, fmt.Errorf("sources[%d].kind %q is unknown", i, s.Kind))
		}
	}
	for i, r := range c.Policy {
		if strings.TrimSpace(r.Expr) == "" {
			errs = append(errs, fmt.Errorf("policy[%d].expr is required", i))
		}
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.NETCONF.Password != "" {
		c.NETCONF.Password = "***"
	}
	if c.LLM.APIKey != "" {
		c.LLM.APIKey = "***"
	}
	if c.Search.APIKey != "" {
		c.Search.APIKey = "***"
	}
	if c.Journal.URL != "" {
		c.Journal.URL = redactURL(c.Journal.URL)
	}
	return c
}

// redactURL masks the password of user:pass@host style URLs.
func redactURL(u string) string {
	at := strings.LastIndexByte(u, '@')
	if at < 0 {
		return u
	}
	scheme := strings.Index(u, "://")
	start := 0
	if scheme >= 0 {
		start = scheme + 3
	}
	colon := strings.IndexByte(u[start:at], ':')
	if colon < 0 {
		return u
	}
	return u[:start+colon+1] + "***" + u[at:]
}
