// Package config loads and validates the TimelineRelay YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/social"
)

const (
	defaultPollInterval = 10 * time.Minute
	minPollInterval     = time.Minute
	maxPollInterval     = 24 * time.Hour
	defaultFetchLimit   = 200
	defaultWorkers      = 2
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// PollInterval controls how often every account's timelines are synced.
	// Minimum 1m, maximum 24h. Defaults to 10m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// FetchLimit is the item quota of one timeline run. Defaults to 200.
	FetchLimit int `yaml:"fetch_limit"`

	// Workers is how many accounts are synced concurrently. Defaults to 2.
	Workers int `yaml:"workers"`

	// DontSyncOlderThan forces a full resync of a timeline whose last
	// download is older than this. Zero disables the check.
	DontSyncOlderThan time.Duration `yaml:"dont_sync_older_than"`

	// FilterKeywords suppress new-message counters for matching bodies.
	// Entries may hold several words; quoted phrases stay whole.
	FilterKeywords []string `yaml:"filter_keywords,omitempty"`

	// DBPath overrides the state database location.
	DBPath string `yaml:"db_path,omitempty"`

	Accounts []Account `yaml:"accounts"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// Account is one set of credentials on one origin.
type Account struct {
	// Name identifies the account in logs, tracker keys and CLI flags.
	Name string `yaml:"name"`

	// Protocol is one of twitter, gnusocial, pumpio.
	Protocol social.Protocol `yaml:"protocol"`

	// Origin names the server instance. Accounts on the same origin share
	// subjects and messages. Defaults to the host of BaseURL.
	Origin string `yaml:"origin,omitempty"`

	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`

	// UserOid pins the expected identity of the credentials.
	UserOid string `yaml:"user_oid,omitempty"`

	// AccessToken is sent as a bearer token. Without it, Username and
	// Password are used for HTTP basic auth.
	AccessToken string `yaml:"access_token,omitempty"`
	Password    string `yaml:"password,omitempty"`

	// Timelines lists the timelines to sync. Defaults to home and mentions.
	Timelines []string `yaml:"timelines,omitempty"`

	SearchQuery       string  `yaml:"search_query,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "timelinerelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/timelinerelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "timelinerelay", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
//
// A .env file next to the config is loaded first (existing environment
// variables win), then ${VAR} references in the file are expanded, so
// secrets need not live in the YAML itself.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %q: %w", envPath, err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed and
// fills in defaults.
func (c *Config) validate() error {
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollInterval < minPollInterval {
		return fmt.Errorf("poll_interval %v is too short (minimum %v)", c.PollInterval, minPollInterval)
	}
	if c.PollInterval > maxPollInterval {
		return fmt.Errorf("poll_interval %v is too long (maximum %v)", c.PollInterval, maxPollInterval)
	}

	if c.FetchLimit == 0 {
		c.FetchLimit = defaultFetchLimit
	}
	if c.FetchLimit < 0 {
		return fmt.Errorf("fetch_limit must be positive, got %d", c.FetchLimit)
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.DontSyncOlderThan < 0 {
		return fmt.Errorf("dont_sync_older_than must not be negative")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if err := a.validate(); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		if seen[a.Name] {
			return fmt.Errorf("accounts[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (a *Account) validate() error {
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch a.Protocol {
	case social.ProtocolTwitter, social.ProtocolGNUSocial, social.ProtocolPumpio:
	case "":
		return fmt.Errorf("%s: protocol is required", a.Name)
	default:
		return fmt.Errorf("%s: unknown protocol %q (want twitter, gnusocial or pumpio)", a.Name, a.Protocol)
	}

	u, err := url.ParseRequestURI(a.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s: base_url %q must be a valid http or https URL", a.Name, a.BaseURL)
	}
	if a.Origin == "" {
		a.Origin = u.Host
	}

	if a.Username == "" {
		return fmt.Errorf("%s: username is required", a.Name)
	}
	if a.AccessToken == "" && a.Password == "" {
		return fmt.Errorf("%s: access_token or password is required", a.Name)
	}

	if len(a.Timelines) == 0 {
		a.Timelines = []string{model.TimelineHome.String(), model.TimelineMentions.String()}
	}
	for _, name := range a.Timelines {
		tl, err := model.ParseTimelineType(name)
		if err != nil {
			return fmt.Errorf("%s: %w", a.Name, err)
		}
		if tl == model.TimelineSearch && strings.TrimSpace(a.SearchQuery) == "" {
			return fmt.Errorf("%s: search timeline requires search_query", a.Name)
		}
	}

	if a.RequestsPerSecond < 0 {
		return fmt.Errorf("%s: requests_per_second must not be negative", a.Name)
	}
	return nil
}

// TimelineTypes returns the parsed timelines of the account. It must only
// be called on a validated config.
func (a *Account) TimelineTypes() []model.TimelineType {
	out := make([]model.TimelineType, 0, len(a.Timelines))
	for _, name := range a.Timelines {
		if tl, err := model.ParseTimelineType(name); err == nil {
			out = append(out, tl)
		}
	}
	return out
}

// ClientConfig returns the HTTP client settings of the account.
func (a *Account) ClientConfig() social.ClientConfig {
	return social.ClientConfig{
		BaseURL: a.BaseURL,
		Credentials: social.Credentials{
			Username:    a.Username,
			Password:    a.Password,
			AccessToken: a.AccessToken,
		},
		RequestsPerSecond: a.RequestsPerSecond,
	}
}
