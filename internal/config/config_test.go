package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/social"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

const minimalAccount = `
accounts:
  - name: main
    protocol: twitter
    base_url: "https://api.twitter.com/1.1/"
    username: alice
    access_token: "tok"
`

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
poll_interval: 15m
fetch_limit: 50
workers: 4
dont_sync_older_than: 72h
filter_keywords: ["spam", '"buy now"']
db_path: /tmp/tr.db
accounts:
  - name: main
    protocol: gnusocial
    origin: quitter
    base_url: "https://quitter.se/api/"
    username: alice
    user_oid: "42"
    password: "secret"
    timelines: [home, mentions, search]
    search_query: golang
    requests_per_second: 2.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != 15*time.Minute {
		t.Errorf("PollInterval = %v, want 15m", cfg.PollInterval)
	}
	if cfg.FetchLimit != 50 || cfg.Workers != 4 {
		t.Errorf("FetchLimit/Workers = %d/%d, want 50/4", cfg.FetchLimit, cfg.Workers)
	}
	if cfg.DontSyncOlderThan != 72*time.Hour {
		t.Errorf("DontSyncOlderThan = %v, want 72h", cfg.DontSyncOlderThan)
	}
	if len(cfg.FilterKeywords) != 2 || cfg.DBPath != "/tmp/tr.db" {
		t.Errorf("FilterKeywords/DBPath = %q/%q", cfg.FilterKeywords, cfg.DBPath)
	}

	a := cfg.Accounts[0]
	if a.Protocol != social.ProtocolGNUSocial || a.Origin != "quitter" || a.UserOid != "42" {
		t.Errorf("account = %+v", a)
	}
	tls := a.TimelineTypes()
	if len(tls) != 3 || tls[2] != model.TimelineSearch {
		t.Errorf("TimelineTypes = %v", tls)
	}
	cc := a.ClientConfig()
	if cc.BaseURL != "https://quitter.se/api/" || cc.Credentials.Password != "secret" || cc.RequestsPerSecond != 2.5 {
		t.Errorf("ClientConfig = %+v", cc)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalAccount))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != 10*time.Minute {
		t.Errorf("PollInterval = %v, want default 10m", cfg.PollInterval)
	}
	if cfg.FetchLimit != 200 || cfg.Workers != 2 || cfg.DontSyncOlderThan != 0 {
		t.Errorf("defaults = %d/%d/%v", cfg.FetchLimit, cfg.Workers, cfg.DontSyncOlderThan)
	}
	a := cfg.Accounts[0]
	if a.Origin != "api.twitter.com" {
		t.Errorf("Origin = %q, want host of base_url", a.Origin)
	}
	tls := a.TimelineTypes()
	if len(tls) != 2 || tls[0] != model.TimelineHome || tls[1] != model.TimelineMentions {
		t.Errorf("default timelines = %v", tls)
	}
}

func TestLoad_ExpandsEnvFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TR_TEST_SET", "from-env")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("TR_TEST_TOKEN=from-dotenv\nTR_TEST_SET=ignored\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`
accounts:
  - name: main
    protocol: pumpio
    base_url: "https://identi.ca/"
    username: "${TR_TEST_SET}"
    access_token: "${TR_TEST_TOKEN}"
`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("TR_TEST_TOKEN") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := cfg.Accounts[0]
	if a.AccessToken != "from-dotenv" {
		t.Errorf("AccessToken = %q, want from-dotenv", a.AccessToken)
	}
	if a.Username != "from-env" {
		t.Errorf("Username = %q, existing env should win", a.Username)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no accounts", `poll_interval: 10m`},
		{"poll too short", "poll_interval: 5s\n" + minimalAccount},
		{"poll too long", "poll_interval: 48h\n" + minimalAccount},
		{"negative fetch limit", "fetch_limit: -1\n" + minimalAccount},
		{"unknown key", "unknown_field: oops\n" + minimalAccount},
		{"missing name", `
accounts:
  - protocol: twitter
    base_url: "https://x.example/"
    username: a
    access_token: t
`},
		{"unknown protocol", `
accounts:
  - name: a
    protocol: mastodon
    base_url: "https://x.example/"
    username: a
    access_token: t
`},
		{"bad base url", `
accounts:
  - name: a
    protocol: twitter
    base_url: "not-a-url"
    username: a
    access_token: t
`},
		{"no credentials", `
accounts:
  - name: a
    protocol: twitter
    base_url: "https://x.example/"
    username: a
`},
		{"unknown timeline", `
accounts:
  - name: a
    protocol: twitter
    base_url: "https://x.example/"
    username: a
    access_token: t
    timelines: [home, everything]
`},
		{"search without query", `
accounts:
  - name: a
    protocol: twitter
    base_url: "https://x.example/"
    username: a
    access_token: t
    timelines: [search]
`},
		{"duplicate names", `
accounts:
  - {name: a, protocol: twitter, base_url: "https://x.example/", username: a, access_token: t}
  - {name: a, protocol: pumpio, base_url: "https://y.example/", username: b, access_token: t}
`},
		{"telemetry without endpoint", minimalAccount + "telemetry:\n  insecure: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(filepath.Dir(path)) != "timelinerelay" {
		t.Errorf("DefaultPath = %q", path)
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	path := writeConfig(t, minimalAccount+`
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "my-timelinerelay"
  headers:
    Authorization: "Bearer secret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" || !cfg.Telemetry.Insecure {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.ServiceName != "my-timelinerelay" {
		t.Errorf("ServiceName = %q, want %q", cfg.Telemetry.ServiceName, "my-timelinerelay")
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q", cfg.Telemetry.Headers["Authorization"])
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalAccount))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}
