package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storyloom.yaml")
	raw := `
api_base_url: https://api.example.test
stream_url: wss://api.example.test/v1/stream
actions:
  max_text_len: 200
  wait_timeout: 5s
stream:
  backoff_max: 10s
storage:
  journal_dir: /var/lib/storyloom/journal
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STORYLOOM_TOKEN", "tok")
	t.Setenv("STORYLOOM_ACTION_OPTIMISTIC", "false")
	t.Setenv("STORYLOOM_STREAM_GAP_THRESHOLD", "64")

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Defaults()
	want.APIBaseURL = "https://api.example.test"
	want.StreamURL = "wss://api.example.test/v1/stream"
	want.Token = "tok"
	want.Actions.MaxTextLen = 200
	want.Actions.WaitTimeout = 5 * time.Second
	want.Actions.Optimistic = false
	want.Stream.BackoffMax = 10 * time.Second
	want.Stream.GapThreshold = 64
	want.Storage.JournalDir = "/var/lib/storyloom/journal"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	got, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(Defaults(), got); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"stream url scheme", func(c *Config) { c.StreamURL = "http://x/v1/stream" }, "stream_url"},
		{"api url host", func(c *Config) { c.APIBaseURL = "http://" }, "api_base_url"},
		{"text limit", func(c *Config) { c.Actions.MaxTextLen = 0 }, "max_text_len"},
		{"capacity", func(c *Config) { c.Insights.Capacity = -1 }, "insights.capacity"},
		{"heartbeat", func(c *Config) { c.Stream.HeartbeatTimeout = c.Stream.HeartbeatInterval }, "heartbeat_timeout"},
		{"backoff", func(c *Config) { c.Stream.BackoffMax = time.Millisecond }, "backoff_max"},
		{"jitter", func(c *Config) { c.Stream.BackoffJitter = 2 }, "backoff_jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mod(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv("STORYLOOM_ACTION_WAIT_TIMEOUT", "soon")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}
