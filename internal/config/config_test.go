package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// writeConfig writes data to a temp config.toml and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

const minimal = `
[upstream]
base_url = "http://localhost:9000"
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[upstream]
base_url = "https://api.example.com"
transports = ["script", "http"]
timeout_seconds = 60
idle_connections = 50
retries = 3
retry_wait_min_ms = 50
retry_wait_max_ms = 500

[queue]
on_late_response = "resend"

[[rules]]
pattern = "data/"
action = "log"

[[rules]]
pattern = "needAuth"
action = "auth"
auth_url = "https://api.example.com/login"

[script]
path = "configs/stub.js"

[log]
level = "debug"
format = "text"
trace_forwarding = true
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if diff := cmp.Diff([]string{"script", "http"}, cfg.Upstream.Transports); diff != "" {
		t.Errorf("Upstream.Transports mismatch (-want +got):\n%s", diff)
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if cfg.Upstream.Retries != 3 {
		t.Errorf("Upstream.Retries = %d, want %d", cfg.Upstream.Retries, 3)
	}
	if cfg.Queue.OnLateResponse != "resend" {
		t.Errorf("Queue.OnLateResponse = %q, want %q", cfg.Queue.OnLateResponse, "resend")
	}
	if cfg.Script.Path != "configs/stub.js" {
		t.Errorf("Script.Path = %q, want %q", cfg.Script.Path, "configs/stub.js")
	}
	if !cfg.Log.TraceForwarding {
		t.Error("Log.TraceForwarding = false, want true")
	}

	wantRules := []RuleConfig{
		{Pattern: "data/", Action: ActionLog},
		{Pattern: "needAuth", Action: ActionAuth, AuthURL: "https://api.example.com/login", Statuses: []int{401}},
	}
	if diff := cmp.Diff(wantRules, cfg.Rules); diff != "" {
		t.Errorf("Rules mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimal)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if diff := cmp.Diff([]string{TransportHTTP}, cfg.Upstream.Transports); diff != "" {
		t.Errorf("default Upstream.Transports mismatch (-want +got):\n%s", diff)
	}
	if cfg.Upstream.RetryWaitMinMS != 100 || cfg.Upstream.RetryWaitMaxMS != 2000 {
		t.Errorf("default retry waits = %d/%d, want 100/2000", cfg.Upstream.RetryWaitMinMS, cfg.Upstream.RetryWaitMaxMS)
	}
	if cfg.Queue.OnLateResponse != "drop" {
		t.Errorf("default Queue.OnLateResponse = %q, want %q", cfg.Queue.OnLateResponse, "drop")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[upstream]
base_url = "https://api.example.com"

[log]
level = "info"
`)

	cli := &CLI{
		Config:   path,
		Host:     "127.0.0.1",
		Port:     3000,
		Upstream: "http://localhost:9999",
		LogLevel: "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Upstream.BaseURL != "http://localhost:9999" {
		t.Errorf("Upstream.BaseURL = %q, want %q (CLI override)", cfg.Upstream.BaseURL, "http://localhost:9999")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "missing upstream",
			data:    "[server]\nport = 8000\n",
			wantErr: "base_url is required",
		},
		{
			name:    "unsupported scheme",
			data:    "[upstream]\nbase_url = \"ftp://example.com\"\n",
			wantErr: "http or https",
		},
		{
			name:    "negative port",
			data:    minimal + "[server]\nport = -1\n",
			wantErr: "server.port",
		},
		{
			name:    "negative body_max_bytes",
			data:    minimal + "[server]\nbody_max_bytes = -1\n",
			wantErr: "body_max_bytes",
		},
		{
			name:    "negative timeout",
			data:    "[upstream]\nbase_url = \"http://localhost\"\ntimeout_seconds = -5\n",
			wantErr: "timeout_seconds",
		},
		{
			name:    "negative retries",
			data:    "[upstream]\nbase_url = \"http://localhost\"\nretries = -1\n",
			wantErr: "retries",
		},
		{
			name:    "retry max below min",
			data:    "[upstream]\nbase_url = \"http://localhost\"\nretry_wait_min_ms = 500\nretry_wait_max_ms = 100\n",
			wantErr: "retry_wait_max_ms",
		},
		{
			name:    "unknown transport",
			data:    "[upstream]\nbase_url = \"http://localhost\"\ntransports = [\"carrier-pigeon\"]\n",
			wantErr: "unknown transport",
		},
		{
			name:    "script transport without path",
			data:    "[upstream]\nbase_url = \"http://localhost\"\ntransports = [\"script\"]\n",
			wantErr: "script.path",
		},
		{
			name:    "late policy",
			data:    minimal + "[queue]\non_late_response = \"retry\"\n",
			wantErr: "on_late_response",
		},
		{
			name:    "log level",
			data:    minimal + "[log]\nlevel = \"verbose\"\n",
			wantErr: "log.level",
		},
		{
			name:    "log format",
			data:    minimal + "[log]\nformat = \"xml\"\n",
			wantErr: "log.format",
		},
		{
			name:    "rate limit without rps",
			data:    minimal + "[server.rate_limit]\nenabled = true\nrequests_per_second = 0\n",
			wantErr: "requests_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidRules(t *testing.T) {
	tests := []struct {
		name    string
		rules   string
		wantErr string
	}{
		{"empty pattern", "[[rules]]\naction = \"log\"\n", "pattern is required"},
		{"bad regexp", "[[rules]]\npattern = \"data/(\"\naction = \"log\"\n", "rules[0]"},
		{"unknown action", "[[rules]]\npattern = \"x\"\naction = \"drop\"\n", "action must be one of"},
		{"delay without delay_ms", "[[rules]]\npattern = \"x\"\naction = \"delay\"\n", "delay_ms"},
		{"auth without url", "[[rules]]\npattern = \"x\"\naction = \"auth\"\n", "auth_url"},
		{"auth bad status", "[[rules]]\npattern = \"x\"\naction = \"auth\"\nauth_url = \"http://a/login\"\nstatuses = [42]\n", "statuses"},
		{
			"duplicate pattern",
			"[[rules]]\npattern = \"x\"\naction = \"log\"\n[[rules]]\npattern = \"x\"\naction = \"log\"\n",
			"rules[1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, minimal+tt.rules)))
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_DelayRule(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimal+"[[rules]]\npattern = \"slow\"\naction = \"delay\"\ndelay_ms = 250\n")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].DelayMS != 250 {
		t.Errorf("Rules = %+v, want one delay rule of 250ms", cfg.Rules)
	}
}

func TestLoad_RateLimitConfig(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimal+"[server.rate_limit]\nenabled = true\nrequests_per_second = 50.0\n")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}

	cfg, err = Load(cliWithPath(writeConfig(t, minimal)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = false by default")
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths(t *testing.T) {
	path1 := writeConfig(t, minimal)
	path2 := writeConfig(t, minimal)

	if got := findConfigInPaths([]string{path1, path2}); got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path2}); got != path2 {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path2)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name    string
		section string
		want    string
		wantErr string
	}{
		{"default", "enabled = true\n", "/metrics", ""},
		{"custom", "enabled = true\npath = \"/custom-metrics\"\n", "/custom-metrics", ""},
		{"no leading slash", "enabled = true\npath = \"metrics\"\n", "", "metrics.path"},
		{"healthz", "enabled = true\npath = \"/healthz\"\n", "", "conflicts"},
		{"proxy/status sub", "enabled = true\npath = \"/proxy/status/m\"\n", "", "conflicts"},
		{"disabled skips validation", "enabled = false\npath = \"bad-no-slash\"\n", "bad-no-slash", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(cliWithPath(writeConfig(t, minimal+"[metrics]\n"+tt.section)))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Metrics.Path != tt.want {
				t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.want)
			}
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(cliWithPath(filepath.Join("..", "..", "configs", "config.toml")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var actions []string
	for _, r := range cfg.Rules {
		actions = append(actions, r.Action)
	}
	if diff := cmp.Diff([]string{ActionAuth, ActionDelay, ActionLog}, actions); diff != "" {
		t.Errorf("rule actions mismatch (-want +got):\n%s", diff)
	}
	if cfg.Queue.OnLateResponse != "drop" {
		t.Errorf("Queue.OnLateResponse = %q, want %q", cfg.Queue.OnLateResponse, "drop")
	}
}
