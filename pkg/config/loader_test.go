package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(Default(), cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Load() mismatch with defaults (-want +got):\n%s", diff)
	}
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "cue",
			file: "webscript.cue",
			content: `
server: address: ":9090"
bindings: {
	kind: "sqlite"
	path: "/tmp/bindings.db"
}
timer: {
	script: "script:heartbeat"
	period: "5s"
}
invoker: max_concurrent: 4
policy: paths: ["/etc/webscript/policies"]
`,
		},
		{
			name: "yaml",
			file: "webscript.yaml",
			content: `
server:
  address: ":9090"
bindings:
  kind: sqlite
  path: /tmp/bindings.db
timer:
  script: script:heartbeat
  period: 5s
invoker:
  max_concurrent: 4
policy:
  paths: [/etc/webscript/policies]
`,
		},
		{
			name: "toml",
			file: "webscript.toml",
			content: `
[server]
address = ":9090"

[bindings]
kind = "sqlite"
path = "/tmp/bindings.db"

[timer]
script = "script:heartbeat"
period = "5s"

[invoker]
max_concurrent = 4

[policy]
paths = ["/etc/webscript/policies"]
`,
		},
		{
			name: "json",
			file: "webscript.json",
			content: `{
  "server": {"address": ":9090"},
  "bindings": {"kind": "sqlite", "path": "/tmp/bindings.db"},
  "timer": {"script": "script:heartbeat", "period": "5s"},
  "invoker": {"max_concurrent": 4},
  "policy": {"paths": ["/etc/webscript/policies"]}
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			want := Default()
			want.Server.Address = ":9090"
			want.Bindings = BindingsConfig{Kind: StoreSQLite, Path: "/tmp/bindings.db"}
			want.Timer = TimerConfig{Script: "script:heartbeat", Period: 5 * time.Second}
			want.Invoker.MaxConcurrent = 4
			want.Policy.Paths = []string{"/etc/webscript/policies"}

			if diff := cmp.Diff(want, cfg, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoad_Discover(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, "webscript.yaml"), []byte("server:\n  address: \":7000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != ":7000" {
		t.Errorf("Server.Address = %q, want :7000", cfg.Server.Address)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WEBSCRIPT_SERVER_ADDRESS", ":6000")
	t.Setenv("WEBSCRIPT_TIMER_PERIOD", "250ms")
	t.Setenv("WEBSCRIPT_FETCH_SFTP_PASSWORD", "hunter2")

	path := writeFile(t, "webscript.yaml", "server:\n  address: \":9090\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != ":6000" {
		t.Errorf("Server.Address = %q, want env override :6000", cfg.Server.Address)
	}
	if cfg.Timer.Period != 250*time.Millisecond {
		t.Errorf("Timer.Period = %s, want 250ms", cfg.Timer.Period)
	}
	if cfg.Fetch.SFTP.Password != "hunter2" {
		t.Errorf("Fetch.SFTP.Password not set from env")
	}

	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML() error = %v", err)
	}
	if strings.Contains(string(out), "hunter2") {
		t.Error("YAML() leaked the sftp password")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "cue unknown store",
			file:    "webscript.cue",
			content: `bindings: kind: "redis"`,
			wantErr: "invalid configuration",
		},
		{
			name:    "cue unknown field",
			file:    "webscript.cue",
			content: `servers: address: ":1"`,
			wantErr: "invalid configuration",
		},
		{
			name:    "cue bad duration",
			file:    "webscript.cue",
			content: `timer: period: "soon"`,
			wantErr: "invalid configuration",
		},
		{
			name:    "cue syntax",
			file:    "webscript.cue",
			content: `server: {`,
			wantErr: "webscript.cue",
		},
		{
			name:    "yaml unknown store",
			file:    "webscript.yaml",
			content: "bindings:\n  kind: redis\n",
			wantErr: "Kind",
		},
		{
			name:    "yaml zero pool",
			file:    "webscript.yaml",
			content: "invoker:\n  max_concurrent: 0\n",
			wantErr: "MaxConcurrent",
		},
		{
			name:    "yaml bad log level",
			file:    "webscript.yaml",
			content: "telemetry:\n  logging:\n    level: loud\n",
			wantErr: "invalid log level",
		},
		{
			name:    "sftp key missing",
			file:    "webscript.yaml",
			content: "fetch:\n  sftp:\n    user: deploy\n    private_key_path: /nonexistent/id_ed25519\n",
			wantErr: "invalid sftp configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestConfig_YAML(t *testing.T) {
	out, err := Default().YAML()
	if err != nil {
		t.Fatalf("YAML() error = %v", err)
	}
	for _, want := range []string{"8080", "kind: properties", "period: 1s", "service_name: webscript"} {
		if !strings.Contains(string(out), want) {
			t.Errorf("YAML() missing %q:\n%s", want, out)
		}
	}
}
