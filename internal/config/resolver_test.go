package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveConfig_Precedence_ConfigEnvCLI(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `db_path: ~/.adage/from-config.db
api_base: http://config.example/api/v1/
listen: 0.0.0.0:9000
fetch:
  timeout: 45s
  max_concurrent: 4
log:
  level: debug
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ADAGE_DB", "~/from-env.db")
	t.Setenv("ADAGE_API_BASE", "http://env.example/api/v1")

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: cfgPath,
		CLIDBPath:  "~/from-cli.db",
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	if resolved.DBPath.Source != SourceCLI {
		t.Fatalf("expected DB path source cli, got %s", resolved.DBPath.Source)
	}
	if strings.HasPrefix(resolved.DBPath.Value, "~") {
		t.Fatalf("expected expanded DB path, got %q", resolved.DBPath.Value)
	}
	if resolved.APIBase.Source != SourceEnv || resolved.APIBase.Value != "http://env.example/api/v1" {
		t.Fatalf("expected api base from env, got %+v", resolved.APIBase)
	}
	if resolved.Listen.Source != SourceConfig {
		t.Fatalf("expected listen from config, got %s", resolved.Listen.Source)
	}
	if d, _ := resolved.Timeout(); d != 45*time.Second {
		t.Fatalf("expected 45s timeout, got %v", d)
	}
	if n, _ := resolved.MaxConcurrentFetches(); n != 4 {
		t.Fatalf("expected 4 concurrent fetches, got %d", n)
	}
	if lvl, _ := resolved.SlogLevel(); lvl != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", lvl)
	}
	if resolved.LogFormat.Source != SourceDefault {
		t.Fatalf("expected default log format, got %s", resolved.LogFormat.Source)
	}
}

func TestResolveConfig_MissingFileUsesDefaults(t *testing.T) {
	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if d, _ := resolved.Timeout(); d != DefaultFetchTimeout {
		t.Fatalf("expected default timeout, got %v", d)
	}
	if n, _ := resolved.MaxConcurrentFetches(); n != DefaultMaxFetches {
		t.Fatalf("expected default max fetches, got %d", n)
	}
	if resolved.Listen.Value != DefaultListen {
		t.Fatalf("expected default listen, got %q", resolved.Listen.Value)
	}
	if resolved.JSONLogs() {
		t.Fatal("expected text logs by default")
	}
}

func TestResolveConfig_TimeoutInSeconds(t *testing.T) {
	t.Setenv("ADAGE_FETCH_TIMEOUT", "12")
	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if d, _ := resolved.Timeout(); d != 12*time.Second {
		t.Fatalf("expected 12s, got %v", d)
	}
}

func TestResolveConfig_RejectsInvalidValues(t *testing.T) {
	for env, val := range map[string]string{
		"ADAGE_FETCH_TIMEOUT": "soon",
		"ADAGE_MAX_FETCHES":   "0",
		"ADAGE_LOG_LEVEL":     "loud",
	} {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			_, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")})
			if err == nil {
				t.Fatalf("expected error for %s=%s", env, val)
			}
			if !strings.Contains(err.Error(), env) {
				t.Fatalf("error should name the source %s: %v", env, err)
			}
		})
	}
}

func TestResolveConfig_BadYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("fetch: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath}); err == nil {
		t.Fatal("expected parse error")
	}
}
