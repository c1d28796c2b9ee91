package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

const (
	DefaultListen       = "127.0.0.1:8650"
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxFetches   = 8
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath   string
	CLIDBPath    string
	CLIAPIBase   string
	CLIListen    string
	CLILogLevel  string
	CLILogFormat string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath       ResolvedValue `json:"db_path"`
	APIBase      ResolvedValue `json:"api_base"`
	Listen       ResolvedValue `json:"listen"`
	FetchTimeout ResolvedValue `json:"fetch_timeout"`
	MaxFetches   ResolvedValue `json:"max_fetches"`
	LogLevel     ResolvedValue `json:"log_level"`
	LogFormat    ResolvedValue `json:"log_format"`
}

type fileConfig struct {
	DBPath  string `yaml:"db_path"`
	APIBase string `yaml:"api_base"`
	Listen  string `yaml:"listen"`
	Fetch   struct {
		Timeout       string `yaml:"timeout"`
		MaxConcurrent string `yaml:"max_concurrent"`
	} `yaml:"fetch"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".adage", "config.yaml")
}

func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".adage", "adage.db")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}
	apply(&out.DBPath, DefaultDBPath(), SourceDefault, "built-in default")
	apply(&out.Listen, DefaultListen, SourceDefault, "built-in default")
	apply(&out.FetchTimeout, DefaultFetchTimeout.String(), SourceDefault, "built-in default")
	apply(&out.MaxFetches, strconv.Itoa(DefaultMaxFetches), SourceDefault, "built-in default")
	apply(&out.LogLevel, "info", SourceDefault, "built-in default")
	apply(&out.LogFormat, "text", SourceDefault, "built-in default")

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.APIBase, cfg.APIBase, SourceConfig, path)
		apply(&out.Listen, cfg.Listen, SourceConfig, path)
		apply(&out.FetchTimeout, cfg.Fetch.Timeout, SourceConfig, path)
		apply(&out.MaxFetches, cfg.Fetch.MaxConcurrent, SourceConfig, path)
		apply(&out.LogLevel, cfg.Log.Level, SourceConfig, path)
		apply(&out.LogFormat, cfg.Log.Format, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "ADAGE_DB")
	applyEnv(&out.APIBase, "ADAGE_API_BASE")
	applyEnv(&out.Listen, "ADAGE_LISTEN")
	applyEnv(&out.FetchTimeout, "ADAGE_FETCH_TIMEOUT")
	applyEnv(&out.MaxFetches, "ADAGE_MAX_FETCHES")
	applyEnv(&out.LogLevel, "ADAGE_LOG_LEVEL")
	applyEnv(&out.LogFormat, "ADAGE_LOG_FORMAT")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.APIBase, opts.CLIAPIBase, SourceCLI, "--api")
	apply(&out.Listen, opts.CLIListen, SourceCLI, "--listen")
	apply(&out.LogLevel, opts.CLILogLevel, SourceCLI, "--log-level")
	apply(&out.LogFormat, opts.CLILogFormat, SourceCLI, "--log-format")

	if out.DBPath.Value != "" && out.DBPath.Value != ":memory:" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}
	out.APIBase.Value = strings.TrimRight(out.APIBase.Value, "/")

	if _, err := out.Timeout(); err != nil {
		return out, err
	}
	if _, err := out.MaxConcurrentFetches(); err != nil {
		return out, err
	}
	if _, err := out.SlogLevel(); err != nil {
		return out, err
	}
	return out, nil
}

// Timeout is the per-fetch timeout. A bare number is taken as seconds.
func (r ResolvedConfig) Timeout() (time.Duration, error) {
	v := strings.TrimSpace(r.FetchTimeout.Value)
	if v == "" {
		return DefaultFetchTimeout, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, nerr := strconv.Atoi(v)
		if nerr != nil {
			return 0, fmt.Errorf("fetch timeout %q (from %s): %w", v, r.FetchTimeout.From, err)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("fetch timeout %q (from %s) must be positive", v, r.FetchTimeout.From)
	}
	return d, nil
}

func (r ResolvedConfig) MaxConcurrentFetches() (int, error) {
	v := strings.TrimSpace(r.MaxFetches.Value)
	if v == "" {
		return DefaultMaxFetches, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("max fetches %q (from %s): %w", v, r.MaxFetches.From, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("max fetches %d (from %s) must be at least 1", n, r.MaxFetches.From)
	}
	return n, nil
}

func (r ResolvedConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	v := strings.TrimSpace(r.LogLevel.Value)
	if v == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("log level %q (from %s): %w", v, r.LogLevel.From, err)
	}
	return lvl, nil
}

// JSONLogs reports whether logs should be written as JSON rather than text.
func (r ResolvedConfig) JSONLogs() bool {
	return strings.EqualFold(strings.TrimSpace(r.LogFormat.Value), "json")
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
