package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/hurttlocker/adage/internal/config"
	"github.com/hurttlocker/adage/internal/heatmap"
	"github.com/hurttlocker/adage/internal/ingest"
	adagemcp "github.com/hurttlocker/adage/internal/mcp"
	"github.com/hurttlocker/adage/internal/rest"
	"github.com/hurttlocker/adage/internal/sample"
	"github.com/hurttlocker/adage/internal/server"
	"github.com/hurttlocker/adage/internal/store"
)

var version = "0.1.0-dev"

var (
	globalDBPath     string
	globalConfigPath string
	globalVerbose    bool

	stdout io.Writer = os.Stdout
)

func main() {
	args := parseGlobalFlags(os.Args[1:])
	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch args[0] {
	case "import":
		err = runImport(args[1:])
	case "serve":
		err = runServe(args[1:])
	case "heatmap":
		err = runHeatmap(args[1:])
	case "mcp":
		err = runMCP(args[1:])
	case "stats":
		err = runStats(args[1:])
	case "config":
		err = runConfig(args[1:])
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "adage %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseGlobalFlags strips --db, --config and --verbose from args wherever they
// appear and returns the rest.
func parseGlobalFlags(args []string) []string {
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--db" && i+1 < len(args):
			i++
			globalDBPath = args[i]
		case strings.HasPrefix(arg, "--db="):
			globalDBPath = strings.TrimPrefix(arg, "--db=")
		case arg == "--config" && i+1 < len(args):
			i++
			globalConfigPath = args[i]
		case strings.HasPrefix(arg, "--config="):
			globalConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--verbose":
			globalVerbose = true
		default:
			rest = append(rest, arg)
		}
	}
	return rest
}

// flagValue returns the value of the flag at args[*i], either "--name=value"
// or "--name value", advancing *i past a separate value.
func flagValue(args []string, i *int) (string, error) {
	arg := args[*i]
	if name, value, ok := strings.Cut(arg, "="); ok {
		if value == "" {
			return "", fmt.Errorf("%s requires a value", name)
		}
		return value, nil
	}
	if *i+1 >= len(args) {
		return "", fmt.Errorf("%s requires a value", arg)
	}
	*i++
	return args[*i], nil
}

// flagName returns the flag name of arg without any "=value" suffix.
func flagName(arg string) string {
	name, _, _ := strings.Cut(arg, "=")
	return name
}

func resolveConfig(opts config.ResolveOptions) (config.ResolvedConfig, *slog.Logger, error) {
	opts.ConfigPath = globalConfigPath
	opts.CLIDBPath = globalDBPath
	if globalVerbose {
		opts.CLILogLevel = "debug"
	}
	cfg, err := config.ResolveConfig(opts)
	if err != nil {
		return cfg, nil, err
	}
	level, _ := cfg.SlogLevel()
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSONLogs() {
		handler = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, hopts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(cfg config.ResolvedConfig) (store.Store, error) {
	s, err := store.NewStore(store.StoreConfig{DBPath: cfg.DBPath.Value})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// sources picks where heatmap activity and sample metadata come from: the
// remote API when one is configured, the local store otherwise. The returned
// close func releases the store.
func sources(cfg config.ResolvedConfig, logger *slog.Logger) (activity.Source, sample.Source, func() error, error) {
	if base := cfg.APIBase.Value; base != "" {
		client, err := rest.NewClient(base, nil, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Debug("using remote API", "base", base)
		return client, client, func() error { return nil }, nil
	}
	s, err := openStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return s, s, s.Close, nil
}

func fetchSettings(cfg config.ResolvedConfig) (activity.FetcherConfig, error) {
	timeout, err := cfg.Timeout()
	if err != nil {
		return activity.FetcherConfig{}, err
	}
	maxFetches, err := cfg.MaxConcurrentFetches()
	if err != nil {
		return activity.FetcherConfig{}, err
	}
	return activity.FetcherConfig{Timeout: timeout, MaxConcurrent: maxFetches}, nil
}

func runImport(args []string) error {
	var positional []string
	opts := ingest.ImportOptions{}
	jsonOut := false

	for _, arg := range args {
		switch {
		case arg == "--create-samples":
			opts.CreateSamples = true
		case arg == "--dry-run" || arg == "-n":
			opts.DryRun = true
		case arg == "--json":
			jsonOut = true
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			positional = append(positional, arg)
		}
	}
	if len(positional) != 2 {
		return fmt.Errorf("usage: adage import <file.tsv> <mlmodel title> [--create-samples] [--dry-run] [--json]")
	}

	cfg, logger, err := resolveConfig(config.ResolveOptions{})
	if err != nil {
		return err
	}
	opts.Logger = logger

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := ingest.ImportFile(context.Background(), s, positional[0], positional[1], opts)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(res)
	}

	if res.DryRun {
		fmt.Fprintln(stdout, "Dry run: nothing was written")
	}
	created := ""
	if res.ModelCreated {
		created = " (new)"
	}
	fmt.Fprintf(stdout, "ML model:          %s%s\n", res.Model.Title, created)
	fmt.Fprintf(stdout, "Signatures added:  %d\n", res.SignaturesNew)
	fmt.Fprintf(stdout, "Rows imported:     %d\n", res.RowsImported)
	fmt.Fprintf(stdout, "Rows skipped:      %d\n", res.RowsSkipped)
	fmt.Fprintf(stdout, "Samples created:   %d\n", res.SamplesCreated)
	fmt.Fprintf(stdout, "Activity added:    %d\n", res.ActivityNew)
	for _, w := range res.Warnings {
		fmt.Fprintf(stdout, "  warning: %s\n", w.Error())
	}
	return nil
}

func runServe(args []string) error {
	opts := config.ResolveOptions{}
	for i := 0; i < len(args); i++ {
		switch flagName(args[i]) {
		case "--listen":
			v, err := flagValue(args, &i)
			if err != nil {
				return err
			}
			opts.CLIListen = v
		case "--api":
			v, err := flagValue(args, &i)
			if err != nil {
				return err
			}
			opts.CLIAPIBase = v
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	cfg, logger, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	fc, err := fetchSettings(cfg)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	scfg := server.Config{
		Store:        s,
		FetchTimeout: fc.Timeout,
		MaxFetches:   fc.MaxConcurrent,
		Logger:       logger,
	}
	if base := cfg.APIBase.Value; base != "" {
		client, err := rest.NewClient(base, nil, logger)
		if err != nil {
			return err
		}
		scfg.Activity = client
		scfg.Samples = client
	}
	srv, err := server.New(scfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx, cfg.Listen.Value)
}

type heatmapOptions struct {
	model   int64
	samples []int64
	cluster []heatmap.Axis
	view    string
	api     string
}

func parseHeatmapArgs(args []string) (heatmapOptions, error) {
	opts := heatmapOptions{view: "state"}
	for i := 0; i < len(args); i++ {
		name := flagName(args[i])
		if !strings.HasPrefix(name, "--") {
			return opts, fmt.Errorf("unexpected argument: %s", args[i])
		}
		v, err := flagValue(args, &i)
		if err != nil {
			return opts, err
		}
		switch name {
		case "--mlmodel":
			opts.model, err = strconv.ParseInt(v, 10, 64)
			if err != nil || opts.model < 1 {
				return opts, fmt.Errorf("--mlmodel %q is not an id", v)
			}
		case "--samples":
			opts.samples, err = parseIDList(v)
			if err != nil {
				return opts, fmt.Errorf("--samples: %w", err)
			}
		case "--cluster":
			for _, p := range strings.Split(v, ",") {
				axis, err := heatmap.ParseAxis(strings.TrimSpace(p))
				if err != nil {
					return opts, fmt.Errorf("--cluster: %w", err)
				}
				opts.cluster = append(opts.cluster, axis)
			}
		case "--view":
			switch v {
			case "state", "samples", "signatures":
				opts.view = v
			default:
				return opts, fmt.Errorf("--view must be state, samples or signatures")
			}
		case "--api":
			opts.api = v
		default:
			return opts, fmt.Errorf("unknown flag: %s", name)
		}
	}
	if opts.model == 0 || len(opts.samples) == 0 {
		return opts, fmt.Errorf("usage: adage heatmap --mlmodel <id> --samples <id,id,...> [--cluster samples,signatures] [--view state|samples|signatures] [--api <url>]")
	}
	return opts, nil
}

func runHeatmap(args []string) error {
	opts, err := parseHeatmapArgs(args)
	if err != nil {
		return err
	}
	cfg, logger, err := resolveConfig(config.ResolveOptions{CLIAPIBase: opts.api})
	if err != nil {
		return err
	}
	fc, err := fetchSettings(cfg)
	if err != nil {
		return err
	}
	actSrc, smpSrc, closeFn, err := sources(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	fc.Source = actSrc
	fc.Logger = logger
	hm := heatmap.New(heatmap.Config{
		Fetcher: activity.NewFetcher(fc),
		Samples: sample.NewLoader(smpSrc, nil, logger),
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hm.Init(opts.model, opts.samples)
	if err := hm.LoadData(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		logger.Warn("sample metadata unavailable", "error", err)
	}

	// Both axes may cluster at once.
	jobs := make([]*heatmap.Job, 0, len(opts.cluster))
	for _, axis := range opts.cluster {
		if axis == heatmap.AxisSamples {
			jobs = append(jobs, hm.ClusterSamples(ctx))
		} else {
			jobs = append(jobs, hm.ClusterSignatures(ctx))
		}
	}
	for _, job := range jobs {
		if err := job.Wait(ctx); err != nil {
			return fmt.Errorf("clustering %s: %w", job.Axis(), err)
		}
	}

	switch opts.view {
	case "samples":
		return printJSON(hm.SampleActivity())
	case "signatures":
		return printJSON(hm.SignatureObjects())
	}
	st := hm.Snapshot()
	st.Activity = nil
	return printJSON(st)
}

func runMCP(args []string) error {
	opts := config.ResolveOptions{}
	for i := 0; i < len(args); i++ {
		switch flagName(args[i]) {
		case "--api":
			v, err := flagValue(args, &i)
			if err != nil {
				return err
			}
			opts.CLIAPIBase = v
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	cfg, logger, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	fc, err := fetchSettings(cfg)
	if err != nil {
		return err
	}
	actSrc, smpSrc, closeFn, err := sources(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	s := adagemcp.NewServer(adagemcp.ServerConfig{
		Activity:     actSrc,
		Samples:      smpSrc,
		FetchTimeout: fc.Timeout,
		MaxFetches:   fc.MaxConcurrent,
		Version:      version,
		Logger:       logger,
	})
	return mcpserver.ServeStdio(s)
}

func runStats(args []string) error {
	jsonOut := false
	for _, arg := range args {
		if arg != "--json" {
			return fmt.Errorf("unknown flag: %s", arg)
		}
		jsonOut = true
	}
	cfg, _, err := resolveConfig(config.ResolveOptions{})
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Stats(context.Background())
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(stats)
	}
	fmt.Fprintf(stdout, "Database:    %s\n", cfg.DBPath.Value)
	fmt.Fprintf(stdout, "ML models:   %d\n", stats.ModelCount)
	fmt.Fprintf(stdout, "Signatures:  %d\n", stats.SignatureCount)
	fmt.Fprintf(stdout, "Samples:     %d\n", stats.SampleCount)
	fmt.Fprintf(stdout, "Activity:    %d\n", stats.ActivityCount)
	fmt.Fprintf(stdout, "Size:        %d bytes\n", stats.DBSizeBytes)
	return nil
}

// runConfig prints the resolved configuration and where each value came from.
func runConfig(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("usage: adage config")
	}
	cfg, _, err := resolveConfig(config.ResolveOptions{})
	if err != nil {
		return err
	}
	return printJSON(cfg)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id < 1 {
			return nil, fmt.Errorf("%q is not an id", p)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no ids given")
	}
	return ids, nil
}

func printUsage() {
	fmt.Fprintf(stdout, `adage %s - signature activity heatmaps

Usage:
  adage [global flags] <command> [arguments]

Commands:
  import <file.tsv> <mlmodel>   Import a tab-separated activity sheet
  serve                         Run the HTTP API (resource API, heatmap sessions, /metrics)
  heatmap                       Build a heatmap and print it as JSON
  mcp                           Serve heatmap tools over MCP (stdio)
  stats                         Show database statistics
  config                        Show the resolved configuration
  version                       Print version

Import Flags:
  --create-samples    Create samples for unknown data sources
  -n, --dry-run       Validate and report without writing
  --json              Print the result as JSON

Serve Flags:
  --listen <addr>     Listen address (default %s)
  --api <url>         Fetch heatmap data from a remote adage API

Heatmap Flags:
  --mlmodel <id>              ML model id
  --samples <id,id,...>       Samples in display order
  --cluster <axes>            samples, signatures or both (comma-separated)
  --view <state|samples|signatures>
  --api <url>                 Fetch from a remote adage API instead of the database

Global Flags:
  --db <path>         Database path (default ~/.adage/adage.db)
  --config <path>     Config file (default ~/.adage/config.yaml)
  --verbose           Debug logging

Environment:
  ADAGE_DB, ADAGE_API_BASE, ADAGE_LISTEN, ADAGE_FETCH_TIMEOUT,
  ADAGE_MAX_FETCHES, ADAGE_LOG_LEVEL, ADAGE_LOG_FORMAT
`, version, config.DefaultListen)
}
