// Package mcp provides a Model Context Protocol server for adage.
//
// It exposes one heatmap as MCP tools (load, cluster, view, unresolved
// activity) and its current state as an MCP resource. The server is served
// over stdio by `adage mcp`.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/hurttlocker/adage/internal/heatmap"
	"github.com/hurttlocker/adage/internal/sample"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Activity     activity.Source
	Samples      sample.Source // optional
	FetchTimeout time.Duration
	MaxFetches   int
	Version      string // version string for MCP server info
	Logger       *slog.Logger
}

// NewServer creates a configured MCP server with all adage tools and
// resources, backed by a single heatmap.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := server.NewMCPServer(
		"adage",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	fetcher := activity.NewFetcher(activity.FetcherConfig{
		Source:        cfg.Activity,
		Timeout:       cfg.FetchTimeout,
		MaxConcurrent: cfg.MaxFetches,
		Logger:        cfg.Logger,
	})
	hcfg := heatmap.Config{Fetcher: fetcher, Logger: cfg.Logger}
	if cfg.Samples != nil {
		hcfg.Samples = sample.NewLoader(cfg.Samples, nil, cfg.Logger)
	}
	hm := heatmap.New(hcfg)

	registerLoadTool(s, hm)
	registerClusterTool(s, hm)
	registerViewTool(s, hm)
	registerUnresolvedTool(s, hm)

	registerStateResource(s, hm)

	return s
}

// --- Tools ---

func registerLoadTool(s *server.MCPServer, hm *heatmap.Heatmap) {
	tool := mcp.NewTool("adage_heatmap_load",
		mcp.WithDescription("Select an ML model and a list of samples, fetch their signature activity and sample metadata, and rebuild the heatmap. Samples without activity are moved to samples_missing_activity."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("mlmodel",
			mcp.Required(),
			mcp.Description("ML model id"),
		),
		mcp.WithString("samples",
			mcp.Required(),
			mcp.Description("Comma-separated sample ids, in display order (e.g. '12,7,31')"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		modelVal, err := req.RequireFloat("mlmodel")
		if err != nil || modelVal < 1 {
			return mcp.NewToolResultError("mlmodel must be a positive id"), nil
		}
		raw, err := req.RequireString("samples")
		if err != nil {
			return mcp.NewToolResultError("samples is required"), nil
		}
		samples, err := parseIDs(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid samples: %v", err)), nil
		}

		hm.Init(int64(modelVal), samples)
		result := map[string]interface{}{}
		if err := hm.LoadData(ctx); err != nil {
			if ctx.Err() != nil {
				return mcp.NewToolResultError(fmt.Sprintf("load cancelled: %v", err)), nil
			}
			result["sample_error"] = err.Error()
		}
		st := hm.Snapshot()
		result["mlmodel"] = st.Model.ID
		result["samples"] = st.Samples
		result["samples_missing_activity"] = st.MissingActivity
		result["signature_count"] = len(st.SignatureOrder)

		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerClusterTool(s *server.MCPServer, hm *heatmap.Heatmap) {
	tool := mcp.NewTool("adage_heatmap_cluster",
		mcp.WithDescription("Reorder the loaded heatmap by hierarchical clustering (euclidean distance, average linkage) so that similar rows or columns are adjacent. Waits for the clustering to finish."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("axis",
			mcp.Required(),
			mcp.Description("Which axis to reorder"),
			mcp.Enum(string(heatmap.AxisSamples), string(heatmap.AxisSignatures)),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("axis")
		if err != nil {
			return mcp.NewToolResultError("axis is required"), nil
		}
		axis, err := heatmap.ParseAxis(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var job *heatmap.Job
		if axis == heatmap.AxisSamples {
			job = hm.ClusterSamples(ctx)
		} else {
			job = hm.ClusterSignatures(ctx)
		}
		if err := job.Wait(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("clustering %s: %v", axis, err)), nil
		}

		st := hm.Snapshot()
		order := st.Samples
		if axis == heatmap.AxisSignatures {
			order = st.SignatureOrder
		}
		data, _ := json.MarshalIndent(map[string]interface{}{
			"axis":  axis,
			"order": order,
		}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerViewTool(s *server.MCPServer, hm *heatmap.Heatmap) {
	tool := mcp.NewTool("adage_heatmap_view",
		mcp.WithDescription("Return the heatmap as one activity row per sample, or transposed as one row per signature across samples."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("view",
			mcp.Description("samples (default) or signatures"),
			mcp.Enum("samples", "signatures"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		view := "samples"
		if v, err := req.RequireString("view"); err == nil && v != "" {
			view = v
		}

		var payload interface{}
		switch view {
		case "samples":
			payload = map[string]interface{}{"samples": hm.SampleActivity()}
		case "signatures":
			payload = map[string]interface{}{"signatures": hm.SignatureObjects()}
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown view %q", view)), nil
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerUnresolvedTool(s *server.MCPServer, hm *heatmap.Heatmap) {
	tool := mcp.NewTool("adage_activity_unresolved",
		mcp.WithDescription("List which of the given samples have no cached activity yet for an ML model. Does not fetch anything."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("samples",
			mcp.Required(),
			mcp.Description("Comma-separated sample ids"),
		),
		mcp.WithNumber("mlmodel",
			mcp.Description("ML model id (default: the loaded heatmap's model)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("samples")
		if err != nil {
			return mcp.NewToolResultError("samples is required"), nil
		}
		samples, err := parseIDs(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid samples: %v", err)), nil
		}
		model := hm.Snapshot().Model.ID
		if v, err := req.RequireFloat("mlmodel"); err == nil && v >= 1 {
			model = int64(v)
		}
		if model == 0 {
			return mcp.NewToolResultError("no mlmodel given and no heatmap loaded"), nil
		}

		unresolved := hm.Fetcher().ListUnresolved(model, samples)
		if unresolved == nil {
			unresolved = []int64{}
		}
		data, _ := json.MarshalIndent(map[string]interface{}{
			"mlmodel":    model,
			"unresolved": unresolved,
		}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Resources ---

func registerStateResource(s *server.MCPServer, hm *heatmap.Heatmap) {
	resource := mcp.NewResource(
		"adage://heatmap/state",
		"Heatmap State",
		mcp.WithResourceDescription("The loaded heatmap: mlmodel, sample order, signature order, samples missing activity, and running clusterings."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st := hm.Snapshot()
		payload := map[string]interface{}{
			"mlmodel":                  st.Model.ID,
			"samples":                  st.Samples,
			"signature_order":          st.SignatureOrder,
			"samples_missing_activity": st.MissingActivity,
			"clustering":               hm.Clustering(),
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id < 1 {
			return nil, fmt.Errorf("%q is not a sample id", p)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no sample ids")
	}
	return ids, nil
}
