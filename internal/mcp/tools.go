package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/settleload/pkg/types"
)

// Tool names.
const (
	ToolStatus    = "settleload_status"
	ToolHealth    = "settleload_health"
	ToolHistory   = "settleload_history"
	ToolRunDetail = "settleload_run_detail"
)

// RegisterTools registers all settleload tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerHistory(s, client)
	registerRunDetail(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool(ToolStatus,
		gomcp.WithDescription("Get the current settleload run: phase, generated/settled/rejected counts, throughput, last batch commit and settlement latency."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var status types.RunStatus
		if err := client.GetJSON(ctx, "/v1/status", &status); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("settleload unreachable: %v\n\nIs the process running? Try: settleload run", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(status)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool(ToolHealth,
		gomcp.WithDescription("Readiness check: verifies that the settlement backend answers balance queries."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		var health types.HealthResponse
		if raw == nil || json.Unmarshal(raw, &health) != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("settleload unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(health)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool(ToolHistory,
		gomcp.WithDescription("List persisted runs, newest first."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max runs to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset)

		var page types.HistoryResponse
		if err := client.GetJSON(ctx, path, &page); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(page)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool(ToolRunDetail,
		gomcp.WithDescription("Get a persisted run by ID with its throughput reports."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || strings.TrimSpace(id) == "" {
			return gomcp.NewToolResultError("id is required"), nil
		}
		var detail types.RunDetail
		if err := client.GetJSON(ctx, "/v1/history/"+url.PathEscape(id), &detail); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(detail)), nil
	})
}

func formatStatus(s types.RunStatus) string {
	c := s.Counters
	runID := s.RunID
	if runID == "" {
		runID = "-"
	}

	lines := joinLines(
		section("Settleload Status"),
		kv("Run", runID),
		kv("Phase", s.Phase),
		kv("Backend", s.Config.Backend),
		kv("Workers", fmt.Sprintf("%d / %d finished", c.WorkersFinished, s.Config.Workers)),
		kv("Generated", formatNumber(c.Generated)),
		kv("Settled", fmt.Sprintf("%s (%s)", formatNumber(c.Settled), formatPct(c.Settled, c.Generated))),
		kv("Rejected", formatNumber(c.Rejected)),
		kv("Batch Commits", fmt.Sprintf("%d (%d failed)", c.Commits, c.CommitFailures)),
		kv("Elapsed", fmt.Sprintf("%.1fs", float64(s.ElapsedMs)/1000)),
	)
	if s.Error != "" {
		lines += "\n" + kv("Error", s.Error)
	}

	if len(s.Rejections) > 0 {
		reasons := make([]string, 0, len(s.Rejections))
		for r := range s.Rejections {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		out := []string{section("Rejections")}
		for _, r := range reasons {
			out = append(out, kv(r, formatNumber(s.Rejections[r])))
		}
		lines += "\n\n" + joinLines(out...)
	}

	if r := s.LastReport; r != nil {
		lines += "\n\n" + formatReportBlock("Last Throughput Report", *r)
	}

	if lat := s.SettleLatency; lat != nil && lat.Count > 0 {
		lines += "\n\n" + joinLines(
			section("Settlement Latency"),
			kv("Min", formatMs(lat.Min)),
			kv("P50", formatMs(lat.P50)),
			kv("P95", formatMs(lat.P95)),
			kv("P99", formatMs(lat.P99)),
			kv("Max", formatMs(lat.Max)),
		)
	}

	if v := s.Verification; v != nil {
		lines += "\n\n" + formatVerification(v)
	}

	return lines
}

func formatVerification(v *types.VerificationResult) string {
	state := "PASS"
	if !v.AllChecksPass {
		state = "FAIL"
	}
	out := []string{
		section("Verification: " + state),
		kv("Committed", fmt.Sprintf("%s of %s settled", formatNumber(v.CommittedTransfers), formatNumber(v.SettledTransfers))),
	}
	if b := v.Batches; b != nil {
		out = append(out, kv("Batches", fmt.Sprintf("%d/%d found, %d mismatched", b.Found, b.SampleSize, b.CountMismatches)))
	}
	out = append(out, kv("Balance Drift", fmt.Sprintf("%d of %d accounts", v.DriftedAccounts, v.Accounts)))
	for _, w := range v.Warnings {
		out = append(out, "- "+w)
	}
	return joinLines(out...)
}

func formatReportBlock(title string, r types.ThroughputReport) string {
	batch := "-"
	if r.BatchRef != "" {
		batch = fmt.Sprintf("%s (height %d, %d txs)", r.BatchRef, r.BatchHeight, r.BatchTxCount)
	}
	lines := joinLines(
		section(title),
		kv("Seq", r.Seq),
		kv("Window", formatNumber(r.WindowSuccesses)),
		kv("Cumulative", formatNumber(r.CumulativeSuccesses)),
		kv("Throughput", formatTPS(r.Throughput)),
		kv("Window Throughput", formatTPS(r.WindowThroughput)),
		kv("Batch", batch),
	)
	if r.CommitError != "" {
		lines += "\n" + kv("Commit Error", r.CommitError)
	}
	return lines
}

func formatHealth(h types.HealthResponse) string {
	state := "READY"
	if h.Status != "ready" && h.Status != "healthy" {
		state = "NOT READY"
	}
	lines := joinLines(
		section("Settleload Health: "+state),
		kv("Backend", h.Backend),
	)
	if h.Error != "" {
		lines += "\n" + kv("Error", h.Error)
	}
	return lines
}

func formatHistory(page types.HistoryResponse) string {
	if len(page.Runs) == 0 {
		return joinLines(section("Run History"), "No runs recorded.")
	}

	out := []string{
		section(fmt.Sprintf("Run History (%d-%d of %d)", page.Offset+1, page.Offset+len(page.Runs), page.Total)),
		fmt.Sprintf("%-36s  %-9s  %-8s  %10s  %10s  %s", "ID", "STATUS", "BACKEND", "SETTLED", "REJECTED", "TX/S"),
	}
	for _, r := range page.Runs {
		out = append(out, fmt.Sprintf("%-36s  %-9s  %-8s  %10s  %10s  %.1f",
			r.ID, r.Status, r.Backend, formatNumber(r.Counters.Settled), formatNumber(r.Counters.Rejected), r.Throughput))
	}
	return joinLines(out...)
}

func formatRunDetail(d types.RunDetail) string {
	r := d.Run
	completed := "-"
	if r.CompletedAt != nil {
		completed = formatTime(*r.CompletedAt)
	}
	capText := "unbounded"
	if r.Config.TransactionCap > 0 {
		capText = formatNumber(int64(r.Config.TransactionCap))
	}

	lines := joinLines(
		section("Run "+r.ID),
		kv("Status", r.Status),
		kv("Backend", r.Backend),
		kv("Started", formatTime(r.StartedAt)),
		kv("Completed", completed),
		kv("Workers", r.Config.Workers),
		kv("Transaction Cap", capText),
		kv("Base Delay", fmt.Sprintf("%dms", r.Config.BaseDelayMs)),
		kv("Generated", formatNumber(r.Counters.Generated)),
		kv("Settled", formatNumber(r.Counters.Settled)),
		kv("Rejected", formatNumber(r.Counters.Rejected)),
		kv("Batch Commits", fmt.Sprintf("%d (%d failed)", r.Counters.Commits, r.Counters.CommitFailures)),
		kv("Throughput", formatTPS(r.Throughput)),
	)
	if r.ErrorMessage != "" {
		lines += "\n" + kv("Error", r.ErrorMessage)
	}
	if r.Verification != nil {
		lines += "\n\n" + formatVerification(r.Verification)
	}

	if len(d.Reports) > 0 {
		out := []string{
			section(fmt.Sprintf("Throughput Reports (%d)", len(d.Reports))),
			fmt.Sprintf("%4s  %10s  %10s  %12s  %s", "SEQ", "WINDOW", "TOTAL", "TX/S", "BATCH"),
		}
		for _, rep := range d.Reports {
			batch := rep.BatchRef
			if rep.CommitError != "" {
				batch = "error: " + rep.CommitError
			}
			out = append(out, fmt.Sprintf("%4d  %10s  %10s  %12.1f  %s",
				rep.Seq, formatNumber(rep.WindowSuccesses), formatNumber(rep.CumulativeSuccesses), rep.Throughput, batch))
		}
		lines += "\n\n" + joinLines(out...)
	}

	return lines
}
