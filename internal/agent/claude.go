package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"

	"github.com/nexo-labs/nexo/internal/channel"
)

const systemPrompt = "You are a marketplace operations analyst. " +
	"Reply with a JSON array of task proposals and nothing else."

var focus = map[channel.Channel]string{
	channel.Amazon:       "listing quality, Buy Box share, FBA inventory health and advertising spend",
	channel.Shopee:       "flash sale slots, voucher strategy, chat response rate and shipping SLAs",
	channel.MercadoLibre: "reputation thermometer, Full fulfillment coverage and catalog competitiveness",
	channel.Lazada:       "LazMall compliance, campaign participation and cancellation rate",
	channel.TikTokShop:   "creator affiliate coverage, live shopping schedule and video conversion",
	channel.Walmart:      "listing quality score, WFS eligibility and on-time delivery rate",
}

// ClaudeAnalyzer asks Claude for proposals through the agent SDK.
type ClaudeAnalyzer struct {
	WorkDir  string
	MaxTurns int
	Timeout  time.Duration
}

func NewClaudeAnalyzer(workDir string, maxTurns int) *ClaudeAnalyzer {
	if maxTurns < 1 {
		maxTurns = 1
	}
	return &ClaudeAnalyzer{
		WorkDir:  workDir,
		MaxTurns: maxTurns,
		Timeout:  5 * time.Minute,
	}
}

func (a *ClaudeAnalyzer) Analyze(ctx context.Context, ch channel.Channel) ([]Proposal, error) {
	maxTurns := a.MaxTurns
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   systemPrompt,
		Cwd:            a.WorkDir,
		PermissionMode: claudeagent.PermissionModeBypassPermissions,
		MaxTurns:       &maxTurns,
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	result, err := claudeagent.RunQuerySync(ctx, buildPrompt(ch), opts)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", ch, err)
	}
	if result.Result == nil {
		return nil, fmt.Errorf("analyze %s: empty result", ch)
	}
	if result.Result.IsError {
		return nil, fmt.Errorf("analyze %s: %s", ch, result.Result.Result)
	}
	proposals, err := parseProposals(result.Result.Result)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", ch, err)
	}
	slog.Info("channel analysis finished", "channel", ch, "proposals", len(proposals))
	return proposals, nil
}

func buildPrompt(ch channel.Channel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the %s storefront operations", ch)
	if f, ok := focus[ch]; ok {
		fmt.Fprintf(&b, " with attention to %s", f)
	}
	b.WriteString(".\n\nPropose up to five concrete tasks. Each element must have the fields ")
	b.WriteString(`"title", "description", "category", "priority" (low|medium|high|urgent) `)
	b.WriteString(`and "estimated_hours" (a number greater than zero).`)
	b.WriteString("\nReturn [] when nothing needs doing.")
	return b.String()
}

// parseProposals extracts the outermost JSON array from free text. Entries
// without a title are dropped.
func parseProposals(text string) ([]Proposal, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in model output")
	}
	var raw []Proposal
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode proposals: %w", err)
	}
	out := make([]Proposal, 0, len(raw))
	for _, p := range raw {
		p = p.normalized()
		if p.Title == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
