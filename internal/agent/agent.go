// Package agent holds the per-channel analysis routines that propose tasks.
// An agent is not a process; it is an Analyzer bound to one channel.
package agent

import (
	"context"
	"strings"

	"github.com/nexo-labs/nexo/internal/channel"
)

// Proposal is one task suggested by a channel analysis. It carries no
// identity until the Task Manager persists it.
type Proposal struct {
	Title          string  `json:"title" yaml:"title"`
	Description    string  `json:"description" yaml:"description"`
	Category       string  `json:"category" yaml:"category"`
	Priority       string  `json:"priority" yaml:"priority"`
	EstimatedHours float64 `json:"estimated_hours" yaml:"estimated_hours"`
}

func (p Proposal) normalized() Proposal {
	p.Title = strings.TrimSpace(p.Title)
	p.Description = strings.TrimSpace(p.Description)
	p.Category = strings.TrimSpace(p.Category)
	p.Priority = strings.ToLower(strings.TrimSpace(p.Priority))
	return p
}

type Analyzer interface {
	Analyze(ctx context.Context, ch channel.Channel) ([]Proposal, error)
}

type AnalyzerFunc func(ctx context.Context, ch channel.Channel) ([]Proposal, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, ch channel.Channel) ([]Proposal, error) {
	return f(ctx, ch)
}

// Idle proposes nothing. It backs channels when no model is configured.
var Idle Analyzer = AnalyzerFunc(func(context.Context, channel.Channel) ([]Proposal, error) {
	return nil, nil
})
