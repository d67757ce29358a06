package agent

import (
	"sync"

	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/pkg/cerr"
)

type entry struct {
	analyzer Analyzer
	enabled  bool
}

// Registry binds one analyzer to each known channel.
type Registry struct {
	mu      sync.RWMutex
	entries map[channel.Channel]*entry
}

// NewRegistry enables every channel with the given default analyzer.
func NewRegistry(def Analyzer) *Registry {
	if def == nil {
		def = Idle
	}
	r := &Registry{entries: make(map[channel.Channel]*entry)}
	for _, ch := range channel.All() {
		r.entries[ch] = &entry{analyzer: def, enabled: true}
	}
	return r
}

// Register replaces the channel's analyzer and keeps its enabled flag.
func (r *Registry) Register(ch channel.Channel, a Analyzer) error {
	if !ch.Valid() {
		return cerr.Validation("unknown channel " + string(ch))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	enabled := true
	if e, ok := r.entries[ch]; ok {
		enabled = e.enabled
	}
	r.entries[ch] = &entry{analyzer: a, enabled: enabled}
	return nil
}

func (r *Registry) SetEnabled(ch channel.Channel, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ch]
	if !ok {
		return cerr.NotFoundf("no agent for channel %s", ch)
	}
	e.enabled = enabled
	return nil
}

// Analyzer returns the channel's analyzer. A disabled agent is an
// InvalidState error.
func (r *Registry) Analyzer(ch channel.Channel) (Analyzer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ch]
	if !ok {
		return nil, cerr.NotFoundf("no agent for channel %s", ch)
	}
	if !e.enabled {
		return nil, cerr.InvalidState("agent %s is disabled", ch.AgentID())
	}
	return e.analyzer, nil
}

func (r *Registry) Enabled(ch channel.Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ch]
	return ok && e.enabled
}

// EnabledChannels lists the enabled channels in enumeration order.
func (r *Registry) EnabledChannels() []channel.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []channel.Channel
	for _, ch := range channel.All() {
		if e, ok := r.entries[ch]; ok && e.enabled {
			out = append(out, ch)
		}
	}
	return out
}
