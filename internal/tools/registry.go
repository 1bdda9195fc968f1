package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTool is returned when a model requests a tool that is not
// registered or not on the agent's allowlist.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one callable capability exposed to agent runs. Run receives the
// model-produced arguments as raw JSON and returns the text fed back to
// the model as a tool message.
type Tool interface {
	Name() string
	Description() string
	Run(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the available tools. Registration happens at boot;
// lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get resolves a tool name against the registry and an optional allowlist.
// An empty allowlist permits every registered tool.
func (r *Registry) Get(name string, allowed []string) (Tool, error) {
	if len(allowed) > 0 {
		ok := false
		for _, a := range allowed {
			if a == name {
				ok = true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: %q not in allowlist", ErrUnknownTool, name)
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return t, nil
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
