package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/agenterr"
)

// Tool is a named capability reachable through an envelope. Params and the
// returned value are JSON; the envelope owns timeouts and redaction.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage // JSON Schema
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// synchronous is implemented by tools adapted from plain functions.
type synchronous interface {
	Synchronous() bool
}

// ToolDef describes a registered tool for listing endpoints and LLM tool use.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Sync        bool            `json:"sync"`
}

// Registry maps tool names to tools. It is populated at startup and read
// concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger log.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Register adds a tool keyed by its Name. Registering an existing name
// replaces the previous tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	_, existed := r.tools[t.Name()]
	r.tools[t.Name()] = t
	r.mu.Unlock()

	if existed {
		r.logger.Warn(context.Background(), "tool re-registered", "tool", t.Name())
	}
}

// Get retrieves a tool by name, returns the tool and a boolean indicating if it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Lookup is Get with an agenterr.ErrNotFound error for unknown names.
func (r *Registry) Lookup(name string) (Tool, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", name, agenterr.ErrNotFound)
	}
	return t, nil
}

// Names returns the registered names, sorted.
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

// ToToolDefs returns the tool definitions sorted by name.
func (r *Registry) ToToolDefs() []ToolDef {
	names := r.Names()
	out := make([]ToolDef, 0, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			continue
		}
		def := ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		}
		if s, ok := t.(synchronous); ok {
			def.Sync = s.Synchronous()
		}
		out = append(out, def)
	}
	return out
}
