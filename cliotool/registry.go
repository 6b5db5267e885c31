package cliotool

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"clio.dev/llm"
)

// Registry maps tool names to tools. It is populated once at session start
// and sealed before the first turn; lookups after sealing are lock-free.
type Registry struct {
	mu     sync.Mutex
	sealed bool
	tools  map[string]*Tool
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its input schema. Registration fails on
// duplicate names, bad schemas, or a sealed registry.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("registry is sealed; cannot register %q", t.Name)
	}
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("tool %q already registered", t.Name)
	}

	schemaSrc := strings.TrimSpace(t.InputSchema)
	if schemaSrc == "" {
		schemaSrc = `{"type":"object"}`
	}
	schema, err := jsonschema.CompileString(t.Name+".json", schemaSrc)
	if err != nil {
		return fmt.Errorf("tool %q schema: %w", t.Name, err)
	}
	t.schema = schema

	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// ExternalName builds the namespaced name for a plugin-contributed tool.
func ExternalName(server, tool string) string {
	return "external_" + server + "_" + tool
}

// Seal freezes the registry. Call after all built-in and external tools
// are registered, before the first turn.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptors renders the registry for the model, in registration order.
func (r *Registry) Descriptors() []llm.ToolDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]llm.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schemaSrc := strings.TrimSpace(t.InputSchema)
		if schemaSrc == "" {
			schemaSrc = `{"type":"object"}`
		}
		out = append(out, llm.ToolDescriptor{
			Name:        t.Name,
			Description: strings.TrimSpace(t.Description),
			InputSchema: json.RawMessage(schemaSrc),
		})
	}
	return out
}
