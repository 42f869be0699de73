package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentcore/pkg/logger"
)

// Registry manages a collection of tools
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	schema map[string]*jsonschema.Schema
}

// NewRegistry creates a new empty tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		schema: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry. Registration is idempotent by name:
// re-registering a name replaces the existing tool and logs a warning rather
// than failing, so a process can reload tool definitions without restarting.
//
// The tool's parameter schema is compiled once here so the scheduler can
// validate call arguments before a handler ever runs. A tool whose schema
// doesn't compile is rejected outright.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	sch, err := compileSchema(name, tool.Schema().Parameters)
	if err != nil {
		return fmt.Errorf("tool %s: invalid parameter schema: %w", name, err)
	}

	if _, exists := r.tools[name]; exists {
		logger.Warn("tools.registry", "replacing already-registered tool", map[string]interface{}{
			"tool": name,
		})
	}

	r.tools[name] = tool
	r.schema[name] = sch
	return nil
}

// MustRegister adds a tool to the registry, panicking on error. Reserved for
// startup-time wiring where a bad tool definition should fail fast.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// Schema returns the compiled JSON Schema for a registered tool's arguments.
func (r *Registry) Schema(name string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schema[name]
	return s, ok
}

// All returns all registered tools
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}

	// Sort by name for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})

	return result
}

// Names returns all registered tool names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// DefaultRegistry creates a registry with all built-in tools
func DefaultRegistry(workspaceRoot string) *Registry {
	r := NewRegistry()

	// File tools
	r.MustRegister(NewLsTool(workspaceRoot))
	r.MustRegister(NewReadFileTool(workspaceRoot))
	r.MustRegister(NewWriteFileTool(workspaceRoot))
	r.MustRegister(NewEditFileTool(workspaceRoot))

	// Search tools
	r.MustRegister(NewGlobTool(workspaceRoot))
	r.MustRegister(NewGrepTool(workspaceRoot))

	// Diagnostics tools
	r.MustRegister(NewLSPDiagnosticsTool(workspaceRoot))

	// Shell tool
	r.MustRegister(NewShellTool(workspaceRoot))

	return r
}

func compileSchema(name string, parameters any) (*jsonschema.Schema, error) {
	if parameters == nil {
		parameters = map[string]any{"type": "object"}
	}
	data, err := json.Marshal(parameters)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resource := "mem://tools/" + name + ".json"
	if err := c.AddResource(resource, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}
