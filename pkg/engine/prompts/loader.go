// Package prompts loads the fixed instruction prompts the engine sends for
// compression and context handoff, with per-project overrides.
package prompts

import (
	"embed"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

//go:embed *.md
var embeddedPrompts embed.FS

// Prompt names resolvable through a Loader.
const (
	CompressSummary   = "compress_summary"
	CompressInjection = "compress_injection"
)

// Loader resolves prompt templates by name, preferring a project-level
// override file over the embedded default. Results are cached for the
// lifetime of the Loader.
type Loader struct {
	projectRoot string
	mu          sync.RWMutex
	cache       map[string]string
}

// NewLoader creates a Loader. With a non-empty projectRoot, a file at
// <projectRoot>/prompts/<name>.md shadows the embedded template of the same
// name.
func NewLoader(projectRoot string) *Loader {
	return &Loader{
		projectRoot: projectRoot,
		cache:       make(map[string]string),
	}
}

// DefaultLoader serves the embedded templates only.
var DefaultLoader = NewLoader("")

// Get returns the prompt template for name, or "" if neither an override nor
// an embedded default exists.
func (l *Loader) Get(name string) string {
	l.mu.RLock()
	cached, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return cached
	}

	content := l.load(name)

	l.mu.Lock()
	l.cache[name] = content
	l.mu.Unlock()
	return content
}

// ClearCache drops every cached template so the next Get re-reads overrides
// from disk.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]string)
	l.mu.Unlock()
}

func (l *Loader) load(name string) string {
	filename := name + ".md"

	if l.projectRoot != "" {
		overridePath := filepath.Join(l.projectRoot, "prompts", filename)
		if content, err := os.ReadFile(overridePath); err == nil {
			return strings.TrimSpace(string(content))
		}
	}

	if content, err := embeddedPrompts.ReadFile(filename); err == nil {
		return strings.TrimSpace(string(content))
	}
	return ""
}
