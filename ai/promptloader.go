package ai

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/octup/fulfillment-core/core"
)

// promptVarPattern matches {{var_name}} placeholders, spec.md §4.7.
var promptVarPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// PromptLoader loads `.tmpl` files from a directory, caching each by
// name until Reload is called. Rendering fails loudly — rather than
// silently leaving a placeholder in place — when the caller doesn't
// supply every variable the template references.
type PromptLoader struct {
	mu    sync.RWMutex
	dir   string
	cache map[string]string
}

// NewPromptLoader builds a loader rooted at dir (e.g. "prompts/").
func NewPromptLoader(dir string) *PromptLoader {
	return &PromptLoader{dir: dir, cache: map[string]string{}}
}

// Render loads (or reuses the cached copy of) the template named name
// and substitutes vars into it.
func (p *PromptLoader) Render(name string, vars map[string]string) (string, error) {
	tmpl, err := p.load(name)
	if err != nil {
		return "", err
	}
	return renderTemplate(tmpl, vars)
}

func (p *PromptLoader) load(name string) (string, error) {
	p.mu.RLock()
	if t, ok := p.cache[name]; ok {
		p.mu.RUnlock()
		return t, nil
	}
	p.mu.RUnlock()

	raw, err := os.ReadFile(filepath.Join(p.dir, name+".tmpl"))
	if err != nil {
		return "", fmt.Errorf("ai: load prompt template %q: %w", name, err)
	}

	p.mu.Lock()
	p.cache[name] = string(raw)
	p.mu.Unlock()
	return string(raw), nil
}

// Reload clears the cache; the next Render for each template re-reads
// it from disk. Used to pick up edited prompts without a restart.
func (p *PromptLoader) Reload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = map[string]string{}
}

func renderTemplate(tmpl string, vars map[string]string) (string, error) {
	var missing []string
	out := promptVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := promptVarPattern.FindStringSubmatch(match)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %v", core.ErrMissingPromptVar, missing)
	}
	return out, nil
}
