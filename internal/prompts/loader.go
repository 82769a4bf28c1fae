// Package prompts loads the phase prompt templates. Defaults are embedded;
// a directory override lets operators swap prompt text without rebuilding.
package prompts

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed *.md
var promptFS embed.FS

// Loader resolves prompt templates by phase name and renders them with
// simple {{var}} substitution.
type Loader struct {
	overrideDir string
	templates   map[string]string
}

// NewLoader reads every embedded template. overrideDir may be empty; when
// set, a <name>.md file there wins over the embedded default.
func NewLoader(overrideDir string) (*Loader, error) {
	loader := &Loader{
		overrideDir: overrideDir,
		templates:   make(map[string]string),
	}

	entries, err := promptFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("prompts: read embedded dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := promptFS.ReadFile(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("prompts: read %s: %w", entry.Name(), err)
		}
		loader.templates[strings.TrimSuffix(entry.Name(), ".md")] = string(content)
	}
	return loader, nil
}

// Get returns the raw template for name.
func (l *Loader) Get(name string) (string, error) {
	if l.overrideDir != "" {
		path := filepath.Join(l.overrideDir, name+".md")
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}
	template, ok := l.templates[name]
	if !ok {
		return "", fmt.Errorf("prompts: template %q not found", name)
	}
	return template, nil
}

// Render substitutes {{key}} placeholders in the named template.
func (l *Loader) Render(name string, vars map[string]string) (string, error) {
	template, err := l.Get(name)
	if err != nil {
		return "", err
	}
	for key, value := range vars {
		template = strings.ReplaceAll(template, "{{"+key+"}}", value)
	}
	return template, nil
}

// Names lists every available template.
func (l *Loader) Names() []string {
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	return names
}
