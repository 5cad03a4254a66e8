// Package prompts loads versioned prompt templates from disk and performs
// placeholder substitution. Prompts are data, not critical-path code: a
// missing template degrades to empty strings instead of failing the caller.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Template holds one named prompt pair.
type Template struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	System  string `yaml:"system"`
	User    string `yaml:"user"`
}

// Loader resolves templates by logical name (e.g. "citation_validation",
// "keyword/intent_analysis") from a directory of YAML files. Loaded templates
// are cached for the process lifetime and never invalidated; template edits
// require a restart.
type Loader struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]Template
}

// NewLoader builds a loader rooted at dir.
func NewLoader(dir string, logger *zap.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]Template),
	}
}

// Load returns the template for name. Missing or malformed templates yield a
// zero-value template with a warning log; the empty result is cached so the
// disk is not re-probed on every call.
func (l *Loader) Load(name string) Template {
	l.mu.RLock()
	tpl, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return tpl
	}

	tpl = l.read(name)

	l.mu.Lock()
	l.cache[name] = tpl
	l.mu.Unlock()
	return tpl
}

func (l *Loader) read(name string) Template {
	clean := filepath.Clean(name)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		l.logger.Warn("rejecting prompt template name outside template dir", zap.String("name", name))
		return Template{}
	}

	path := filepath.Join(l.dir, clean+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Warn("prompt template not found, using empty prompt",
			zap.String("name", name),
			zap.String("path", path),
		)
		return Template{}
	}

	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		l.logger.Warn("prompt template failed to decode, using empty prompt",
			zap.String("name", name),
			zap.Error(err),
		)
		return Template{}
	}
	if tpl.Name == "" {
		tpl.Name = name
	}
	return tpl
}

// Replace substitutes vars into template text. Three delimiter conventions
// are accepted for input compatibility: {key}, {{key}} and {{ key }}.
func Replace(template string, vars map[string]string) string {
	if template == "" || len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*6)
	for k, v := range vars {
		pairs = append(pairs,
			fmt.Sprintf("{{ %s }}", k), v,
			fmt.Sprintf("{{%s}}", k), v,
			fmt.Sprintf("{%s}", k), v,
		)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
