package prompts

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template paths
const (
	DiscoveryTemplate = "cycle/discovery.md"
	TaskTemplate      = "cycle/task.md"
)

// Meta is the optional YAML header of a template
type Meta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type compiled struct {
	tmpl *template.Template
	meta *Meta
}

// Loader renders prompt templates. A file under one of its directories
// shadows the embedded template of the same relative path; earlier
// directories win.
type Loader struct {
	dirs []string

	mu    sync.RWMutex
	cache map[string]compiled
}

// NewLoader returns a loader that looks in dirs before the embedded set
func NewLoader(dirs ...string) *Loader {
	return &Loader{dirs: dirs, cache: make(map[string]compiled)}
}

// DefaultLoader looks in ~/.config/cycle-orch/prompts first
func DefaultLoader() *Loader {
	home, _ := os.UserHomeDir()
	return NewLoader(filepath.Join(home, ".config", "cycle-orch", "prompts"))
}

func (l *Loader) read(name string) ([]byte, error) {
	for _, dir := range l.dirs {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

var fence = []byte("---\n")

// parseFrontmatter separates a leading "---" delimited YAML header from
// the template body. Content without a closed header is all body.
func parseFrontmatter(content []byte) (*Meta, string, error) {
	rest, ok := bytes.CutPrefix(content, fence)
	if !ok {
		return nil, string(content), nil
	}
	header, body, ok := bytes.Cut(rest, append([]byte("\n"), fence...))
	if !ok {
		return nil, string(content), nil
	}
	meta := new(Meta)
	if err := yaml.Unmarshal(header, meta); err != nil {
		return nil, "", fmt.Errorf("template header: %w", err)
	}
	return meta, string(body), nil
}

// LoadTemplate returns the compiled template at name, e.g. "cycle/task.md",
// and its header if it has one. Results are cached until ClearCache.
func (l *Loader) LoadTemplate(name string) (*template.Template, *Meta, error) {
	l.mu.RLock()
	c, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return c.tmpl, c.meta, nil
	}

	raw, err := l.read(name)
	if err != nil {
		return nil, nil, fmt.Errorf("reading prompt %s: %w", name, err)
	}
	meta, body, err := parseFrontmatter(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("prompt %s: %w", name, err)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("prompt %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = compiled{tmpl: tmpl, meta: meta}
	l.mu.Unlock()
	return tmpl, meta, nil
}

// Execute renders the template at name with data
func (l *Loader) Execute(name string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("rendering prompt %s: %w", name, err)
	}
	return sb.String(), nil
}

// DiscoveryData feeds the discovery prompt
type DiscoveryData struct {
	CycleNumber     int
	RepositoryURL   string
	BaseBranch      string
	WorkingBranch   string
	Goal            string
	TaskList        string
	Learnings       string
	PreviousSummary string
	MaxTasks        int
}

// TaskData feeds a task prompt
type TaskData struct {
	Number        int
	CycleNumber   int
	RepositoryURL string
	Branch        string
	Description   string
	Context       string
	Goal          string
}

// BuildDiscoveryPrompt renders the discovery template.
func (l *Loader) BuildDiscoveryPrompt(data DiscoveryData) (string, error) {
	return l.Execute(DiscoveryTemplate, data)
}

// BuildTaskPrompt renders the task template.
func (l *Loader) BuildTaskPrompt(data TaskData) (string, error) {
	return l.Execute(TaskTemplate, data)
}

// ClearCache forgets every compiled template
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.cache)
}
