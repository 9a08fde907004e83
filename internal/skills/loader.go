// Package skills discovers agent skills on disk and renders them into the
// system prompt.
//
// A skill is a directory under the skills root containing a SKILL.md file
// with optional YAML frontmatter (name, description, allowed-tools,
// requires, always).
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// inlineLimit is the body size under which a skill is embedded directly in
// the prompt. Larger skills are referenced by path for the agent to Read.
const inlineLimit = 2000

// Metadata is a skill's YAML frontmatter.
type Metadata struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	AllowedTools string `yaml:"allowed-tools"`
	Requires     string `yaml:"requires"`
	Always       bool   `yaml:"always"`
}

// Skill is a discovered skill.
type Skill struct {
	Name        string
	Path        string // path to the SKILL.md file
	Description string
	Meta        Metadata
	Body        string // content with frontmatter stripped
}

// Loader scans a skills directory and builds prompt sections.
type Loader struct {
	dir string
	log *slog.Logger

	mu    sync.Mutex
	cache map[string]*Skill
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets a structured logger for the loader.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) {
		ld.log = l
	}
}

// NewLoader creates a loader over the given skills directory. A leading ~
// is expanded.
func NewLoader(dir string, opts ...Option) *Loader {
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[2:])
		}
	}
	ld := &Loader{
		dir:   dir,
		log:   slog.Default(),
		cache: make(map[string]*Skill),
	}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

// List returns the available skills sorted by name. Skills whose
// requirements are not met on this host are filtered out.
func (ld *Loader) List() []*Skill {
	entries, err := os.ReadDir(ld.dir)
	if err != nil {
		return nil
	}

	var skills []*Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := ld.load(e.Name())
		if err != nil {
			continue
		}
		if !requirementsMet(s.Meta.Requires) {
			ld.log.Debug("skill unavailable", "skill", s.Name, "requires", s.Meta.Requires)
			continue
		}
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

// AllowedTools collects the allowed-tools lists of all available skills,
// deduplicated and sorted.
func (ld *Loader) AllowedTools() []string {
	set := make(map[string]bool)
	for _, s := range ld.List() {
		for _, t := range strings.Split(s.Meta.AllowedTools, ",") {
			if t = strings.TrimSpace(t); t != "" {
				set[t] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// PromptSection renders the available skills for the system prompt.
// Always-on skills appear in full; the rest go in a <skills> block, inlined
// when small and referenced by path otherwise. Returns "" with no skills.
func (ld *Loader) PromptSection() string {
	skills := ld.List()
	if len(skills) == 0 {
		return ""
	}

	var always []string
	lines := []string{"<skills>"}
	listed := false

	for _, s := range skills {
		if s.Meta.Always {
			always = append(always, fmt.Sprintf("### Skill: %s\n\n%s", s.Name, s.Body))
			continue
		}
		listed = true
		lines = append(lines, fmt.Sprintf("  <skill name=%q>", escapeXML(s.Name)))
		lines = append(lines, fmt.Sprintf("    <description>%s</description>", escapeXML(s.Description)))
		if len(s.Body) < inlineLimit {
			lines = append(lines, fmt.Sprintf("    <content>%s</content>", escapeXML(s.Body)))
		} else {
			lines = append(lines, fmt.Sprintf("    <location>%s</location>", s.Path))
		}
		lines = append(lines, "  </skill>")
	}
	lines = append(lines, "</skills>")

	var sections []string
	if len(always) > 0 {
		sections = append(sections, strings.Join(always, "\n\n---\n\n"))
	}
	if listed {
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

// load parses one skill directory, caching the result.
func (ld *Loader) load(name string) (*Skill, error) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	if s, ok := ld.cache[name]; ok {
		return s, nil
	}

	path := filepath.Join(ld.dir, name, "SKILL.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill %s: %w", name, err)
	}

	meta, body := splitFrontmatter(string(data))
	s := &Skill{
		Name:        name,
		Path:        path,
		Description: meta.Description,
		Meta:        meta,
		Body:        body,
	}
	if s.Description == "" {
		s.Description = name
	}
	ld.cache[name] = s
	return s, nil
}

// splitFrontmatter separates YAML frontmatter from the markdown body. A
// file without frontmatter yields zero metadata and the full content.
func splitFrontmatter(content string) (Metadata, string) {
	var meta Metadata
	if !strings.HasPrefix(content, "---\n") {
		return meta, strings.TrimSpace(content)
	}
	rest := content[4:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return meta, strings.TrimSpace(content)
	}
	if err := yaml.Unmarshal([]byte(rest[:idx]), &meta); err != nil {
		return Metadata{}, strings.TrimSpace(content)
	}
	body := rest[idx+4:]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return meta, strings.TrimSpace(body)
}

// requirementsMet checks a comma-separated requires list. Plain entries
// are binaries that must be on PATH; "env:NAME" entries are environment
// variables that must be set.
func requirementsMet(requires string) bool {
	for _, req := range strings.Split(requires, ",") {
		req = strings.TrimSpace(req)
		if req == "" {
			continue
		}
		if name, ok := strings.CutPrefix(req, "env:"); ok {
			if os.Getenv(name) == "" {
				return false
			}
			continue
		}
		if _, err := exec.LookPath(req); err != nil {
			return false
		}
	}
	return true
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
