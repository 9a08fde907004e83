package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListMissingDirectory(t *testing.T) {
	ld := NewLoader(filepath.Join(t.TempDir(), "nope"))
	if got := ld.List(); len(got) != 0 {
		t.Errorf("expected no skills, got %d", len(got))
	}
	if got := ld.PromptSection(); got != "" {
		t.Errorf("expected empty prompt section, got %q", got)
	}
}

func TestListParsesFrontmatter(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "deploy", `---
name: deploy
description: Deploy the service
allowed-tools: Bash, WebFetch
---
# Deploy

Run the deploy script.`)

	ld := NewLoader(root)
	skills := ld.List()
	if len(skills) != 1 {
		t.Fatalf("expected 1 skill, got %d", len(skills))
	}
	s := skills[0]
	if s.Description != "Deploy the service" {
		t.Errorf("description = %q", s.Description)
	}
	if strings.Contains(s.Body, "---") || !strings.HasPrefix(s.Body, "# Deploy") {
		t.Errorf("frontmatter not stripped: %q", s.Body)
	}
}

func TestSkillWithoutFrontmatter(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "plain", "just a body")

	ld := NewLoader(root)
	skills := ld.List()
	if len(skills) != 1 {
		t.Fatalf("expected 1 skill, got %d", len(skills))
	}
	if skills[0].Description != "plain" {
		t.Errorf("description should default to name, got %q", skills[0].Description)
	}
	if skills[0].Body != "just a body" {
		t.Errorf("body = %q", skills[0].Body)
	}
}

func TestRequirementsFilterBinary(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "needs-tool", `---
description: needs a binary
requires: definitely-not-a-real-binary-xyz
---
body`)
	writeSkill(t, root, "ok", "body")

	ld := NewLoader(root)
	skills := ld.List()
	if len(skills) != 1 || skills[0].Name != "ok" {
		t.Errorf("expected only the ok skill, got %+v", skills)
	}
}

func TestRequirementsEnv(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "envskill", `---
requires: env:SKILL_TEST_VAR
---
body`)

	ld := NewLoader(root)
	if got := ld.List(); len(got) != 0 {
		t.Fatalf("skill should be filtered when env var unset")
	}

	t.Setenv("SKILL_TEST_VAR", "1")
	ld2 := NewLoader(root)
	if got := ld2.List(); len(got) != 1 {
		t.Errorf("skill should be available when env var set")
	}
}

func TestPromptSectionInlineAndLocation(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "small", `---
description: a small one
---
short body`)
	writeSkill(t, root, "big", `---
description: a big one
---
`+strings.Repeat("x", inlineLimit+10))

	ld := NewLoader(root)
	section := ld.PromptSection()

	if !strings.Contains(section, "<skills>") || !strings.Contains(section, "</skills>") {
		t.Fatalf("missing skills block: %q", section)
	}
	if !strings.Contains(section, "<content>short body</content>") {
		t.Errorf("small skill should be inlined: %q", section)
	}
	if !strings.Contains(section, "<location>") || !strings.Contains(section, filepath.Join("big", "SKILL.md")) {
		t.Errorf("big skill should be referenced by path: %q", section)
	}
	if strings.Contains(section, strings.Repeat("x", 100)) {
		t.Error("big skill body should not be inlined")
	}
}

func TestPromptSectionAlwaysOn(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "core", `---
description: core rules
always: true
---
always follow these rules`)

	ld := NewLoader(root)
	section := ld.PromptSection()
	if !strings.Contains(section, "### Skill: core") {
		t.Errorf("always-on skill missing: %q", section)
	}
	if !strings.Contains(section, "always follow these rules") {
		t.Errorf("always-on body missing: %q", section)
	}
	if strings.Contains(section, "<skills>") {
		t.Errorf("no listed skills, block should be omitted: %q", section)
	}
}

func TestPromptSectionEscapesXML(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "esc", `---
description: a <b> & c
---
1 < 2`)

	ld := NewLoader(root)
	section := ld.PromptSection()
	if !strings.Contains(section, "a &lt;b&gt; &amp; c") {
		t.Errorf("description not escaped: %q", section)
	}
	if !strings.Contains(section, "1 &lt; 2") {
		t.Errorf("body not escaped: %q", section)
	}
}

func TestAllowedTools(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "one", `---
allowed-tools: Bash, Read
---
b`)
	writeSkill(t, root, "two", `---
allowed-tools: Read,WebFetch
---
b`)

	ld := NewLoader(root)
	got := ld.AllowedTools()
	want := []string{"Bash", "Read", "WebFetch"}
	if len(got) != len(want) {
		t.Fatalf("AllowedTools = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AllowedTools[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
