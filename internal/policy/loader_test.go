package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cmdgate/internal/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const sampleRules = `
rules:
  - command: make
    family: build
    description: Build targets
    risk: low
    max_timeout: 10m
    allowed_args: ['^(?:build|test)\b']
  - command: psql
    requires_approval: false
  - command: git
    family: vcs
    risk: elevated
`

func TestLoadRuleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, sampleRules)

	rules, err := LoadRuleFile(path, time.Minute)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}

	mk := rules[0]
	if mk.Risk != domain.RiskLow || mk.MaxTimeout != 10*time.Minute || mk.RequiresApproval {
		t.Fatalf("unexpected make rule: %+v", mk)
	}

	psql := rules[1]
	if psql.Risk != domain.RiskCritical {
		t.Fatalf("expected missing risk to mean critical, got %s", psql.Risk)
	}
	if psql.RequiresApproval {
		t.Fatal("explicit requires_approval=false should be kept")
	}
	if psql.MaxTimeout != time.Minute || psql.Family != "custom" {
		t.Fatalf("expected defaults, got %+v", psql)
	}
}

func TestLoadRuleFile_Invalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"badrisk.yaml":    "rules:\n  - command: x\n    risk: extreme\n",
		"badtimeout.yaml": "rules:\n  - command: x\n    max_timeout: soon\n",
		"nocmd.yaml":      "rules:\n  - family: x\n",
		"notyaml.yaml":    "rules: [",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		writeFile(t, path, content)
		if _, err := LoadRuleFile(path, time.Minute); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadRules_DirectorySkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.yaml"), sampleRules)
	writeFile(t, filepath.Join(dir, "bad.yml"), "rules: [")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	rules, err := LoadRules([]string{dir, filepath.Join(dir, "missing")}, time.Minute, testLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
}

func TestBuild_FileOverridesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, sampleRules)

	reg, err := Build(Options{
		RuleFiles:       []string{path},
		RequireApproval: map[string]bool{FamilyOrchestration: false},
	}, testLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	git, ok := reg.Get("git")
	if !ok || git.Risk != domain.RiskElevated || !git.RequiresApproval {
		t.Fatalf("expected file git rule, got %+v", git)
	}
	kubectl, _ := reg.Get("kubectl")
	if kubectl.RequiresApproval {
		t.Fatal("orchestration switch should disable approval")
	}
	if _, ok := reg.Get("make"); !ok {
		t.Fatal("expected make rule from file")
	}
}

func TestBuild_DisableDefaults(t *testing.T) {
	reg, err := Build(Options{DisableDefaults: true}, testLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d rules", reg.Len())
	}
}
