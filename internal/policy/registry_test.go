package policy

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"cmdgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(testLogger())
	if err := reg.RegisterAll(DefaultRules()); err != nil {
		t.Fatalf("register defaults: %v", err)
	}
	return reg
}

func expectKind(t *testing.T, err error, kind domain.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	if got := domain.KindOf(err); got != kind {
		t.Fatalf("expected %s, got %s (%v)", kind, got, err)
	}
}

// --- Check ---

func TestCheck_UnknownCommand(t *testing.T) {
	reg := defaultRegistry(t)

	expectKind(t, reg.Check("nmap", []string{"-sS", "host"}), domain.KindNotWhitelisted)
	if reg.IsAllowed("nmap", nil) {
		t.Fatal("unknown command should not be allowed")
	}
}

func TestCheck_CurlUploadBlocked(t *testing.T) {
	reg := defaultRegistry(t)

	expectKind(t, reg.Check("curl", []string{"--upload-file", "x"}), domain.KindBlockedArgsMatched)
	expectKind(t, reg.Check("curl", []string{"-T", "x", "https://example.com"}), domain.KindBlockedArgsMatched)

	if !reg.IsAllowed("curl", []string{"-sSL", "https://example.com"}) {
		t.Fatal("plain download should be allowed")
	}
}

func TestCheck_BlockedIsVeto(t *testing.T) {
	reg := NewRegistry(testLogger())
	err := reg.Register(domain.CommandRule{
		Command:     "git",
		AllowedArgs: []string{`^push\b`},
		BlockedArgs: []string{`--force`},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	expectKind(t, reg.Check("git", []string{"push", "--force"}), domain.KindBlockedArgsMatched)
	if !reg.IsAllowed("git", []string{"push", "origin", "main"}) {
		t.Fatal("push without --force should be allowed")
	}
}

func TestCheck_ArgsNotAllowed(t *testing.T) {
	reg := defaultRegistry(t)

	expectKind(t, reg.Check("npm", []string{"exec", "cowsay"}), domain.KindArgsNotAllowed)
	expectKind(t, reg.Check("systemctl", []string{"reboot"}), domain.KindArgsNotAllowed)
}

func TestCheck_EmptyAllowListPermitsAnything(t *testing.T) {
	reg := defaultRegistry(t)

	for _, args := range [][]string{{"status"}, {"log", "--oneline"}, nil} {
		if err := reg.Check("git", args); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
}

func TestIsAllowed_Deterministic(t *testing.T) {
	reg := defaultRegistry(t)

	for i := 0; i < 10; i++ {
		if !reg.IsAllowed("git", []string{"status"}) {
			t.Fatal("git status flipped to denied")
		}
		if reg.IsAllowed("git", []string{"push", "-f"}) {
			t.Fatal("git push -f flipped to allowed")
		}
	}
}

// --- Register ---

func TestRegister_Invalid(t *testing.T) {
	reg := NewRegistry(testLogger())

	cases := []domain.CommandRule{
		{Command: ""},
		{Command: "x", AllowedArgs: []string{"(["}},
		{Command: "x", BlockedArgs: []string{"*bad"}},
		{Command: "x", Risk: 7},
		{Command: "x", MaxTimeout: -time.Second},
	}
	for _, rule := range cases {
		if err := reg.Register(rule); err == nil {
			t.Fatalf("expected error for %+v", rule)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("expected no rules, got %d", reg.Len())
	}
}

func TestRegister_Replaces(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(domain.CommandRule{Command: "ls", Description: "old"})
	reg.Register(domain.CommandRule{Command: "ls", Description: "new"})

	rule, ok := reg.Get("ls")
	if !ok || rule.Description != "new" {
		t.Fatalf("expected replaced rule, got %+v", rule)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 rule, got %d", reg.Len())
	}
}

func TestList_Sorted(t *testing.T) {
	reg := defaultRegistry(t)

	rules := reg.List()
	if len(rules) != reg.Len() {
		t.Fatalf("list returned %d of %d rules", len(rules), reg.Len())
	}
	for i := 1; i < len(rules); i++ {
		if rules[i-1].Command >= rules[i].Command {
			t.Fatalf("not sorted at %d: %s >= %s", i, rules[i-1].Command, rules[i].Command)
		}
	}
}

// --- Defaults & switches ---

func TestDefaultRules_ApprovalFollowsTier(t *testing.T) {
	for _, rule := range DefaultRules() {
		want := rule.Risk >= domain.RiskElevated
		if rule.RequiresApproval != want {
			t.Fatalf("%s: tier %s requiresApproval=%v", rule.Command, rule.Risk, rule.RequiresApproval)
		}
		if rule.MaxTimeout <= 0 {
			t.Fatalf("%s: missing max timeout", rule.Command)
		}
	}
}

func TestDefaultRules_CoverFamilies(t *testing.T) {
	seen := make(map[string]bool)
	for _, rule := range DefaultRules() {
		seen[rule.Family] = true
	}
	for _, family := range Families() {
		if !seen[family] {
			t.Fatalf("no default rule for family %s", family)
		}
	}
}

func TestApplyFamilySwitches(t *testing.T) {
	rules := []domain.CommandRule{
		{Command: "kubectl", Family: FamilyOrchestration, Risk: domain.RiskCritical, RequiresApproval: true},
		{Command: "ls", Family: FamilyInspection, Risk: domain.RiskSafe},
		{Command: "docker", Family: FamilyContainer, Risk: domain.RiskElevated},
		{Command: "git", Family: FamilyVCS, Risk: domain.RiskLow},
	}
	out := ApplyFamilySwitches(rules, map[string]bool{
		FamilyOrchestration: false,
		FamilyInspection:    true,
	})

	want := map[string]bool{"kubectl": false, "ls": true, "docker": true, "git": false}
	for _, rule := range out {
		if rule.RequiresApproval != want[rule.Command] {
			t.Fatalf("%s: expected requiresApproval=%v", rule.Command, want[rule.Command])
		}
	}
	if rules[1].RequiresApproval {
		t.Fatal("input slice should not be modified")
	}
}
