package policy

import (
	"time"

	"cmdgate/internal/domain"
)

// Tool families used by the default rule set. Family names are also the
// keys of the policy.requireApproval switches in the config file.
const (
	FamilyVCS           = "vcs"
	FamilyPackage       = "package"
	FamilyContainer     = "container"
	FamilyOrchestration = "orchestration"
	FamilyIaC           = "iac"
	FamilyProcess       = "process"
	FamilyInspection    = "inspection"
	FamilyNetwork       = "network"
	FamilyFilesystem    = "filesystem"
)

// Families lists the known families in display order.
func Families() []string {
	return []string{
		FamilyVCS, FamilyPackage, FamilyContainer, FamilyOrchestration,
		FamilyIaC, FamilyProcess, FamilyInspection, FamilyNetwork, FamilyFilesystem,
	}
}

// DefaultRules returns the seed rule set. Approval defaults follow the
// risk tier; ApplyFamilySwitches adjusts them from configuration.
func DefaultRules() []domain.CommandRule {
	rules := []domain.CommandRule{
		{
			Command:     "git",
			Family:      FamilyVCS,
			Description: "Version control",
			BlockedArgs: []string{
				`\bpush\b.*\s(?:--force|-f)\b`,
				`\breset\s+--hard\b`,
				`\bclean\s+-[a-zA-Z]*f`,
				`\bfilter-branch\b`,
				`(?i)(?:^|\s)-c\s+\S*(?:sshcommand|pager|editor|hookspath|fsmonitor)`,
			},
			MaxTimeout: 5 * time.Minute,
			Risk:       domain.RiskLow,
		},
		{
			Command:     "npm",
			Family:      FamilyPackage,
			Description: "Node package manager",
			AllowedArgs: []string{`^(?:install|i|ci|run|test|ls|list|outdated|audit|view|info|version|--version)\b`},
			BlockedArgs: []string{`\bpublish\b`, `--unsafe-perm`},
			MaxTimeout:  10 * time.Minute,
			Risk:        domain.RiskElevated,
		},
		{
			Command:     "yarn",
			Family:      FamilyPackage,
			Description: "Yarn package manager",
			AllowedArgs: []string{`^(?:install|add|remove|run|test|list|info|outdated|--version)\b`},
			BlockedArgs: []string{`\bpublish\b`},
			MaxTimeout:  10 * time.Minute,
			Risk:        domain.RiskElevated,
		},
		pipRule("pip"),
		pipRule("pip3"),
		{
			Command:     "docker",
			Family:      FamilyContainer,
			Description: "Container runtime",
			BlockedArgs: []string{
				`--privileged`,
				`(?:^|\s)(?:-v|--volume)[\s=]+/:`,
				`--pid[\s=]+host`,
				`--net(?:work)?[\s=]+host`,
				`--cap-add[\s=]+(?:ALL|SYS_ADMIN)`,
				`--security-opt[\s=]+\S*unconfined`,
			},
			MaxTimeout: 10 * time.Minute,
			Risk:       domain.RiskElevated,
		},
		{
			Command:     "kubectl",
			Family:      FamilyOrchestration,
			Description: "Kubernetes CLI",
			BlockedArgs: []string{
				`\bdelete\b.*\s--all\b`,
				`\bdelete\s+(?:ns|namespace)\s+kube-system\b`,
				`--as[\s=]+system:`,
			},
			MaxTimeout: 10 * time.Minute,
			Risk:       domain.RiskCritical,
		},
		{
			Command:     "helm",
			Family:      FamilyOrchestration,
			Description: "Kubernetes package manager",
			BlockedArgs: []string{`\bplugin\s+install\b`},
			MaxTimeout:  10 * time.Minute,
			Risk:        domain.RiskCritical,
		},
		{
			Command:     "terraform",
			Family:      FamilyIaC,
			Description: "Infrastructure as code",
			AllowedArgs: []string{`^(?:init|plan|validate|fmt|show|output|apply|version|providers|graph|state\s+list)\b`},
			BlockedArgs: []string{`-auto-approve`, `\bdestroy\b`},
			MaxTimeout:  30 * time.Minute,
			Risk:        domain.RiskCritical,
		},
		{
			Command:     "ansible-playbook",
			Family:      FamilyIaC,
			Description: "Configuration management",
			BlockedArgs: []string{`ansible_become_pass`},
			MaxTimeout:  30 * time.Minute,
			Risk:        domain.RiskCritical,
		},
		{
			Command:     "pm2",
			Family:      FamilyProcess,
			Description: "Node process manager",
			AllowedArgs: []string{`^(?:list|ls|status|restart|reload|start|stop|describe|show|jlist)\b`},
			BlockedArgs: []string{`\bdelete\s+all\b`, `\bkill\b`},
			MaxTimeout:  time.Minute,
			Risk:        domain.RiskElevated,
		},
		{
			Command:     "systemctl",
			Family:      FamilyProcess,
			Description: "Service manager",
			AllowedArgs: []string{`^(?:status|restart|start|stop|reload|is-active|is-enabled|list-units|show)\b`},
			BlockedArgs: []string{`\b(?:disable|mask)\b`},
			MaxTimeout:  time.Minute,
			Risk:        domain.RiskCritical,
		},
		{
			Command:     "curl",
			Family:      FamilyNetwork,
			Description: "HTTP client (downloads only)",
			BlockedArgs: []string{
				`--upload-file`,
				`(?:^|\s)-T\b`,
				`(?:^|\s)(?:-d|--data(?:-binary|-raw|-urlencode)?|-F|--form)\s+@`,
				`(?:^|\s)(?:-o|--output)\s+/`,
				`(?:^|\s)(?:-K|--config)\b`,
			},
			MaxTimeout: 2 * time.Minute,
			Risk:       domain.RiskLow,
		},
		{
			Command:     "wget",
			Family:      FamilyNetwork,
			Description: "HTTP client (downloads only)",
			BlockedArgs: []string{
				`--post-file`,
				`--body-file`,
				`(?:^|\s)(?:-O|--output-document)[\s=]+/`,
				`(?:^|\s)(?:-e|--execute)\b`,
			},
			MaxTimeout: 2 * time.Minute,
			Risk:       domain.RiskLow,
		},
		fsRule("mkdir", "Create directories", domain.RiskLow),
		fsRule("touch", "Create files", domain.RiskLow),
		fsRule("cp", "Copy files", domain.RiskElevated),
		fsRule("mv", "Move files", domain.RiskElevated),
		fsRule("chmod", "Change permissions", domain.RiskCritical),
		fsRule("chown", "Change ownership", domain.RiskCritical),
	}

	rm := fsRule("rm", "Remove files", domain.RiskCritical)
	rm.BlockedArgs = []string{`--no-preserve-root`}
	rules = append(rules, rm)

	for _, name := range []string{
		"ls", "cat", "pwd", "whoami", "id", "uname", "hostname", "df", "du",
		"free", "ps", "uptime", "echo", "date", "head", "wc", "grep", "which",
	} {
		rules = append(rules, inspectRule(name))
	}

	tail := inspectRule("tail")
	tail.BlockedArgs = []string{`(?:^|\s)(?:-f|-F|--follow)\b`}
	sleep := inspectRule("sleep")
	sleep.MaxTimeout = 2 * time.Minute
	rules = append(rules, tail, sleep)

	for i := range rules {
		rules[i].RequiresApproval = rules[i].Risk >= domain.RiskElevated
	}
	return rules
}

// ApplyFamilySwitches returns a copy of rules with RequiresApproval taken
// from the family switch when one is set. Without a switch, tier 2 and 3
// rules always require approval.
func ApplyFamilySwitches(rules []domain.CommandRule, switches map[string]bool) []domain.CommandRule {
	out := make([]domain.CommandRule, len(rules))
	for i, rule := range rules {
		if v, ok := switches[rule.Family]; ok {
			rule.RequiresApproval = v
		} else if rule.Risk >= domain.RiskElevated {
			rule.RequiresApproval = true
		}
		out[i] = rule
	}
	return out
}

func pipRule(name string) domain.CommandRule {
	return domain.CommandRule{
		Command:     name,
		Family:      FamilyPackage,
		Description: "Python package manager",
		AllowedArgs: []string{`^(?:install|uninstall|list|show|freeze|check|download|--version)\b`},
		BlockedArgs: []string{`--index-url\s+http://`, `--trusted-host`, `(?:^|\s)-i\s+http://`},
		MaxTimeout:  10 * time.Minute,
		Risk:        domain.RiskElevated,
	}
}

func fsRule(name, desc string, risk domain.RiskTier) domain.CommandRule {
	return domain.CommandRule{
		Command:     name,
		Family:      FamilyFilesystem,
		Description: desc,
		MaxTimeout:  time.Minute,
		Risk:        risk,
	}
}

func inspectRule(name string) domain.CommandRule {
	return domain.CommandRule{
		Command:     name,
		Family:      FamilyInspection,
		Description: "Read-only system inspection",
		MaxTimeout:  30 * time.Second,
		Risk:        domain.RiskSafe,
	}
}
