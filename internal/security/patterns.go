package security

import "regexp"

// pattern is one catalog entry: a compiled matcher and the reason reported
// when it fires.
type pattern struct {
	re     *regexp.Regexp
	reason string
}

func entry(expr, reason string) pattern {
	return pattern{re: regexp.MustCompile(expr), reason: reason}
}

// Catalogs are evaluated in order; the first match wins.
var dangerousPatterns = []pattern{
	entry(`\brm\s+(?:\S+\s+)*-[a-zA-Z]*(?:[rR][a-zA-Z]*f|f[a-zA-Z]*[rR])[a-zA-Z]*\b`, "recursive forced deletion"),
	entry(`\brm\b.*\s-(?:-recursive|[rR])\b.*\s-(?:-force|f)\b`, "recursive forced deletion"),
	entry(`\brm\b.*\s-(?:-force|f)\b.*\s-(?:-recursive|[rR])\b`, "recursive forced deletion"),
	entry(`\brm\b.*--no-preserve-root`, "recursive forced deletion"),
	entry(`\brm\b.*\s/\*`, "wildcard-rooted deletion"),
	entry(`\bdd\b.*\bof=/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)`, "raw device write"),
	entry(`>\s*/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)`, "raw device write"),
	entry(`\bmkfs(?:\.[a-z0-9]+)?\b`, "disk formatting"),
	entry(`\b(?:fdisk|sfdisk|wipefs)\b`, "disk formatting"),
	entry(`\bformat\s+[a-zA-Z]:`, "disk formatting"),
	entry(`\b(?:shutdown|reboot|halt|poweroff)\b`, "system shutdown or reboot"),
	entry(`\binit\s+[06]\b`, "system shutdown or reboot"),
	entry(`\bsudo\s+(?:-\S+\s+)*su\b`, "privilege escalation"),
	entry(`\bsudo\s+-[is]\b`, "privilege escalation"),
	entry(`\bchmod\s+(?:-\S+\s+)*0?777\b`, "world-writable permissions"),
	entry(`\bchmod\s+(?:-\S+\s+)*[ugoa]*\+[rwx]*s`, "setuid or setgid bit"),
	entry(`\bchown\s+(?:-\S+\s+)*root\b`, "ownership change to root"),
	entry(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, "fork bomb"),
	entry(`\bwhile\s+(?:true|:|1)\s*;?\s*do\b`, "unconditional loop"),
	entry(`\bfor\s*\(\(\s*;\s*;\s*\)\)`, "unconditional loop"),
}

var injectionPatterns = []pattern{
	entry(`(?:;|&&|\|\|?)\s*(?:rm|mkfs|dd|shutdown|reboot|halt|poweroff|chmod|chown|kill|killall|sudo|curl|wget|nc|bash|sh)\b`, "command chaining into a destructive command"),
	entry("`[^`]*`", "command substitution via backticks"),
	entry(`\$\(`, "command substitution via $()"),
	entry(`[<>]\(`, "process substitution"),
}

var (
	shellMetachars = regexp.MustCompile("[;&|`$()<>]")
	safeAlphabet   = regexp.MustCompile(`^[A-Za-z0-9\s\-_./=]+$`)
)

// sensitivePaths are denied as path arguments, both exactly and as a prefix.
var sensitivePaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/gshadow",
	"/etc/master.passwd",
	"/etc/sudoers",
	"/etc/sudoers.d",
	"/etc/ssh",
	"/root",
	"/boot",
	"/proc/kcore",
	"/var/log/auth.log",
	"/var/log/secure",
}

// sensitiveSegments are denied wherever they occur inside a path.
var sensitiveSegments = []string{
	"/.ssh/",
	"/.gnupg/",
	"/.aws/credentials",
}

// dangerousEnvVars are the dynamic-linker preload and search-path variables.
var dangerousEnvVars = map[string]struct{}{
	"LD_PRELOAD":                   {},
	"LD_LIBRARY_PATH":              {},
	"LD_AUDIT":                     {},
	"DYLD_INSERT_LIBRARIES":        {},
	"DYLD_LIBRARY_PATH":            {},
	"DYLD_FRAMEWORK_PATH":          {},
	"DYLD_FALLBACK_LIBRARY_PATH":   {},
	"DYLD_FALLBACK_FRAMEWORK_PATH": {},
}

var criticalFiles = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/gshadow",
	"/etc/sudoers",
	"/etc/default/grub",
	"/boot/grub",
	"grub.cfg",
	"authorized_keys",
}
