package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"cmdgate/internal/domain"
)

// Verdict is the outcome of a safety check.
type Verdict struct {
	Valid  bool        `json:"valid"`
	Kind   domain.Kind `json:"kind,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

func allow() Verdict { return Verdict{Valid: true} }

func deny(kind domain.Kind, format string, args ...any) Verdict {
	return Verdict{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Validator detects destructive, injection, traversal and critical-file
// patterns in a proposed invocation. It holds no mutable state, so a
// single instance is safe for concurrent use.
type Validator struct {
	dangerous []pattern
}

// NewValidator builds a validator over the built-in catalog. Extra entries
// are appended to the dangerous-pattern catalog; plain strings become
// case-insensitive substring matches.
func NewValidator(extraDangerous []string) (*Validator, error) {
	v := &Validator{dangerous: append([]pattern(nil), dangerousPatterns...)}
	extra, err := compilePatterns(extraDangerous)
	if err != nil {
		return nil, fmt.Errorf("invalid dangerous pattern: %w", err)
	}
	for _, re := range extra {
		v.dangerous = append(v.dangerous, pattern{re: re, reason: "matches " + re.String()})
	}
	return v, nil
}

// Validate runs the checks in fixed order and returns the first failure.
func (v *Validator) Validate(command string, args []string, env map[string]string) Verdict {
	full := strings.TrimSpace(command + " " + strings.Join(args, " "))

	// 1. Known destructive shapes.
	for _, pt := range v.dangerous {
		if pt.re.MatchString(full) {
			return deny(domain.KindDangerousPattern, "dangerous pattern detected: %s", pt.reason)
		}
	}

	// 2. Chaining and substitution.
	for _, pt := range injectionPatterns {
		if pt.re.MatchString(full) {
			return deny(domain.KindInjectionAttempt, "injection attempt detected: %s", pt.reason)
		}
	}
	if shellMetachars.MatchString(full) && !safeAlphabet.MatchString(full) {
		return deny(domain.KindInjectionAttempt, "injection attempt detected: shell metacharacters outside the safe alphabet")
	}

	// 3. Path arguments.
	for _, arg := range args {
		if verdict := checkPath(arg); !verdict.Valid {
			return verdict
		}
	}

	// 4. Environment.
	for key := range env {
		if _, bad := dangerousEnvVars[strings.ToUpper(key)]; bad {
			return deny(domain.KindDangerousEnvVar, "dangerous environment variable: %s", key)
		}
	}

	// 5. Critical files anywhere in the invocation.
	for _, f := range criticalFiles {
		if strings.Contains(full, f) {
			return deny(domain.KindCriticalFileModification, "references critical system file %s", f)
		}
	}

	return allow()
}

func looksLikePath(arg string) bool {
	return strings.HasPrefix(arg, "/") || strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../")
}

func checkPath(arg string) Verdict {
	arg = strings.TrimSpace(strings.ReplaceAll(arg, "\x00", ""))
	if !looksLikePath(arg) {
		return allow()
	}
	if strings.Contains(arg, "../") || strings.HasSuffix(arg, "/..") {
		return deny(domain.KindInvalidPath, "path traversal in %q", arg)
	}
	clean := filepath.Clean(arg)
	for _, sp := range sensitivePaths {
		if clean == sp || strings.HasPrefix(clean, sp+"/") {
			return deny(domain.KindInvalidPath, "access to sensitive path %s", sp)
		}
	}
	for _, seg := range sensitiveSegments {
		if strings.Contains(clean+"/", seg) {
			return deny(domain.KindInvalidPath, "access to sensitive path %s", strings.Trim(seg, "/"))
		}
	}
	return allow()
}

// Simple strings are converted to substring-match patterns.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(pat) {
			re, err = regexp.Compile(pat)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(pat))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pat, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
