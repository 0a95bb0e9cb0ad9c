package audit

import (
	"regexp"
	"strings"
)

const mask = "***"

var (
	secretFlag   = regexp.MustCompile(`(?i)^--?(?:password|passwd|pass|token|secret|api-?key|access-?key|auth)$`)
	secretAssign = regexp.MustCompile(`(?i)^(--?(?:password|passwd|pass|token|secret|api-?key|access-?key|auth)=).+$`)
	bearerHeader = regexp.MustCompile(`(?i)(authorization:\s*(?:bearer|basic|token)\s+)\S+`)
	urlUserinfo  = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^:/\s@]+:)[^@/\s]+@`)
)

// RedactArgs masks credential values passed as flags, headers or URL
// userinfo. The slice is modified in place and returned.
func RedactArgs(args []string) []string {
	// prev is the unmasked value so "--password --token x" still hides x.
	prev := ""
	for i, arg := range args {
		if i > 0 && secretFlag.MatchString(prev) {
			args[i] = mask
		} else {
			args[i] = RedactText(secretAssign.ReplaceAllString(arg, "${1}"+mask))
		}
		prev = arg
	}
	return args
}

// RedactText masks bearer tokens and URL passwords inside free text.
func RedactText(s string) string {
	if s == "" || (!strings.Contains(s, "://") && !strings.Contains(strings.ToLower(s), "authorization")) {
		return s
	}
	s = bearerHeader.ReplaceAllString(s, "${1}"+mask)
	return urlUserinfo.ReplaceAllString(s, "${1}"+mask+"@")
}
