package executor

import "strings"

const shellMetachars = ";&|`$()<>"

// Sanitize trims whitespace, strips NUL bytes and single-quotes any
// argument that still contains shell metacharacters. Arguments never
// reach a shell, so this is a second line behind the validator.
func Sanitize(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(strings.ReplaceAll(arg, "\x00", ""))
		if strings.ContainsAny(arg, shellMetachars) {
			arg = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
		}
		out = append(out, arg)
	}
	return out
}
