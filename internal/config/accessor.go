package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Dot paths use the JSON field names, with numeric segments indexing
// lists: "audit.sinks.0.path".

// GetByPath returns the value at a dot path.
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = tree
	for _, key := range strings.Split(path, ".") {
		if node, err = child(node, key); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return node, nil
}

// SetByPath assigns value at a dot path and decodes the result back into
// cfg. Strings that read as booleans or numbers are converted first.
// Missing map levels are created; list indexes must already exist.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}
	keys := strings.Split(path, ".")
	last := keys[len(keys)-1]

	var node any = tree
	for _, key := range keys[:len(keys)-1] {
		next, err := child(node, key)
		if err != nil || next == nil {
			m, isMap := node.(map[string]any)
			if !isMap {
				return fmt.Errorf("%s: %w", path, err)
			}
			next = make(map[string]any)
			m[key] = next
		}
		node = next
	}

	switch parent := node.(type) {
	case map[string]any:
		parent[last] = coerce(value)
	case []any:
		idx, err := index(parent, last)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		parent[idx] = coerce(value)
	default:
		return fmt.Errorf("%s: cannot set a field on %T", path, node)
	}

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	var updated Config
	if err := json.Unmarshal(data, &updated); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	*cfg = updated
	return nil
}

// ListPaths returns every leaf path with its current value.
func ListPaths(cfg *Config) map[string]any {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", tree, out)
	return out
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func child(node any, key string) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[key]
		if !ok {
			return nil, fmt.Errorf("key %q not found", key)
		}
		return v, nil
	case []any:
		idx, err := index(n, key)
		if err != nil {
			return nil, err
		}
		return n[idx], nil
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", node, key)
	}
}

func index(list []any, key string) (int, error) {
	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 || idx >= len(list) {
		return 0, fmt.Errorf("index %q out of range (len %d)", key, len(list))
	}
	return idx, nil
}

func flatten(prefix string, node any, out map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			flatten(join(k), v, out)
		}
	case []any:
		for i, v := range n {
			flatten(join(strconv.Itoa(i)), v, out)
		}
	default:
		out[prefix] = n
	}
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of cfg with credentials masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Audit.Sinks = slices.Clone(cfg.Audit.Sinks)
	for i := range out.Audit.Sinks {
		s := &out.Audit.Sinks[i]
		if s.Password != "" {
			s.Password = "***"
		}
		if s.DSN != "" {
			s.DSN = maskDSN(s.DSN)
		}
	}
	if out.API.Auth.PasswordHash != "" {
		out.API.Auth.PasswordHash = "***"
	}
	return &out
}

// maskDSN hides the password of a URL-style DSN. Keyword DSNs are masked
// except for their first and last four characters.
func maskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
		return u.String()
	}
	if len(dsn) <= 8 {
		return "***"
	}
	return dsn[:4] + "****" + dsn[len(dsn)-4:]
}
