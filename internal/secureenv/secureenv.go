// Package secureenv resolves ${VAR} and ${VAR:default} references in server
// configuration values against the broker's own environment. Substitution
// happens once, at connection time, so upstream processes never see the raw
// placeholders.
package secureenv

import (
	"os"
	"regexp"
)

var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// Expand substitutes every ${VAR} or ${VAR:default} reference in s. An unset
// variable without a default resolves to the empty string.
func Expand(s string) string {
	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := refPattern.FindStringSubmatch(match)
		name := groups[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return groups[2]
	})
}

// ExpandMap returns a copy of m with every value expanded. Nil maps stay nil.
func ExpandMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Expand(v)
	}
	return out
}

// MergeEnviron merges the expanded overrides into the process environment,
// returning KEY=VALUE pairs suitable for spawning a stdio server. Overrides
// win over inherited values.
func MergeEnviron(overrides map[string]string) []string {
	expanded := ExpandMap(overrides)
	env := os.Environ()

	merged := make([]string, 0, len(env)+len(expanded))
	seen := make(map[string]bool, len(expanded))
	for _, kv := range env {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if v, ok := expanded[key]; ok {
			merged = append(merged, key+"="+v)
			seen[key] = true
			continue
		}
		merged = append(merged, kv)
	}
	for k, v := range expanded {
		if !seen[k] {
			merged = append(merged, k+"="+v)
		}
	}
	return merged
}
