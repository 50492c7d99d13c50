package config

import (
	"maps"
	"slices"
	"strings"
)

// secretKeys are shown masked by `config list` unless secrets are requested.
var secretKeys = []string{
	"llm.api_key",
	"brave.api_key",
	"telegram.token",
	"feed.redis_password",
}

func IsSecretKey(key string) bool {
	return slices.Contains(secretKeys, key)
}

// Flatten turns nested JSON objects into dotted keys, so
// {"feed": {"backend": "redis"}} becomes {"feed.backend": "redis"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of flat with non-empty secrets replaced by
// "***" and, for values long enough not to give the secret away, its last
// four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := maps.Clone(flat)
	for _, k := range secretKeys {
		if s, ok := out[k].(string); ok && s != "" {
			out[k] = mask(s)
		}
	}
	return out
}

func mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return "***" + s[len(s)-4:]
}
