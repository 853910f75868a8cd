package tool

import (
	"sort"
	"strings"
	"sync"
)

// minSecretLen keeps short values such as "1" from redacting ordinary text.
const minSecretLen = 6

// SecretGuard replaces known secret values in tool output with
// [REDACTED:name] before the output reaches a model, the cache or an event.
type SecretGuard struct {
	mu     sync.RWMutex
	values map[string]string // value → name
}

// NewSecretGuard creates an empty SecretGuard.
func NewSecretGuard() *SecretGuard {
	return &SecretGuard{values: make(map[string]string)}
}

// Add registers a secret value under name. Values shorter than six
// characters are ignored.
func (g *SecretGuard) Add(name, value string) {
	value = strings.TrimSpace(value)
	if len(value) < minSecretLen {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[value] = name
}

// Len returns the number of registered values.
func (g *SecretGuard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.values)
}

// Redact returns text with every known value replaced. Longer values are
// replaced first so a secret containing another is redacted whole.
func (g *SecretGuard) Redact(text string) (string, bool) {
	if g == nil {
		return text, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.values) == 0 {
		return text, false
	}
	vals := make([]string, 0, len(g.values))
	for v := range g.values {
		vals = append(vals, v)
	}
	sort.Slice(vals, func(i, j int) bool { return len(vals[i]) > len(vals[j]) })

	changed := false
	for _, v := range vals {
		if strings.Contains(text, v) {
			text = strings.ReplaceAll(text, v, "[REDACTED:"+g.values[v]+"]")
			changed = true
		}
	}
	return text, changed
}
