// Package varsubst implements variable-sigil substitution: replacing a
// captured-variable reference with its current value from a
// models.VariableScope. It never touches macro placeholders — those are
// resolved upstream by internal/macro — and it never expands a variable
// reference found inside the *definition* of another variable, per the
// data-model invariant that variable names and nested variable
// references are not subject to further expansion.
package varsubst

import (
	"strings"

	"github.com/webpoller/engine/pkg/models"
)

// Expand scans text for {VAR} references and replaces each with its
// value from scope (falling back to fallback when scope doesn't have
// it, typically the test-scope lookup after a step-scope miss).
// Unresolved references are left verbatim, mirroring the upstream macro
// service's own "leave it alone if unknown" convention.
func Expand(text string, scope, fallback *models.VariableScope) string {
	if !strings.Contains(text, "{") {
		return text
	}

	var sb strings.Builder
	remaining := text
	for {
		start := strings.IndexByte(remaining, '{')
		if start == -1 {
			sb.WriteString(remaining)
			break
		}
		end := strings.IndexByte(remaining[start:], '}')
		if end == -1 {
			sb.WriteString(remaining)
			break
		}
		end += start

		sb.WriteString(remaining[:start])
		name := remaining[start+1 : end]

		if v, ok := lookup(name, scope, fallback); ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(remaining[start : end+1])
		}
		remaining = remaining[end+1:]
	}
	return sb.String()
}

func lookup(name string, scope, fallback *models.VariableScope) (string, bool) {
	if scope != nil {
		if v, ok := scope.Get(name); ok {
			return v, true
		}
	}
	if fallback != nil {
		if v, ok := fallback.Get(name); ok {
			return v, true
		}
	}
	return "", false
}
