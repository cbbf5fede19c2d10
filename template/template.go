// Package template resolves {{dotted.path}} placeholders against a context
// map. It backs transformer field mappings and orchestration primitive
// arguments.
//
// Two modes exist. Strict resolution (the default for anything that builds an
// event) fails fast with a core.TemplateResolutionError when a placeholder
// has no value: silent empty-string substitution produces malformed events
// that fail much later in confusing ways. Lenient resolution substitutes ""
// and is reserved for best-effort contexts such as log formatting.
package template

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/durapensa/ksi/core"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolve substitutes every placeholder in tmpl from ctx in strict mode.
// The first placeholder whose dotted path has no value in ctx aborts the call
// with a core.TemplateResolutionError; no partially substituted string is
// returned.
func Resolve(tmpl string, ctx map[string]any) (string, error) {
	doc := contextJSON(ctx)
	var resolveErr error
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		if resolveErr != nil {
			return m
		}
		path := extractPath(m)
		res := gjson.Get(doc, path)
		if !res.Exists() {
			resolveErr = &core.TemplateResolutionError{Template: tmpl, MissingPath: path}
			return m
		}
		return res.String()
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}

// ResolveLenient substitutes placeholders best-effort, replacing missing
// paths with the empty string. Intended for logging contexts only.
func ResolveLenient(tmpl string, ctx map[string]any) string {
	doc := contextJSON(ctx)
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		return gjson.Get(doc, extractPath(m)).String()
	})
}

// ResolveValue resolves tmpl in strict mode, preserving the native type when
// the template is exactly one placeholder ("{{count}}" over {"count": 3}
// yields the number 3, not "3"). Mixed templates resolve to strings. This is
// what transformer mappings use so numeric and structured payload fields
// survive rewriting intact.
func ResolveValue(tmpl string, ctx map[string]any) (any, error) {
	trimmed := strings.TrimSpace(tmpl)
	if m := placeholderRe.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		path := strings.TrimSpace(m[1])
		res := gjson.Get(contextJSON(ctx), path)
		if !res.Exists() {
			return nil, &core.TemplateResolutionError{Template: tmpl, MissingPath: path}
		}
		return res.Value(), nil
	}
	return Resolve(tmpl, ctx)
}

// HasPlaceholders reports whether s contains at least one {{...}} placeholder.
func HasPlaceholders(s string) bool { return placeholderRe.MatchString(s) }

func extractPath(m string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(m, "{{"), "}}"))
}

func contextJSON(ctx map[string]any) string {
	if ctx == nil {
		return "{}"
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return "{}"
	}
	return string(b)
}
