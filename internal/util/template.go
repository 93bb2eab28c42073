package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/samber/oops"
)

// Template is a parsed instructions template rendered against run state.
// Text without markers renders as itself.
type Template struct {
	text string
	tmpl *template.Template
}

var templateFuncs = template.FuncMap{
	"default": func(fallback, val any) any {
		if val == nil || val == "" {
			return fallback
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join": func(sep string, items []any) string {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep)
	},
	// get reads a state key verbatim; keys such as "hitl.resumedFrom"
	// contain dots and cannot be reached with field syntax.
	"get": func(state map[string]any, key string) any {
		return state[key]
	},
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// ParseTemplate compiles text. Missing state keys render as empty values.
func ParseTemplate(name, text string) (*Template, error) {
	t := &Template{text: text}
	if !strings.Contains(text, "{{") {
		return t, nil
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, oops.In("template").With("template", name).Wrapf(err, "parsing template")
	}
	t.tmpl = tmpl
	return t, nil
}

// Render executes the template against state.
func (t *Template) Render(state map[string]any) (string, error) {
	if t.tmpl == nil {
		return t.text, nil
	}
	if state == nil {
		state = map[string]any{}
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, state); err != nil {
		return "", oops.In("template").With("template", t.tmpl.Name()).Wrapf(err, "rendering template")
	}
	return buf.String(), nil
}

// RenderTemplate parses and renders text in one go.
func RenderTemplate(text string, state map[string]any) (string, error) {
	t, err := ParseTemplate("instructions", text)
	if err != nil {
		return "", err
	}
	return t.Render(state)
}
