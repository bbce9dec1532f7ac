package util

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// templates caches parsed instruction templates by source text. Agents
// render the same instruction on every run.
var templates sync.Map

var templateFuncs = template.FuncMap{
	"default": func(fallback, v any) any {
		if v == nil || v == "" {
			return fallback
		}
		return v
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// RenderTemplate executes text with vars. Text without template markers is
// returned as is.
func RenderTemplate(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := parseTemplate(text)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("render instruction: %w", err)
	}
	return b.String(), nil
}

func parseTemplate(text string) (*template.Template, error) {
	if t, ok := templates.Load(text); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("instruction").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse instruction: %w", err)
	}
	actual, _ := templates.LoadOrStore(text, t)
	return actual.(*template.Template), nil
}
