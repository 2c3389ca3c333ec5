package services

import (
	"bytes"
	"fmt"
	"text/template"
)

// Renderer fills action bodies (notes, email bodies) with ticket variables.
// Kept behind an interface so a richer templating backend can be swapped in.
type Renderer interface {
	Render(tmpl string, vars map[string]any) (string, error)
}

// TemplateRenderer renders with text/template; unknown variables resolve to
// their zero value instead of failing mid-execution.
type TemplateRenderer struct{}

func NewTemplateRenderer() *TemplateRenderer { return &TemplateRenderer{} }

func (r *TemplateRenderer) Render(tmpl string, vars map[string]any) (string, error) {
	t, err := template.New("body").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}
