package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/labstack/echo/v4"
)

//go:embed templates/*.html
var templateFS embed.FS

// TemplateRenderer is a html/template renderer for Echo
type TemplateRenderer struct {
	Templates map[string]*template.Template
}

// NewRenderer parses every page together with the shared layout.
func NewRenderer() (*TemplateRenderer, error) {
	pages := []string{"chooser.html"}
	r := &TemplateRenderer{Templates: make(map[string]*template.Template, len(pages))}
	for _, page := range pages {
		tmpl, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", page, err)
		}
		r.Templates[page] = tmpl
	}
	return r, nil
}

// Render renders a template document
func (t *TemplateRenderer) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	tmpl, ok := t.Templates[name]
	if !ok {
		return fmt.Errorf("template %s not found", name)
	}
	// Pages define blocks for the layout; standalone templates are executed directly.
	if tmpl.Lookup("layout.html") != nil {
		return tmpl.ExecuteTemplate(w, "layout.html", data)
	}
	return tmpl.Execute(w, data)
}
