package render

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const htmlSuffix = ".html.tmpl"

// Engine renders templates embedded in the package. Names ending in .html.tmpl
// are executed with html/template so interpolated values are escaped.
type Engine struct {
	text *template.Template
	html *htmltemplate.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	funcs := map[string]any{
		"join":     strings.Join,
		"kilobyte": Kilobytes,
		"longdate": LongDate,
		"upper":    strings.ToUpper,
	}

	text, err := template.New("render").Funcs(funcs).ParseFS(templatesFS, "templates/*.md.tmpl", "templates/*.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse text templates: %w", err)
	}
	html, err := htmltemplate.New("render").Funcs(funcs).ParseFS(templatesFS, "templates/*"+htmlSuffix)
	if err != nil {
		return nil, fmt.Errorf("parse html templates: %w", err)
	}
	return &Engine{text: text, html: html}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.text == nil || e.html == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	var err error
	if strings.HasSuffix(name, htmlSuffix) {
		err = e.html.ExecuteTemplate(buf, name, data)
	} else {
		err = e.text.ExecuteTemplate(buf, name, data)
	}
	if err != nil {
		return "", err
	}

	return buf.String(), nil
}

// Kilobytes formats a byte count as kilobytes with one decimal place.
func Kilobytes(size int64) string {
	return fmt.Sprintf("%.1f KB", float64(size)/1024)
}

// LongDate formats t the way the notification subject expects, e.g. "October 18, 2026".
func LongDate(t time.Time) string {
	return t.Format("January 2, 2006")
}
