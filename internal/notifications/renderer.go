package notifications

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// DigestData is the template context for one digest email.
type DigestData struct {
	UnreadCount     int
	SenderName      string
	Label           string
	FirstUnreadAt   time.Time
	ConversationURL string
}

// RenderedEmail is a rendered digest ready for the transport.
type RenderedEmail struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer renders digest emails from embedded templates.
type Renderer struct {
	subject *template.Template
	text    *template.Template
	html    *htmltemplate.Template
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := map[string]any{
		"title":      titleCase,
		"plural":     plural,
		"formatTime": formatTime,
	}

	subject, err := loadTextTemplate("digest_subject", funcMap)
	if err != nil {
		return nil, err
	}
	text, err := loadTextTemplate("digest_text", funcMap)
	if err != nil {
		return nil, err
	}

	content, err := templatesFS.ReadFile("templates/digest_html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("read template digest_html: %w", err)
	}
	html, err := htmltemplate.New("digest_html").Funcs(funcMap).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse template digest_html: %w", err)
	}

	return &Renderer{
		subject: subject,
		text:    text,
		html:    html,
	}, nil
}

func loadTextTemplate(name string, funcMap template.FuncMap) (*template.Template, error) {
	filename := fmt.Sprintf("templates/%s.tmpl", name)
	content, err := templatesFS.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", filename, err)
	}

	tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return tmpl, nil
}

// RenderDigest renders subject, HTML and plain text bodies.
func (r *Renderer) RenderDigest(data DigestData) (RenderedEmail, error) {
	var subject, text, html bytes.Buffer

	if err := r.subject.Execute(&subject, data); err != nil {
		return RenderedEmail{}, fmt.Errorf("execute template digest_subject: %w", err)
	}
	if err := r.text.Execute(&text, data); err != nil {
		return RenderedEmail{}, fmt.Errorf("execute template digest_text: %w", err)
	}
	if err := r.html.Execute(&html, data); err != nil {
		return RenderedEmail{}, fmt.Errorf("execute template digest_html: %w", err)
	}

	return RenderedEmail{
		Subject: strings.TrimSpace(subject.String()),
		HTML:    strings.TrimSpace(html.String()),
		Text:    strings.TrimSpace(text.String()),
	}, nil
}

// Template functions

// A Caser keeps state between calls, so each call gets its own.
func titleCase(s string) string {
	return cases.Title(language.Und).String(s)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}
