package monitor

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/t77yq/hookwatch/internal/model"
)

//go:embed templates/alert.tmpl
var templateFS embed.FS

// AbandonedItem is one abandoned webhook in a message
type AbandonedItem struct {
	WebhookName string
	model.AbandonedWebhookDetails
}

// HighFailureRateItem is one failing webhook in a message
type HighFailureRateItem struct {
	WebhookName string
	model.HighFailureRateDetails
}

// SlowResponseTimeItem is one slow webhook in a message
type SlowResponseTimeItem struct {
	WebhookName string
	model.SlowResponseTimeDetails
}

// MessageContext is the data a consolidated alert message is rendered from.
// Each alert type gets its own section.
type MessageContext struct {
	TenantID         string
	ConfigID         string
	GeneratedAt      time.Time
	Total            int
	Abandoned        []AbandonedItem
	HighFailureRate  []HighFailureRateItem
	SlowResponseTime []SlowResponseTimeItem
}

// NewMessageContext groups alerts by type for rendering
func NewMessageContext(cfg *model.AlertConfig, alerts []model.Alert, now time.Time) MessageContext {
	mc := MessageContext{
		TenantID:    cfg.TenantID,
		ConfigID:    cfg.ID,
		GeneratedAt: now.UTC(),
		Total:       len(alerts),
	}
	for _, a := range alerts {
		switch d := a.Details.(type) {
		case model.AbandonedWebhookDetails:
			mc.Abandoned = append(mc.Abandoned, AbandonedItem{WebhookName: a.WebhookName, AbandonedWebhookDetails: d})
		case model.HighFailureRateDetails:
			mc.HighFailureRate = append(mc.HighFailureRate, HighFailureRateItem{WebhookName: a.WebhookName, HighFailureRateDetails: d})
		case model.SlowResponseTimeDetails:
			mc.SlowResponseTime = append(mc.SlowResponseTime, SlowResponseTimeItem{WebhookName: a.WebhookName, SlowResponseTimeDetails: d})
		}
	}
	return mc
}

// Message is a rendered notification
type Message struct {
	Subject string
	Body    string
}

// Renderer renders alert messages
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the embedded message template
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("alert").Option("missingkey=error").ParseFS(templateFS, "templates/alert.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse alert template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// MustNewRenderer is like NewRenderer but panics on error
func MustNewRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// Render renders mc into a subject and body
func (r *Renderer) Render(mc MessageContext) (Message, error) {
	var subject, body bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&subject, "subject", mc); err != nil {
		return Message{}, fmt.Errorf("failed to render subject: %w", err)
	}
	if err := r.tmpl.ExecuteTemplate(&body, "body", mc); err != nil {
		return Message{}, fmt.Errorf("failed to render body: %w", err)
	}
	return Message{
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
	}, nil
}
