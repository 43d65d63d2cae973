package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/lucasnoah/stagehand/internal/config"
)

// pagerdutyEventsURL is the Events API v2 enqueue endpoint.
const pagerdutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// newSender builds the transport for one configured channel.
func newSender(ch config.Channel, client *http.Client) (Sender, error) {
	switch ch.Kind {
	case "slack":
		if ch.WebhookURL == "" {
			return nil, fmt.Errorf("channel %s: slack requires webhook_url", ch.Name)
		}
		return &slackSender{name: ch.Name, url: ch.WebhookURL, client: client}, nil
	case "teams":
		if ch.WebhookURL == "" {
			return nil, fmt.Errorf("channel %s: teams requires webhook_url", ch.Name)
		}
		return &teamsSender{name: ch.Name, url: ch.WebhookURL, client: client}, nil
	case "webhook":
		if ch.WebhookURL == "" {
			return nil, fmt.Errorf("channel %s: webhook requires webhook_url", ch.Name)
		}
		return &webhookSender{name: ch.Name, url: ch.WebhookURL, client: client}, nil
	case "pagerduty":
		if ch.RoutingKey == "" {
			return nil, fmt.Errorf("channel %s: pagerduty requires routing_key", ch.Name)
		}
		return &pagerdutySender{name: ch.Name, routingKey: ch.RoutingKey, url: pagerdutyEventsURL, client: client}, nil
	case "email":
		if ch.SMTPHost == "" || ch.From == "" || len(ch.To) == 0 {
			return nil, fmt.Errorf("channel %s: email requires smtp_host, from, and to", ch.Name)
		}
		port := ch.SMTPPort
		if port == 0 {
			port = 25
		}
		return &emailSender{name: ch.Name, addr: fmt.Sprintf("%s:%d", ch.SMTPHost, port), from: ch.From, to: ch.To}, nil
	default:
		return nil, fmt.Errorf("channel %s: unknown kind %q", ch.Name, ch.Kind)
	}
}

// postJSON sends one JSON payload and treats any non-2xx status as failure.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

type slackSender struct {
	name   string
	url    string
	client *http.Client
}

func (s *slackSender) Name() string { return s.name }
func (s *slackSender) Kind() string { return "slack" }

func (s *slackSender) Send(ctx context.Context, m Message) error {
	return postJSON(ctx, s.client, s.url, map[string]string{"text": m.Body})
}

type teamsSender struct {
	name   string
	url    string
	client *http.Client
}

func (t *teamsSender) Name() string { return t.name }
func (t *teamsSender) Kind() string { return "teams" }

func (t *teamsSender) Send(ctx context.Context, m Message) error {
	return postJSON(ctx, t.client, t.url, map[string]string{
		"@type": "MessageCard",
		"title": fmt.Sprintf("Workflow failure: %s", m.Workflow),
		"text":  m.Body,
	})
}

// webhookSender posts the structured payload rather than just the rendered
// body, for consumers that want to parse the fields.
type webhookSender struct {
	name   string
	url    string
	client *http.Client
}

func (w *webhookSender) Name() string { return w.name }
func (w *webhookSender) Kind() string { return "webhook" }

func (w *webhookSender) Send(ctx context.Context, m Message) error {
	return postJSON(ctx, w.client, w.url, map[string]string{
		"type":        m.Type,
		"severity":    m.Severity,
		"analysis_id": m.AnalysisID,
		"workflow":    m.Workflow,
		"stage":       m.Stage,
		"message":     m.Body,
	})
}

type pagerdutySender struct {
	name       string
	routingKey string
	url        string
	client     *http.Client
}

func (p *pagerdutySender) Name() string { return p.name }
func (p *pagerdutySender) Kind() string { return "pagerduty" }

func (p *pagerdutySender) Send(ctx context.Context, m Message) error {
	return postJSON(ctx, p.client, p.url, map[string]any{
		"routing_key":  p.routingKey,
		"event_action": "trigger",
		"dedup_key":    m.AnalysisID,
		"payload": map[string]string{
			"summary":  m.Body,
			"source":   "stagehand",
			"severity": pagerdutySeverity(m.Severity),
			"group":    m.Stage,
		},
	})
}

// pagerdutySeverity maps our levels onto the Events API's fixed set.
func pagerdutySeverity(severity string) string {
	switch severity {
	case "critical":
		return "critical"
	case "high":
		return "error"
	case "medium":
		return "warning"
	default:
		return "info"
	}
}

type emailSender struct {
	name string
	addr string
	from string
	to   []string
}

func (e *emailSender) Name() string { return e.name }
func (e *emailSender) Kind() string { return "email" }

func (e *emailSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] workflow %s failed at %s\r\n", m.Severity, m.Workflow, m.Stage)
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	b.WriteString("\r\n")
	if err := smtp.SendMail(e.addr, nil, e.from, e.to, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
