// Package email sends merge notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"offshoot/api/internal/fork"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	msg := buildMessage(s.fromHeader(), to, subject, textBody, htmlBody)
	return s.send(s.server, s.auth, s.config.From, to, msg)
}

func buildMessage(from string, to []string, subject, textBody, htmlBody string) []byte {
	boundary := "boundary-offshoot"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

// Notifier e-mails fork authors when their fork is merged.
type Notifier struct {
	svc     *Service
	appName string
}

var _ fork.Notifier = (*Notifier)(nil)

func NewNotifier(svc *Service, appName string) *Notifier {
	if appName == "" {
		appName = "Offshoot"
	}
	return &Notifier{svc: svc, appName: appName}
}

type mergeData struct {
	AppName string
	fork.MergeNotice
}

func (n *Notifier) NotifyMerged(_ context.Context, notice fork.MergeNotice) error {
	if !n.svc.IsConfigured() {
		return nil
	}
	data := mergeData{AppName: n.appName, MergeNotice: notice}
	html, err := renderTemplate(mergeTemplate, data)
	if err != nil {
		return fmt.Errorf("render merge template: %w", err)
	}
	text := mergeText(notice)
	subject := fmt.Sprintf("Your fork %q was merged", notice.ForkTitle)
	return n.svc.SendHTMLEmail([]string{notice.AuthorEmail}, subject, text, html)
}

func mergeText(notice fork.MergeNotice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\r\n\r\n", notice.AuthorName)
	fmt.Fprintf(&b, "%s merged your fork %q into %q.\r\n", notice.MergedBy, notice.ForkTitle, notice.DocumentTitle)
	if len(notice.Conflicts) > 0 {
		fmt.Fprintf(&b, "\r\nThe document had also changed. Your version was kept for:\r\n")
		for _, conflict := range notice.Conflicts {
			fmt.Fprintf(&b, "  - %s\r\n", conflict.Field)
		}
	}
	fmt.Fprintf(&b, "\r\nView the document: %s\r\n", notice.ViewURL)
	return b.String()
}

var mergeTemplate = template.Must(template.New("merge").Parse(mergeEmailTemplate))

func renderTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const mergeEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Your fork was merged</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .conflicts { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.AuthorName}},</p>

    <p>{{.MergedBy}} merged your fork <strong>{{.ForkTitle}}</strong> into <strong>{{.DocumentTitle}}</strong>.</p>
    {{if .Conflicts}}
    <div class="conflicts">
        <p>The document had also changed since you forked it. Your version was kept for:</p>
        <ul>{{range .Conflicts}}<li>{{.Field}}</li>{{end}}</ul>
    </div>
    {{end}}
    <p>
        <a href="{{.ViewURL}}" class="button">View document</a>
    </p>
</body>
</html>`
