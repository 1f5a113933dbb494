// Package notify delivers email over SMTP and push messages through an HTTP relay.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	texttemplate "text/template"
	"time"
)

// ErrNotConfigured is returned by gateways that have no upstream configured.
var ErrNotConfigured = errors.New("gateway not configured")

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// UseSSL selects implicit TLS (port 465). Otherwise STARTTLS is used when offered.
	UseSSL  bool
	AppName string
	Timeout time.Duration
}

// Email is a templated message. Highlight is rendered prominently (codes);
// Lines are rendered as a list under the intro.
type Email struct {
	To        string
	Subject   string
	Title     string
	Intro     string
	Highlight string
	Lines     []string
	Footer    string
}

type emailData struct {
	Email
	AppName string
	Year    int
}

type Mailer struct {
	cfg  SMTPConfig
	html *htmltemplate.Template
	text *texttemplate.Template
	log  *slog.Logger
}

func NewMailer(cfg SMTPConfig, log *slog.Logger) *Mailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.AppName == "" {
		cfg.AppName = "VitaLink"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Mailer{
		cfg:  cfg,
		html: htmltemplate.Must(htmltemplate.New("html").Parse(htmlTemplate)),
		text: texttemplate.Must(texttemplate.New("text").Parse(textTemplate)),
		log:  log,
	}
}

func (m *Mailer) Configured() bool { return m.cfg.Host != "" }

// Send renders and delivers e. Without an SMTP host the message is logged and
// ErrNotConfigured is returned.
func (m *Mailer) Send(ctx context.Context, e Email) error {
	if !m.Configured() {
		m.log.Warn("smtp not configured, email dropped", "to", e.To, "subject", e.Subject)
		return ErrNotConfigured
	}
	html, text, err := m.Render(e)
	if err != nil {
		return err
	}
	msg := m.compose(e.To, e.Subject, html, text)

	done := make(chan error, 1)
	go func() { done <- m.deliver(e.To, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Render produces the HTML and plain-text bodies of e.
func (m *Mailer) Render(e Email) (string, string, error) {
	data := emailData{Email: e, AppName: m.cfg.AppName, Year: time.Now().Year()}
	var hb, tb bytes.Buffer
	if err := m.html.Execute(&hb, data); err != nil {
		return "", "", fmt.Errorf("render html: %w", err)
	}
	if err := m.text.Execute(&tb, data); err != nil {
		return "", "", fmt.Errorf("render text: %w", err)
	}
	return hb.String(), tb.String(), nil
}

func (m *Mailer) compose(to, subject, htmlBody, textBody string) []byte {
	boundary := fmt.Sprintf("alt_%d", time.Now().UnixNano())
	var msg bytes.Buffer
	write := func(format string, a ...any) { _, _ = fmt.Fprintf(&msg, format, a...) }

	write("From: %s\r\n", m.fromHeader())
	write("To: %s\r\n", SanitizeHeader(to))
	write("Subject: %s\r\n", SanitizeHeader(subject))
	write("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	write("MIME-Version: 1.0\r\n")
	write("Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	write("--%s\r\n", boundary)
	write("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	write("%s\r\n\r\n", textBody)

	write("--%s\r\n", boundary)
	write("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	write("%s\r\n\r\n", htmlBody)

	write("--%s--\r\n", boundary)
	return msg.Bytes()
}

func (m *Mailer) fromHeader() string {
	if m.cfg.FromName == "" {
		return m.cfg.From
	}
	return fmt.Sprintf("%q <%s>", m.cfg.FromName, m.cfg.From)
}

func (m *Mailer) deliver(to string, msg []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprint(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if !m.cfg.UseSSL {
		return smtp.SendMail(addr, auth, m.cfg.From, []string{to}, msg)
	}

	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return err
	}
	defer conn.Close()
	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return err
	}
	defer c.Quit()
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(m.cfg.From); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}

// SanitizeHeader strips CR and LF so user data cannot inject headers.
func SanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

const htmlTemplate = `<!doctype html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body style="margin:0;padding:24px;background:#f4f6fb;font-family:-apple-system,Segoe UI,Roboto,Arial,sans-serif;color:#0f172a">
  <div style="max-width:560px;margin:0 auto;background:#ffffff;border-radius:12px;padding:32px">
    <div style="font-weight:700;color:#2563eb">{{.AppName}}</div>
    <h1 style="font-size:22px">{{.Title}}</h1>
    <p>{{.Intro}}</p>
    {{if .Highlight}}<p style="font-size:28px;letter-spacing:4px;font-weight:700">{{.Highlight}}</p>{{end}}
    {{if .Lines}}<ul>{{range .Lines}}<li>{{.}}</li>{{end}}</ul>{{end}}
    {{if .Footer}}<p style="color:#64748b;font-size:13px">{{.Footer}}</p>{{end}}
    <p style="color:#94a3b8;font-size:12px">&copy; {{.Year}} {{.AppName}}</p>
  </div>
</body>
</html>`

const textTemplate = `{{.Title}}

{{.Intro}}
{{if .Highlight}}
    {{.Highlight}}
{{end}}{{range .Lines}}
  - {{.}}{{end}}{{if .Lines}}
{{end}}{{if .Footer}}
{{.Footer}}
{{end}}
- {{.AppName}} (c) {{.Year}}
`
