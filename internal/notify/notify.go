// Package notify delivers out-of-band messages to account owners. The only
// message today is the account-linking code.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/basket/taskbot/internal/config"
	"github.com/basket/taskbot/internal/shared"
	"github.com/mailgun/mailgun-go/v4"
)

// ErrNotConfigured means no mail provider credentials are set.
var ErrNotConfigured = errors.New("email sending not configured")

// Sender delivers a link code to an email address.
type Sender interface {
	SendLinkCode(ctx context.Context, to, code string, ttl time.Duration) error
}

// Mailgun sends link codes through the Mailgun HTTP API.
type Mailgun struct {
	mg          mailgun.Mailgun
	from        string
	productName string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewMailgun returns ErrNotConfigured unless key, domain and sender
// address are all set.
func NewMailgun(cfg config.Config, logger *slog.Logger) (*Mailgun, error) {
	if !cfg.MailConfigured() {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}
	mg := mailgun.NewMailgun(cfg.Mail.Domain, cfg.Mail.APIKey)
	if cfg.Mail.APIBase != "" {
		mg.SetAPIBase(cfg.Mail.APIBase)
	}
	timeout := cfg.MailTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Mailgun{
		mg:          mg,
		from:        cfg.Mail.FromEmail,
		productName: cfg.ProductName,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

var linkCodeHTML = template.Must(template.New("link_code").Parse(`<html>
<body>
<p>Hello,</p>
<p>Your {{.Product}} Telegram Bot linking code is: <strong>{{.Code}}</strong></p>
<p>This code will expire in {{.Minutes}} minutes.</p>
<p>If you did not request this code, please ignore this email.</p>
</body>
</html>
`))

type linkCodeData struct {
	Product string
	Code    string
	Minutes int
}

func (m *Mailgun) SendLinkCode(ctx context.Context, to, code string, ttl time.Duration) error {
	data := linkCodeData{Product: m.productName, Code: code, Minutes: int(ttl.Minutes())}
	var html bytes.Buffer
	if err := linkCodeHTML.Execute(&html, data); err != nil {
		return fmt.Errorf("render link code email: %w", err)
	}
	subject := fmt.Sprintf("Your %s Telegram Bot Linking Code", m.productName)
	text := fmt.Sprintf("Your %s Telegram Bot linking code is: %s\nThis code will expire in %d minutes.\nIf you did not request this code, please ignore this email.\n",
		m.productName, code, data.Minutes)

	msg := m.mg.NewMessage(m.from, subject, text, to)
	msg.SetHtml(html.String())

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, id, err := m.mg.Send(ctx, msg)
	if err != nil {
		m.logger.Error("link code email failed", "email", to, "error", shared.Redact(err.Error()))
		return fmt.Errorf("send link code email: %w", err)
	}
	m.logger.Info("link code email sent", "email", to, "message_id", id)
	return nil
}
