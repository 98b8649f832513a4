// Package waitlist signs people up for the launch list.
package waitlist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidEmail  = errors.New("valid email required")
	ErrMisconfigured = errors.New("mailer not configured")
)

const (
	DefaultSender = "FineMe <team@fineme.io>"
	DefaultTeam   = "team@fineme.io"
	sendTimeout   = 10 * time.Second
)

type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
}

type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// Mailgun sends through the Mailgun API.
type Mailgun struct {
	mg mailgun.Mailgun
}

func NewMailgun(domain, key string) *Mailgun {
	return &Mailgun{mg: mailgun.NewMailgun(domain, key)}
}

func (m *Mailgun) Send(ctx context.Context, e Email) error {
	message := m.mg.NewMessage(e.From, e.Subject, "", e.To)
	message.SetHtml(e.HTML)

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if _, _, err := m.mg.Send(ctx, message); err != nil {
		return fmt.Errorf("mailgun send to %s: %w", e.To, err)
	}
	return nil
}

var (
	notifyTmpl = template.Must(template.New("notify").Parse(
		`<div style="font-family: monospace; background: #000; color: #fff; padding: 32px; border-radius: 12px;">
<p style="color: #bef264; font-weight: 900; font-size: 18px; margin: 0 0 16px;">New waitlist signup</p>
<p style="color: #a1a1aa; margin: 0;">Email: <span style="color: #fff;">{{.Email}}</span></p>
<p style="color: #71717a; font-size: 12px; margin: 16px 0 0;">{{.At}}</p>
</div>`))

	confirmTmpl = template.Must(template.New("confirm").Parse(
		`<!DOCTYPE html>
<html lang="en">
<body style="margin: 0; padding: 40px 16px; background-color: #f4f4f5; font-family: Arial, sans-serif;">
<h1 style="font-size: 26px; font-weight: 900; color: #09090b;">You're on the list.</h1>
<p style="font-size: 16px; color: #52525b;">We'll email you the moment FineMe launches.<br>No spam, just one email when we go live.</p>
<p style="font-size: 14px; font-weight: 600; color: #09090b;">Your commitment starts now.</p>
<p style="font-size: 13px; color: #71717a;">Miss your workout, pay your charity. We'll hold you to it.</p>
<p style="font-size: 12px; color: #a1a1aa;"><a href="https://fineme.io" style="color: #a1a1aa;">fineme.io</a></p>
</body>
</html>`))
)

func render(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type Service struct {
	Mailer Mailer
	Sender string
	Team   string
	Now    func() time.Time
	Log    *zap.Logger
}

// ValidEmail is the loose check the landing page has always used.
func ValidEmail(email string) bool {
	return strings.Contains(email, "@")
}

// Join notifies the team and confirms to the subscriber. Both emails are sent
// in parallel and Join returns once both are done.
func (s *Service) Join(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if !ValidEmail(email) {
		return ErrInvalidEmail
	}
	if s.Mailer == nil {
		return ErrMisconfigured
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	notify, err := render(notifyTmpl, struct{ Email, At string }{email, now().UTC().Format(time.RFC1123)})
	if err != nil {
		return err
	}
	confirm, err := render(confirmTmpl, nil)
	if err != nil {
		return err
	}

	sender := orDefault(s.Sender, DefaultSender)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Mailer.Send(ctx, Email{
			From:    sender,
			To:      orDefault(s.Team, DefaultTeam),
			Subject: "New waitlist signup: " + email,
			HTML:    notify,
		})
	})
	g.Go(func() error {
		return s.Mailer.Send(ctx, Email{
			From:    sender,
			To:      email,
			Subject: "You're on the FineMe waitlist.",
			HTML:    confirm,
		})
	})
	if err := g.Wait(); err != nil {
		if s.Log != nil {
			s.Log.Error("waitlist email failed", zap.String("email", email), zap.Error(err))
		}
		return err
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
