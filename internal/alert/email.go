package alert

import (
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

//go:embed needs_attention.html
var needsAttentionHTML string

var needsAttentionTmpl = template.Must(template.New("needs_attention").Parse(needsAttentionHTML))

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Pass     string
	From     string
	FromName string
	To       []string
}

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

const sendAttempts = 3

// Email sends alerts over SMTP.
type Email struct {
	cfg       SMTPConfig
	dialer    sender
	log       *logrus.Logger
	firstWait time.Duration
}

func NewEmail(cfg SMTPConfig, log *logrus.Logger) *Email {
	return &Email{
		cfg:       cfg,
		dialer:    gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass),
		log:       log,
		firstWait: time.Second,
	}
}

// schedule waits 1s, then 2s, between attempts.
func (e *Email) schedule(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.firstWait
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, sendAttempts-1), ctx)
}

type emailData struct {
	Alert
	Title string
	Year  int
}

func Render(a Alert) (string, error) {
	var buf strings.Builder
	err := needsAttentionTmpl.Execute(&buf, emailData{Alert: a, Title: a.Title(), Year: time.Now().Year()})
	return buf.String(), err
}

func (e *Email) Notify(ctx context.Context, a Alert) error {
	body, err := Render(a)
	if err != nil {
		return fmt.Errorf("render alert: %w", err)
	}
	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", e.cfg.FromName, e.cfg.From))
	m.SetHeader("To", e.cfg.To...)
	m.SetHeader("Subject", a.Title())
	m.SetBody("text/html", body)

	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		return e.dialer.DialAndSend(m)
	}, e.schedule(ctx), func(err error, wait time.Duration) {
		e.log.Warnf("❌ [ALERT] attempt %d to send email failed: %v → retrying in %v", attempt, err, wait)
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("email send cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("failed to send alert email after %d attempts: %w", attempt, err)
	}
	e.log.WithField("config_id", a.ConfigID).Infof("📧 [ALERT] email sent (Subject: %s)", a.Title())
	return nil
}
