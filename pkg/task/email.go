package task

import (
	"fmt"
	"strings"

	gomail "github.com/wneessen/go-mail"

	"github.com/ckanops/packager/config"
	pkgerrors "github.com/ckanops/packager/pkg/errors"
)

// Message is one notification email. Text is always present; HTML, when
// non-empty, is attached as the alternative part.
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers notification emails.
type Mailer interface {
	Send(msg Message) error
}

// SMTPMailer delivers through the configured SMTP server, authenticating
// with PLAIN when credentials are set.
type SMTPMailer struct {
	host     string
	port     int
	login    string
	password string
}

// NewSMTPMailer creates a mailer for the configured SMTP server.
func NewSMTPMailer(cfg *config.Config) *SMTPMailer {
	return &SMTPMailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		login:    cfg.SMTPLogin,
		password: cfg.SMTPPassword,
	}
}

// Send delivers one message, failing with ErrSMTP on any transport or
// address problem.
func (m *SMTPMailer) Send(msg Message) error {
	mail := gomail.NewMsg()
	if err := mail.From(msg.From); err != nil {
		return fmt.Errorf("%w: invalid sender %q: %v", pkgerrors.ErrSMTP, msg.From, err)
	}
	if err := mail.To(msg.To); err != nil {
		return fmt.Errorf("%w: invalid recipient %q: %v", pkgerrors.ErrSMTP, msg.To, err)
	}
	mail.Subject(msg.Subject)
	mail.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		mail.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}

	opts := []gomail.Option{
		gomail.WithPort(m.port),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	}
	if m.login != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.login),
			gomail.WithPassword(m.password),
		)
	}
	client, err := gomail.NewClient(m.host, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrSMTP, err)
	}
	if err := client.DialAndSend(mail); err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrSMTP, err)
	}
	return nil
}

// formatTemplate substitutes {name} placeholders in an email template.
// Unknown placeholders are left untouched.
func formatTemplate(template string, placeholders map[string]string) string {
	pairs := make([]string, 0, len(placeholders)*2)
	for name, value := range placeholders {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
