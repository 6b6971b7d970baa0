package email

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"ForumPulse/internal/mailer"
)

// Sender delivers notifications over SMTP. It implements mailer.Sender;
// failed sends are reported to the caller and never retried here.
type Sender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (s *Sender) Send(ctx context.Context, m *mailer.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", s.From)
	msg.SetAddressHeader("To", m.To, m.ToName)
	msg.SetHeader("Subject", m.Subject)
	if m.ReplyTo != "" {
		msg.SetHeader("Reply-To", m.ReplyTo)
	}
	for name, value := range m.Headers {
		msg.SetHeader(name, value)
	}

	msg.SetBody("text/plain", m.Text)
	if m.HTML != "" {
		msg.AddAlternative("text/html", m.HTML)
	}

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	return nil
}
