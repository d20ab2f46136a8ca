package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/makeasinger/genqueue/internal/config"
)

// Mailer sends a plain-text message to the configured recipients
type Mailer interface {
	Send(ctx context.Context, subject, body string) error
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends mail through an SMTP relay
type SMTPMailer struct {
	cfg  config.SMTPConfig
	send sendFunc
}

func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Configured reports whether a relay and recipients are set
func (m *SMTPMailer) Configured() bool {
	return m.cfg.Host != "" && m.cfg.From != "" && len(m.cfg.To) > 0
}

func (m *SMTPMailer) Send(ctx context.Context, subject, body string) error {
	if !m.Configured() {
		return fmt.Errorf("smtp not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	var msg strings.Builder
	msg.WriteString("From: " + m.cfg.From + "\r\n")
	msg.WriteString("To: " + strings.Join(m.cfg.To, ", ") + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(body)

	addr := m.cfg.Host + ":" + strconv.Itoa(m.cfg.Port)
	if err := m.send(addr, auth, m.cfg.From, m.cfg.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

// Compose renders the subject and body for an outcome
func Compose(ev Event) (subject, body string) {
	name := ev.JobType.DisplayName()
	if ev.Succeeded {
		subject = fmt.Sprintf("Your %s job has finished", strings.ToLower(name))
		var b strings.Builder
		fmt.Fprintf(&b, "Your %s job (%s) completed successfully.\n\n", name, ev.JobID)
		if ev.StartedAt != nil && ev.FinishedAt != nil {
			fmt.Fprintf(&b, "Started:  %s\n", ev.StartedAt.Format(time.DateTime))
			fmt.Fprintf(&b, "Finished: %s\n", ev.FinishedAt.Format(time.DateTime))
			fmt.Fprintf(&b, "Took:     %.1fs\n", ev.FinishedAt.Sub(*ev.StartedAt).Seconds())
		}
		return subject, b.String()
	}

	subject = fmt.Sprintf("Your %s job has failed", strings.ToLower(name))
	body = fmt.Sprintf("Your %s job (%s) failed after %d attempts.\n\nReason: %s\n\nPlease check the request and submit it again.\n",
		name, ev.JobID, ev.Attempts, ev.Message)
	return subject, body
}
