package notify

import (
	"fmt"
	"net/smtp"
	"time"

	"taskline/internal/config"
)

// Kind is the notification event kind carried by a Job.
type Kind string

const (
	KindSubscription  Kind = "subscription"
	KindParticipation Kind = "participation"
	KindStatusChange  Kind = "status-change"
	KindDeadline      Kind = "deadline"
)

// Job is one notification fan-out request: a membership delta, a status
// change, or a deadline warning. Jobs are ephemeral; nothing persists them
// beyond the dedup marks.
type Job struct {
	ID         string
	Kind       Kind
	TaskID     string
	ProjectID  string
	Title      string
	Recipients []int64
	OldStatus  string
	NewStatus  string
}

// Subject and body follow the wording the mail templates always used.
func (j Job) Subject() string {
	switch j.Kind {
	case KindSubscription:
		return "Subscription to task notification"
	case KindParticipation:
		return "You have been added to a project"
	case KindStatusChange:
		return "Task Status Update Notification"
	case KindDeadline:
		return "Task Deadline Notification"
	}
	return "Taskline notification"
}

func (j Job) Body(lookahead time.Duration) string {
	switch j.Kind {
	case KindSubscription:
		return fmt.Sprintf("We would like to inform you that you have subscribed to Task %q.", j.Title)
	case KindParticipation:
		return fmt.Sprintf("We would like to inform you that you have been added to Project %q.", j.Title)
	case KindStatusChange:
		return fmt.Sprintf("You are notified that the status of task %q has been changed from %q to %q.", j.Title, j.OldStatus, j.NewStatus)
	case KindDeadline:
		return fmt.Sprintf("There's less than %s left until the deadline for task %q.", lookahead, j.Title)
	}
	return ""
}

// Mailer sends one message. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(to, subject, body string) error
}

// SMTPMailer is the production Mailer.
type SMTPMailer struct {
	cfg *config.Config
}

func NewSMTPMailer(cfg *config.Config) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	host := m.cfg.SMTP.Host
	if host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	addr := fmt.Sprintf("%s:%d", host, m.cfg.SMTP.Port)
	var auth smtp.Auth
	if m.cfg.SMTP.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.SMTP.Username, m.cfg.SMTP.Password, host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.cfg.SMTP.From, to, subject, body)
	return smtp.SendMail(addr, auth, m.cfg.SMTP.From, []string{to}, []byte(msg))
}
