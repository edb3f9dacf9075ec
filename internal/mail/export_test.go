package mail

import (
	"net/smtp"

	"github.com/jordan-wright/email"
)

// SetTransport swaps the SMTP transport. Tests only.
func (s *SMTPSender) SetTransport(fn func(e *email.Email, addr string, auth smtp.Auth) error) {
	s.send = fn
}
