// Package mail dispatches notification emails.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"

	"github.com/jordan-wright/email"
)

var ErrNoRecipients = errors.New("mail has no recipients")

// Message is a plain-text email.
type Message struct {
	Sender  string
	To      []string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// SMTPSender delivers mail through an SMTP relay.
type SMTPSender struct {
	addr          string
	auth          smtp.Auth
	defaultSender string

	send func(e *email.Email, addr string, auth smtp.Auth) error
}

// NewSMTPSender creates a sender for host:port. Authentication is only used
// when username is set.
func NewSMTPSender(host string, port int, username, password, defaultSender string) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		addr:          net.JoinHostPort(host, strconv.Itoa(port)),
		auth:          auth,
		defaultSender: defaultSender,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e := email.NewEmail()
	e.From = msg.Sender
	if e.From == "" {
		e.From = s.defaultSender
	}
	e.To = msg.To
	e.Subject = msg.Subject
	e.Text = []byte(msg.Body)

	if err := s.send(e, s.addr, s.auth); err != nil {
		return fmt.Errorf("send mail to %v: %w", msg.To, err)
	}
	return nil
}
