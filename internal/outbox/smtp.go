package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/corey-beep/email-agent/internal/email"
)

// SMTPSender sends emails via SMTP
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	logger   zerolog.Logger
}

// NewSMTPSender creates a new SMTP sender. Port 465 uses implicit TLS, any
// other port upgrades with STARTTLS when the server offers it.
func NewSMTPSender(host string, port int, username, password string, logger zerolog.Logger) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		logger:   logger.With().Str("component", "smtp").Logger(),
	}
}

func (s *SMTPSender) Send(ctx context.Context, e *email.OutboundEmail) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	recipients := e.Recipients()
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}

	var msg bytes.Buffer
	if err := writeMessage(&msg, e); err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	var auth sasl.Client
	if s.username != "" {
		auth = sasl.NewPlainClient("", s.username, s.password)
	}

	send := smtp.SendMail
	if s.port == 465 {
		send = smtp.SendMailTLS
	}
	if err := send(addr, auth, e.From.Address, recipients, &msg); err != nil {
		return fmt.Errorf("smtp: %w", err)
	}

	s.logger.Info().
		Strs("to", recipients).
		Str("subject", e.Subject).
		Msg("Email sent")
	return nil
}

// writeMessage renders e as a plain text RFC 5322 message
func writeMessage(w io.Writer, e *email.OutboundEmail) error {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", toMailAddresses([]email.Address{e.From}))
	h.SetAddressList("To", toMailAddresses(e.To))
	if len(e.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(e.Cc))
	}
	h.SetSubject(e.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return err
	}
	if e.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{e.InReplyTo})
	}
	if len(e.References) > 0 {
		h.SetMsgIDList("References", e.References)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	body, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(body, e.TextBody); err != nil {
		return err
	}
	return body.Close()
}

func toMailAddresses(addrs []email.Address) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = &mail.Address{Name: a.Name, Address: a.Address}
	}
	return out
}
