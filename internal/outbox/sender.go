// Package outbox sends approved draft replies.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/corey-beep/email-agent/internal/config"
	"github.com/corey-beep/email-agent/internal/email"
	"github.com/corey-beep/email-agent/internal/task"
)

// ErrSendingDisabled is returned when no outbound provider is configured
var ErrSendingDisabled = errors.New("sending is disabled: set smtp.provider to smtp or resend")

// Sender is an interface for sending emails
type Sender interface {
	Send(ctx context.Context, email *email.OutboundEmail) error
}

// NewSender returns the sender for the configured provider
func NewSender(cfg *config.SMTPOutConfig, logger zerolog.Logger) (Sender, error) {
	switch cfg.Provider {
	case "smtp":
		if cfg.Host == "" {
			return nil, errors.New("smtp.host is required for the smtp provider")
		}
		return NewSMTPSender(cfg.Host, cfg.Port, cfg.Username, cfg.Password, logger), nil
	case "resend":
		return NewResendSender(cfg.ResendKey, logger), nil
	case "":
		return nil, ErrSendingDisabled
	}
	return nil, fmt.Errorf("unknown smtp provider %q", cfg.Provider)
}

// BuildReply turns a draft into a reply to msg, threaded on its Message-ID
func BuildReply(msg email.Message, draft *task.Draft, from email.Address) (*email.OutboundEmail, error) {
	if draft == nil || draft.MessageID != msg.ID {
		return nil, fmt.Errorf("draft does not belong to message %s", msg.ID)
	}
	if from.Address == "" {
		return nil, errors.New("no from address configured")
	}

	to, err := email.ParseAddress(msg.ReplyAddress())
	if err != nil {
		return nil, fmt.Errorf("cannot reply to %q: %w", msg.ReplyAddress(), err)
	}

	out := &email.OutboundEmail{
		From:     from,
		To:       []email.Address{to},
		Subject:  msg.ReplySubject(),
		TextBody: draft.Body,
	}
	if msg.MessageID != "" {
		out.InReplyTo = msg.MessageID
		out.References = []string{msg.MessageID}
	}
	return out, nil
}
