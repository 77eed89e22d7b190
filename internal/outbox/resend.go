package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"

	"github.com/corey-beep/email-agent/internal/email"
)

// ResendSender sends emails via Resend API
type ResendSender struct {
	client *resend.Client
	logger zerolog.Logger
}

// NewResendSender creates a new Resend sender
func NewResendSender(apiKey string, logger zerolog.Logger) *ResendSender {
	return &ResendSender{
		client: resend.NewClient(apiKey),
		logger: logger.With().Str("component", "resend").Logger(),
	}
}

func (s *ResendSender) Send(ctx context.Context, e *email.OutboundEmail) error {
	to := make([]string, len(e.To))
	for i, addr := range e.To {
		to[i] = addr.Address
	}

	params := &resend.SendEmailRequest{
		From:    e.From.String(),
		To:      to,
		Subject: e.Subject,
		Text:    e.TextBody,
	}

	if len(e.Cc) > 0 {
		cc := make([]string, len(e.Cc))
		for i, addr := range e.Cc {
			cc[i] = addr.Address
		}
		params.Cc = cc
	}

	// Set reply headers
	if e.InReplyTo != "" {
		params.Headers = map[string]string{
			"In-Reply-To": angle(e.InReplyTo),
		}
		if len(e.References) > 0 {
			refs := make([]string, len(e.References))
			for i, r := range e.References {
				refs[i] = angle(r)
			}
			params.Headers["References"] = strings.Join(refs, " ")
		}
	}

	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}

	s.logger.Info().
		Str("id", sent.Id).
		Strs("to", to).
		Str("subject", e.Subject).
		Msg("Email sent")
	return nil
}

func angle(id string) string {
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
