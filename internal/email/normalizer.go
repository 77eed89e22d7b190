package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"
	"unicode/utf8"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// DefaultMaxBodyChars bounds the body text handed to prompts
const DefaultMaxBodyChars = 4000

// ErrMissingID is returned for raw messages without a mailbox id
var ErrMissingID = errors.New("raw message has no id")

// Normalizer converts raw mailbox messages into canonical Messages
type Normalizer struct {
	maxBodyChars int
}

// NewNormalizer creates a normalizer that truncates bodies to maxBodyChars characters
func NewNormalizer(maxBodyChars int) *Normalizer {
	if maxBodyChars <= 0 {
		maxBodyChars = DefaultMaxBodyChars
	}
	return &Normalizer{maxBodyChars: maxBodyChars}
}

// Normalize builds a Message from raw. Body decoding problems never fail the call;
// they leave an empty body and set DecodeFailed.
func (n *Normalizer) Normalize(raw RawMessage) (Message, error) {
	if raw.ID == "" {
		return Message{}, ErrMissingID
	}

	msg := Message{
		ID:         raw.ID,
		Folder:     raw.Folder,
		Sender:     raw.From,
		Subject:    raw.Subject,
		ReceivedAt: raw.InternalDate,
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = raw.Date
	}

	parsed, err := parseBody(raw.Body)
	if raw.BodyErr != nil {
		err = raw.BodyErr
	}
	if parsed.header != nil {
		applyHeader(&msg, *parsed.header)
	}

	var body string
	if err != nil {
		msg.DecodeFailed = true
	} else {
		body = parsed.text
		if strings.TrimSpace(body) == "" && parsed.html != "" {
			body = HTMLToText(parsed.html)
		}
		body = cleanText(body)
	}

	length := utf8.RuneCountInString(body)
	msg.SizeClass = ClassifySize(length)
	msg.BodyText, msg.Truncated = truncate(body, length, n.maxBodyChars)

	return msg, nil
}

type parsedBody struct {
	header *gomail.Header
	text   string
	html   string
}

// parseBody walks the MIME tree and captures the first text/plain and text/html parts
func parseBody(raw []byte) (parsedBody, error) {
	var out parsedBody
	if len(raw) == 0 {
		return out, nil
	}

	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if mr != nil {
		out.header = &mr.Header
		defer mr.Close()
	}
	if err != nil {
		return out, fmt.Errorf("failed to read message: %w", err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to read part: %w", err)
		}

		h, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}

		mediaType, _, err := h.ContentType()
		if err != nil {
			mediaType = "text/plain"
		}

		switch {
		case strings.HasPrefix(mediaType, "text/plain") && out.text == "":
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return out, fmt.Errorf("failed to read body: %w", err)
			}
			out.text = string(body)
		case strings.HasPrefix(mediaType, "text/html") && out.html == "":
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return out, fmt.Errorf("failed to read body: %w", err)
			}
			out.html = string(body)
		}
	}

	return out, nil
}

// applyHeader overrides envelope fallbacks with values from the parsed header
func applyHeader(msg *Message, h gomail.Header) {
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.Sender = Address{Name: from[0].Name, Address: from[0].Address}.String()
	}
	if replyTo, err := h.AddressList("Reply-To"); err == nil && len(replyTo) > 0 {
		msg.ReplyTo = replyTo[0].Address
	}
	if subject, err := h.Subject(); err == nil && subject != "" {
		msg.Subject = subject
	} else if s := h.Get("Subject"); s != "" {
		msg.Subject = decodeHeader(s)
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = id
	}
	if msg.ReceivedAt.IsZero() {
		if date, err := h.Date(); err == nil {
			msg.ReceivedAt = date
		}
	}
}

// truncate cuts body to max characters and appends a marker naming what was dropped
func truncate(body string, length, max int) (string, bool) {
	if length <= max {
		return body, false
	}
	runes := []rune(body)
	kept := strings.TrimRight(string(runes[:max]), " \t\n")
	return fmt.Sprintf("%s\n[truncated: %d more characters]", kept, length-max), true
}

// cleanText normalizes line endings and squeezes runs of blank lines
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")

	var b strings.Builder
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

// ParseAddress parses a single email address
func ParseAddress(s string) (Address, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		// Try to extract just the email
		s = strings.TrimSpace(s)
		if strings.Contains(s, "@") && !strings.ContainsAny(s, " <>") {
			return Address{Address: s}, nil
		}
		return Address{}, err
	}
	return Address{
		Name:    addr.Name,
		Address: addr.Address,
	}, nil
}

// decodeHeader decodes RFC 2047 encoded header values
func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
