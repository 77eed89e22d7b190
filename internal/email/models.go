package email

import (
	"strings"
	"time"
)

// Address represents an email address with optional name
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// String returns the formatted address
func (a Address) String() string {
	if a.Name != "" {
		return a.Name + " <" + a.Address + ">"
	}
	return a.Address
}

// RawMessage is a message as delivered by the mailbox, before normalization.
// The envelope fields are fallbacks for when the body cannot be parsed.
type RawMessage struct {
	ID           string    `json:"id"`
	Folder       string    `json:"folder"`
	InternalDate time.Time `json:"internal_date"`
	From         string    `json:"from"`
	Subject      string    `json:"subject"`
	Date         time.Time `json:"date"`
	Flags        []string  `json:"flags,omitempty"`
	Body         []byte    `json:"-"`
	// BodyErr is set when the mailbox could not deliver the body
	BodyErr      error     `json:"-"`
}

// SizeClass buckets a message by the length of its plain text body
type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// Size class boundaries, in characters of the untruncated body
const (
	smallBodyChars  = 1000
	mediumBodyChars = 8000
)

// ClassifySize returns the size class for a body of n characters
func ClassifySize(n int) SizeClass {
	switch {
	case n < smallBodyChars:
		return SizeSmall
	case n < mediumBodyChars:
		return SizeMedium
	default:
		return SizeLarge
	}
}

// Message is the canonical, immutable form of a mailbox message used by the pipeline
type Message struct {
	ID           string    `json:"id"`
	Folder       string    `json:"folder"`
	MessageID    string    `json:"message_id,omitempty"` // without angle brackets
	Sender       string    `json:"sender"`
	ReplyTo      string    `json:"reply_to,omitempty"`
	Subject      string    `json:"subject"`
	ReceivedAt   time.Time `json:"received_at"`
	BodyText     string    `json:"body_text"`
	SizeClass    SizeClass `json:"size_class"`
	Truncated    bool      `json:"truncated"`
	DecodeFailed bool      `json:"decode_failed"`
}

// Key identifies the message across runs: mailbox ids are only unique within a folder
func (m Message) Key() string {
	return m.Folder + "/" + m.ID
}

// ReplySubject returns the subject to use when replying to m
func (m Message) ReplySubject() string {
	if strings.HasPrefix(strings.ToLower(m.Subject), "re:") {
		return m.Subject
	}
	return "Re: " + m.Subject
}

// ReplyAddress returns the address a reply should go to
func (m Message) ReplyAddress() string {
	if m.ReplyTo != "" {
		return m.ReplyTo
	}
	return m.Sender
}

// OutboundEmail represents an email to be sent
type OutboundEmail struct {
	From       Address   `json:"from"`
	To         []Address `json:"to"`
	Cc         []Address `json:"cc"`
	Subject    string    `json:"subject"`
	TextBody   string    `json:"text_body"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
}

// Recipients returns every envelope recipient address
func (e *OutboundEmail) Recipients() []string {
	addrs := make([]string, 0, len(e.To)+len(e.Cc))
	for _, a := range e.To {
		addrs = append(addrs, a.Address)
	}
	for _, a := range e.Cc {
		addrs = append(addrs, a.Address)
	}
	return addrs
}
