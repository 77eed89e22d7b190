package task

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a recorded failure
type ErrorKind string

const (
	KindInvalidRequest  ErrorKind = "invalid_request"
	KindTimeout         ErrorKind = "timeout"
	KindUnavailable     ErrorKind = "unavailable"
	KindMalformedOutput ErrorKind = "malformed_output"
	KindMailboxFetch    ErrorKind = "mailbox_fetch"
	KindMailboxMove     ErrorKind = "mailbox_move"
	KindUnknown         ErrorKind = "unknown"
)

// ErrInvalidRequest is returned when a prompt cannot be built from the given input.
// It marks a caller bug and is never retried.
var ErrInvalidRequest = errors.New("invalid request")

// InferenceError is the failure of a single inference call
type InferenceError struct {
	Kind       ErrorKind
	Task       Type
	MessageIDs []string
	Attempts   int
	Err        error
}

func (e *InferenceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "inference %s for %s", e.Kind, e.Task)
	if len(e.MessageIDs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.MessageIDs, ","))
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// MailboxFetchError means no messages could be retrieved for a run
type MailboxFetchError struct {
	Err error
}

func (e *MailboxFetchError) Error() string {
	if e.Err == nil {
		return "mailbox fetch failed"
	}
	return "mailbox fetch failed: " + e.Err.Error()
}

func (e *MailboxFetchError) Unwrap() error {
	return e.Err
}

// ErrNoMessages is the cause of a MailboxFetchError when the mailbox had nothing unread
var ErrNoMessages = errors.New("no unread messages")

// MailboxMoveError is the failure of one folder move
type MailboxMoveError struct {
	MessageID   string
	Destination string
	Err         error
}

func (e *MailboxMoveError) Error() string {
	return fmt.Sprintf("move %s to %q: %v", e.MessageID, e.Destination, e.Err)
}

func (e *MailboxMoveError) Unwrap() error {
	return e.Err
}

// KindOf maps an error from any pipeline stage to its ErrorKind
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var inf *InferenceError
	if errors.As(err, &inf) {
		return inf.Kind
	}
	var fetch *MailboxFetchError
	if errors.As(err, &fetch) {
		return KindMailboxFetch
	}
	var move *MailboxMoveError
	if errors.As(err, &move) {
		return KindMailboxMove
	}
	if errors.Is(err, ErrInvalidRequest) {
		return KindInvalidRequest
	}
	return KindUnknown
}
