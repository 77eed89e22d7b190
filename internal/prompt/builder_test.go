package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corey-beep/email-agent/internal/email"
	"github.com/corey-beep/email-agent/internal/task"
)

func testMessage(id, subject, body string) email.Message {
	return email.Message{
		ID:         id,
		Sender:     "alice@example.com",
		Subject:    subject,
		ReceivedAt: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		BodyText:   body,
	}
}

func TestBuildDigestDelimitsEachMessage(t *testing.T) {
	b := NewBuilder(Options{SummaryMaxWords: 40})
	msgs := []email.Message{
		testMessage("1", "Invoice", "Please pay invoice 17."),
		testMessage("2", "Lunch", "Lunch on Thursday?"),
		testMessage("3", "Outage", "Production is down."),
	}

	req, err := b.Build(task.Digest, msgs, Options{})
	require.NoError(t, err)

	assert.Equal(t, task.Digest, req.Task)
	assert.Equal(t, []string{"1", "2", "3"}, req.TargetIDs)
	for _, id := range req.TargetIDs {
		assert.Equal(t, 1, strings.Count(req.Prompt, "<<<MESSAGE id="+id+">>>"))
		assert.Equal(t, 1, strings.Count(req.Prompt, "<<<END MESSAGE id="+id+">>>"))
	}
	assert.Contains(t, req.Prompt, "at most 40 words")
	assert.Contains(t, req.Prompt, "distinct integers 1 to 3")

	// blocks appear in input order
	assert.Less(t, strings.Index(req.Prompt, "id=1>>>"), strings.Index(req.Prompt, "id=2>>>"))
	assert.Less(t, strings.Index(req.Prompt, "id=2>>>"), strings.Index(req.Prompt, "id=3>>>"))
}

func TestBuildCategorize(t *testing.T) {
	b := NewBuilder(Options{CategorizeBodyChars: 10})
	req, err := b.Build(task.Categorize, []email.Message{testMessage("42", "Hello", "0123456789ABCDEF")}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"42"}, req.TargetIDs)
	assert.Contains(t, req.Prompt, "Work, Personal, Newsletter, Urgent, Spam, Other")
	assert.Contains(t, req.Prompt, "0123456789")
	assert.NotContains(t, req.Prompt, "ABCDEF")
	assert.Contains(t, req.Prompt, `{"id": "42", "category"`)
}

func TestBuildDraftReplyInstructions(t *testing.T) {
	b := NewBuilder(Options{ReplyTone: "friendly"})
	req, err := b.Build(task.DraftReply, []email.Message{testMessage("7", "Lunch", "Lunch on Thursday?")}, Options{Instructions: "Decline politely"})
	require.NoError(t, err)

	assert.Contains(t, req.Prompt, "friendly tone")
	assert.Contains(t, req.Prompt, "Additional instructions: Decline politely")
	assert.Contains(t, req.SystemPrompt, "no subject line")
}

func TestBuildExtractActions(t *testing.T) {
	req, err := NewBuilder(Options{}).Build(task.ExtractActions, []email.Message{testMessage("5", "Todo", "Send report")}, Options{})
	require.NoError(t, err)
	assert.Contains(t, req.Prompt, `"actions"`)
	assert.Contains(t, req.Prompt, "empty list")
}

func TestBuildDecodeFailedNote(t *testing.T) {
	m := testMessage("5", "Broken", "")
	m.DecodeFailed = true
	req, err := NewBuilder(Options{}).Build(task.ExtractActions, []email.Message{m}, Options{})
	require.NoError(t, err)
	assert.Contains(t, req.Prompt, "could not be decoded")
}

func TestBuildInvalidRequests(t *testing.T) {
	b := NewBuilder(Options{})
	one := []email.Message{testMessage("1", "a", "b")}
	two := []email.Message{testMessage("1", "a", "b"), testMessage("2", "c", "d")}

	tests := []struct {
		name string
		typ  task.Type
		msgs []email.Message
		opts Options
	}{
		{name: "empty digest", typ: task.Digest, msgs: nil},
		{name: "empty categorize", typ: task.Categorize, msgs: []email.Message{}},
		{name: "categorize with two", typ: task.Categorize, msgs: two},
		{name: "draft with two", typ: task.DraftReply, msgs: two},
		{name: "unknown type", typ: task.Type("translate"), msgs: one},
		{name: "empty vocabulary", typ: task.Categorize, msgs: one, opts: Options{Categories: []string{}}},
		{name: "missing id", typ: task.Digest, msgs: []email.Message{{Subject: "x"}}},
		{name: "duplicate id", typ: task.Digest, msgs: []email.Message{testMessage("1", "a", "b"), testMessage("1", "a", "b")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(tt.typ, tt.msgs, tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, task.ErrInvalidRequest)
		})
	}
}
