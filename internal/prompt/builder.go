// Package prompt renders canonical messages into model prompts for each task type.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/corey-beep/email-agent/internal/config"
	"github.com/corey-beep/email-agent/internal/email"
	"github.com/corey-beep/email-agent/internal/task"
)

const (
	defaultSummaryMaxWords     = 100
	defaultCategorizeBodyChars = 500
	defaultReplyTone           = "professional"
)

// Options carries the task specific knobs
type Options struct {
	SummaryMaxWords     int
	Categories          []string
	ReplyTone           string
	Instructions        string
	CategorizeBodyChars int
}

func (o Options) withDefaults() Options {
	if o.SummaryMaxWords <= 0 {
		o.SummaryMaxWords = defaultSummaryMaxWords
	}
	if o.Categories == nil {
		o.Categories = config.DefaultCategories
	}
	if o.ReplyTone == "" {
		o.ReplyTone = defaultReplyTone
	}
	if o.CategorizeBodyChars <= 0 {
		o.CategorizeBodyChars = defaultCategorizeBodyChars
	}
	return o
}

// Builder renders task requests
type Builder struct {
	defaults Options
}

// NewBuilder creates a builder whose options fill in anything left unset per call
func NewBuilder(defaults Options) *Builder {
	return &Builder{defaults: defaults.withDefaults()}
}

// Build renders the prompt for taskType over msgs
func (b *Builder) Build(taskType task.Type, msgs []email.Message, opts Options) (task.Request, error) {
	opts = b.merge(opts)

	if len(msgs) == 0 {
		return task.Request{}, fmt.Errorf("%w: %s needs at least one message", task.ErrInvalidRequest, taskType)
	}
	if taskType.PerMessage() && len(msgs) != 1 {
		return task.Request{}, fmt.Errorf("%w: %s takes exactly one message, got %d", task.ErrInvalidRequest, taskType, len(msgs))
	}

	ids := make([]string, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			return task.Request{}, fmt.Errorf("%w: message %d has no id", task.ErrInvalidRequest, i)
		}
		if seen[m.ID] {
			return task.Request{}, fmt.Errorf("%w: duplicate message id %s", task.ErrInvalidRequest, m.ID)
		}
		seen[m.ID] = true
		ids[i] = m.ID
	}

	req := task.Request{Task: taskType, TargetIDs: ids}

	switch taskType {
	case task.Digest:
		req.SystemPrompt = digestSystem
		req.Prompt = renderDigest(msgs, opts)
	case task.Categorize:
		if len(opts.Categories) == 0 {
			return task.Request{}, fmt.Errorf("%w: empty category vocabulary", task.ErrInvalidRequest)
		}
		req.SystemPrompt = categorizeSystem
		req.Prompt = renderCategorize(msgs[0], opts)
	case task.ExtractActions:
		req.SystemPrompt = actionsSystem
		req.Prompt = renderActions(msgs[0])
	case task.DraftReply:
		req.SystemPrompt = draftSystem
		req.Prompt = renderDraft(msgs[0], opts)
	default:
		return task.Request{}, fmt.Errorf("%w: unknown task type %q", task.ErrInvalidRequest, taskType)
	}

	return req, nil
}

func (b *Builder) merge(o Options) Options {
	d := b.defaults
	if o.SummaryMaxWords > 0 {
		d.SummaryMaxWords = o.SummaryMaxWords
	}
	if o.Categories != nil {
		d.Categories = o.Categories
	}
	if o.ReplyTone != "" {
		d.ReplyTone = o.ReplyTone
	}
	if o.CategorizeBodyChars > 0 {
		d.CategorizeBodyChars = o.CategorizeBodyChars
	}
	d.Instructions = o.Instructions
	return d
}

const (
	digestSystem = `You are an assistant that triages an inbox.
You summarize emails concisely, focusing on key points, action items, deadlines and important details.
You always answer with a single JSON object and nothing else.`

	categorizeSystem = `You are an assistant that sorts emails into folders.
You always answer with a single JSON object and nothing else.`

	actionsSystem = `You are an assistant that extracts action items from emails.
An action item is a task, request or deadline the recipient has to act on.
You always answer with a single JSON object and nothing else.`

	draftSystem = `You are an assistant that drafts email replies.
Match the tone of the original email. Be concise but thorough.
Write only the reply body, no subject line or headers.
You always answer with a single JSON object and nothing else.`
)

func renderDigest(msgs []email.Message, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Below are %d unread emails, each between its own MESSAGE markers.\n", len(msgs))
	b.WriteString("Summarize each email separately and rank all of them by how urgently the reader should look at them.\n\n")

	for _, m := range msgs {
		writeBlock(&b, m, m.BodyText)
	}

	fmt.Fprintf(&b, `Respond with JSON of exactly this shape:
{"items": [{"id": "<message id>", "rank": <1 = most urgent>, "priority": "HIGH" | "MEDIUM" | "LOW", "summary": "<at most %d words>"}]}
Include every message id exactly once. Ranks must be the distinct integers 1 to %d.`, opts.SummaryMaxWords, len(msgs))
	return b.String()
}

func renderCategorize(m email.Message, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Categorize this email into exactly one of these categories: %s\n\n", strings.Join(opts.Categories, ", "))

	body := m.BodyText
	if r := []rune(body); len(r) > opts.CategorizeBodyChars {
		body = string(r[:opts.CategorizeBodyChars])
	}
	writeBlock(&b, m, body)

	fmt.Fprintf(&b, `Respond with JSON of exactly this shape:
{"id": "%s", "category": "<one of: %s>", "confidence": <number between 0 and 1>}`, m.ID, strings.Join(opts.Categories, ", "))
	return b.String()
}

func renderActions(m email.Message) string {
	var b strings.Builder
	b.WriteString("Extract all action items, tasks, or things that need to be done from this email.\n\n")
	writeBlock(&b, m, m.BodyText)
	fmt.Fprintf(&b, `Respond with JSON of exactly this shape:
{"id": "%s", "actions": ["<one action item per entry>"]}
Use an empty list when there are no action items.`, m.ID)
	return b.String()
}

func renderDraft(m email.Message, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft a reply to this email in a %s tone.\n\n", opts.ReplyTone)
	writeBlock(&b, m, m.BodyText)
	if opts.Instructions != "" {
		fmt.Fprintf(&b, "Additional instructions: %s\n\n", opts.Instructions)
	}
	fmt.Fprintf(&b, `Respond with JSON of exactly this shape:
{"id": "%s", "body": "<reply body>"}`, m.ID)
	return b.String()
}

// writeBlock renders one message between markers carrying its id
func writeBlock(b *strings.Builder, m email.Message, body string) {
	fmt.Fprintf(b, "<<<MESSAGE id=%s>>>\n", m.ID)
	fmt.Fprintf(b, "From: %s\n", m.Sender)
	fmt.Fprintf(b, "Subject: %s\n", m.Subject)
	if !m.ReceivedAt.IsZero() {
		fmt.Fprintf(b, "Date: %s\n", m.ReceivedAt.Format(time.RFC1123))
	}
	if m.DecodeFailed {
		b.WriteString("Note: the body of this email could not be decoded.\n")
	}
	b.WriteString("\n")
	b.WriteString(body)
	fmt.Fprintf(b, "\n<<<END MESSAGE id=%s>>>\n\n", m.ID)
}
