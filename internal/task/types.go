package task

import (
	"fmt"
	"strings"
)

// Type identifies the kind of inference work requested for one or more messages
type Type string

const (
	Digest         Type = "digest"
	Categorize     Type = "categorize"
	ExtractActions Type = "extract_actions"
	DraftReply     Type = "draft_reply"
)

// Types lists every task type in a stable order
var Types = []Type{Digest, Categorize, ExtractActions, DraftReply}

// ParseType converts a user supplied name into a Type
func ParseType(s string) (Type, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "actions":
		return ExtractActions, nil
	case "draft", "reply":
		return DraftReply, nil
	}
	for _, t := range Types {
		if string(t) == norm {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type: %q", s)
}

// PerMessage reports whether the task takes exactly one message
func (t Type) PerMessage() bool {
	return t != Digest
}

// Request is a rendered prompt ready for the inference endpoint.
// It is consumed exactly once.
type Request struct {
	Task         Type     `json:"task"`
	TargetIDs    []string `json:"target_ids"`
	SystemPrompt string   `json:"system_prompt"`
	Prompt       string   `json:"prompt"`
}

// Targets reports whether id is one of the request's target messages
func (r *Request) Targets(id string) bool {
	for _, t := range r.TargetIDs {
		if t == id {
			return true
		}
	}
	return false
}

// Priority levels a digest assigns to each message
const (
	PriorityHigh   = "HIGH"
	PriorityMedium = "MEDIUM"
	PriorityLow    = "LOW"
)

// DigestItem is one ranked entry of a digest
type DigestItem struct {
	MessageID string `json:"message_id"`
	Rank      int    `json:"rank"`
	Priority  string `json:"priority"`
	Summary   string `json:"summary"`
}

// Categorization is the category assigned to one message
type Categorization struct {
	MessageID  string   `json:"message_id"`
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ActionList holds the action items extracted from one message
type ActionList struct {
	MessageID string   `json:"message_id"`
	Actions   []string `json:"actions"`
}

// Draft is a proposed reply body for one message
type Draft struct {
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

// Result is the typed outcome of a Request. Task selects which payload is set.
type Result struct {
	Task     Type            `json:"task"`
	Digest   []DigestItem    `json:"digest,omitempty"`
	Category *Categorization `json:"category,omitempty"`
	Actions  *ActionList     `json:"actions,omitempty"`
	Draft    *Draft          `json:"draft,omitempty"`
}

// MessageIDs returns every message id the result references
func (r *Result) MessageIDs() []string {
	switch r.Task {
	case Digest:
		ids := make([]string, len(r.Digest))
		for i, item := range r.Digest {
			ids[i] = item.MessageID
		}
		return ids
	case Categorize:
		if r.Category != nil {
			return []string{r.Category.MessageID}
		}
	case ExtractActions:
		if r.Actions != nil {
			return []string{r.Actions.MessageID}
		}
	case DraftReply:
		if r.Draft != nil {
			return []string{r.Draft.MessageID}
		}
	}
	return nil
}
