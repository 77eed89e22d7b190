package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/corey-beep/email-agent/internal/task"
)

// messageRef is a message id that local models sometimes emit as a bare number
type messageRef string

func (m *messageRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = messageRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string, got %s", data)
	}
	*m = messageRef(n.String())
	return nil
}

type digestReply struct {
	Items *[]digestEntry `json:"items"`
}

type digestEntry struct {
	ID       *messageRef `json:"id"`
	Rank     *int        `json:"rank"`
	Priority *string     `json:"priority"`
	Summary  *string     `json:"summary"`
}

type categorizeReply struct {
	ID         *messageRef `json:"id"`
	Category   *string     `json:"category"`
	Confidence *float64    `json:"confidence"`
}

type actionsReply struct {
	ID      *messageRef `json:"id"`
	Actions *[]string   `json:"actions"`
}

type draftReply struct {
	ID   *messageRef `json:"id"`
	Body *string     `json:"body"`
}

// Parse decodes a model reply for req into a typed result. Any deviation from
// the task's JSON shape, any id outside the request and any category outside
// the vocabulary is an error.
func Parse(req task.Request, text string, categories []string) (*task.Result, error) {
	raw := stripFence(text)
	if raw == "" {
		return nil, errors.New("empty reply")
	}

	switch req.Task {
	case task.Digest:
		var reply digestReply
		if err := decodeStrict(raw, &reply); err != nil {
			return nil, err
		}
		return parseDigest(req, reply)

	case task.Categorize:
		var reply categorizeReply
		if err := decodeStrict(raw, &reply); err != nil {
			return nil, err
		}
		id, err := targetID(req, reply.ID)
		if err != nil {
			return nil, err
		}
		if reply.Category == nil {
			return nil, errors.New(`missing "category"`)
		}
		label, ok := matchCategory(*reply.Category, categories)
		if !ok {
			return nil, fmt.Errorf("category %q is not one of %s", *reply.Category, strings.Join(categories, ", "))
		}
		if c := reply.Confidence; c != nil && (*c < 0 || *c > 1) {
			return nil, fmt.Errorf("confidence %v outside [0,1]", *c)
		}
		return &task.Result{
			Task:     task.Categorize,
			Category: &task.Categorization{MessageID: id, Category: label, Confidence: reply.Confidence},
		}, nil

	case task.ExtractActions:
		var reply actionsReply
		if err := decodeStrict(raw, &reply); err != nil {
			return nil, err
		}
		id, err := targetID(req, reply.ID)
		if err != nil {
			return nil, err
		}
		if reply.Actions == nil {
			return nil, errors.New(`missing "actions"`)
		}
		actions := make([]string, 0, len(*reply.Actions))
		for _, a := range *reply.Actions {
			if a = strings.TrimSpace(a); a != "" {
				actions = append(actions, a)
			}
		}
		return &task.Result{
			Task:    task.ExtractActions,
			Actions: &task.ActionList{MessageID: id, Actions: actions},
		}, nil

	case task.DraftReply:
		var reply draftReply
		if err := decodeStrict(raw, &reply); err != nil {
			return nil, err
		}
		id, err := targetID(req, reply.ID)
		if err != nil {
			return nil, err
		}
		if reply.Body == nil || strings.TrimSpace(*reply.Body) == "" {
			return nil, errors.New(`missing or empty "body"`)
		}
		return &task.Result{
			Task:  task.DraftReply,
			Draft: &task.Draft{MessageID: id, Body: strings.TrimSpace(*reply.Body)},
		}, nil
	}

	return nil, fmt.Errorf("unknown task type %q", req.Task)
}

func parseDigest(req task.Request, reply digestReply) (*task.Result, error) {
	if reply.Items == nil {
		return nil, errors.New(`missing "items"`)
	}
	items := *reply.Items
	if len(items) != len(req.TargetIDs) {
		return nil, fmt.Errorf("digest has %d items for %d messages", len(items), len(req.TargetIDs))
	}

	n := len(items)
	seenIDs := make(map[string]bool, n)
	seenRanks := make(map[int]bool, n)
	out := make([]task.DigestItem, 0, n)

	for i, it := range items {
		id, err := targetID(req, it.ID)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if seenIDs[id] {
			return nil, fmt.Errorf("item %d: id %s listed twice", i, id)
		}
		seenIDs[id] = true

		if it.Rank == nil {
			return nil, fmt.Errorf(`item %d: missing "rank"`, i)
		}
		if *it.Rank < 1 || *it.Rank > n || seenRanks[*it.Rank] {
			return nil, fmt.Errorf("item %d: rank %d is not a distinct value in 1..%d", i, *it.Rank, n)
		}
		seenRanks[*it.Rank] = true

		if it.Priority == nil {
			return nil, fmt.Errorf(`item %d: missing "priority"`, i)
		}
		priority := strings.ToUpper(strings.TrimSpace(*it.Priority))
		switch priority {
		case task.PriorityHigh, task.PriorityMedium, task.PriorityLow:
		default:
			return nil, fmt.Errorf("item %d: unknown priority %q", i, *it.Priority)
		}

		if it.Summary == nil || strings.TrimSpace(*it.Summary) == "" {
			return nil, fmt.Errorf(`item %d: missing or empty "summary"`, i)
		}

		out = append(out, task.DigestItem{
			MessageID: id,
			Rank:      *it.Rank,
			Priority:  priority,
			Summary:   strings.TrimSpace(*it.Summary),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return &task.Result{Task: task.Digest, Digest: out}, nil
}

// decodeStrict decodes exactly one JSON object with no unknown fields
func decodeStrict(raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid reply JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("invalid reply JSON: trailing data after object")
	}
	return nil
}

func targetID(req task.Request, ref *messageRef) (string, error) {
	if ref == nil {
		return "", errors.New(`missing "id"`)
	}
	id := strings.TrimSpace(string(*ref))
	if !req.Targets(id) {
		return "", fmt.Errorf("id %q is not part of the request", id)
	}
	return id, nil
}

// matchCategory returns the vocabulary's spelling of label
func matchCategory(label string, categories []string) (string, bool) {
	label = strings.TrimSpace(label)
	for _, c := range categories {
		if strings.EqualFold(c, label) {
			return c, true
		}
	}
	return "", false
}

// stripFence removes one surrounding markdown code fence
func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return s
	}
	s = strings.TrimSpace(s[nl+1:])
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
