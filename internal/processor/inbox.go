package processor

import (
	"context"
	"errors"
	"time"

	"github.com/corey-beep/email-agent/internal/task"
)

// InboxEntry is everything the agent knows about one unread message
type InboxEntry struct {
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
	Rank       int       `json:"rank,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Category   string    `json:"category,omitempty"`
	Actions    []string  `json:"actions"`
}

// InboxView is the combined digest, categorization and action items of a batch
type InboxView struct {
	Entries  []InboxEntry `json:"entries"`
	Failures []Failure    `json:"failures"`
}

// Inbox fetches up to maxEmails messages and runs digest, categorize and
// action extraction over all of them. It is read-only: nothing is marked
// processed or seen and no run is recorded.
func (p *Processor) Inbox(ctx context.Context, maxEmails int) (*InboxView, error) {
	msgs, err := p.Fetch(ctx, maxEmails)
	if err != nil {
		return nil, err
	}

	view := &InboxView{Entries: make([]InboxEntry, len(msgs)), Failures: []Failure{}}
	index := make(map[string]*InboxEntry, len(msgs))
	for i, m := range msgs {
		view.Entries[i] = InboxEntry{
			MessageID:  m.ID,
			Sender:     m.Sender,
			Subject:    m.Subject,
			ReceivedAt: m.ReceivedAt,
			Actions:    []string{},
		}
		index[m.ID] = &view.Entries[i]
	}

	succeeded := false
	for _, taskType := range []task.Type{task.Digest, task.Categorize, task.ExtractActions} {
		report, err := p.run(ctx, msgs, runSpec{task: taskType, dryRun: true})
		if err != nil && !errors.Is(err, ErrTotalFailure) {
			return nil, err
		}
		view.Failures = append(view.Failures, report.Failures...)

		for _, res := range report.Results {
			succeeded = true
			switch {
			case res.Digest != nil:
				for _, item := range res.Digest {
					if e := index[item.MessageID]; e != nil {
						e.Rank, e.Priority, e.Summary = item.Rank, item.Priority, item.Summary
					}
				}
			case res.Category != nil:
				if e := index[res.Category.MessageID]; e != nil {
					e.Category = res.Category.Category
				}
			case res.Actions != nil:
				if e := index[res.Actions.MessageID]; e != nil && res.Actions.Actions != nil {
					e.Actions = res.Actions.Actions
				}
			}
		}
	}

	if !succeeded {
		return view, ErrTotalFailure
	}
	return view, nil
}
