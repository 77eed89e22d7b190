package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corey-beep/email-agent/internal/config"
	"github.com/corey-beep/email-agent/internal/email"
	"github.com/corey-beep/email-agent/internal/router"
	"github.com/corey-beep/email-agent/internal/storage"
	"github.com/corey-beep/email-agent/internal/task"
)

type fakeMailbox struct {
	mu       sync.Mutex
	raws     []email.RawMessage
	fetchErr error
	moveErr  map[string]error
	moves    map[string]string
	seen     []string
}

func (f *fakeMailbox) FetchUnread(ctx context.Context, limit int) ([]email.RawMessage, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if limit < len(f.raws) {
		return f.raws[:limit], nil
	}
	return f.raws, nil
}

func (f *fakeMailbox) MoveMessage(ctx context.Context, id, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.moveErr[id]; err != nil {
		return err
	}
	if f.moves == nil {
		f.moves = make(map[string]string)
	}
	f.moves[id] = dest
	return nil
}

func (f *fakeMailbox) MarkSeen(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, id)
	return nil
}

// fakeLLM answers each request with the scripted category or error for its target
type fakeLLM struct {
	mu       sync.Mutex
	category map[string]string
	errs     map[string]error
	delay    map[string]time.Duration
	calls    int
}

func (f *fakeLLM) Infer(ctx context.Context, req task.Request) (*task.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	id := req.TargetIDs[0]
	if d := f.delay[id]; d > 0 {
		time.Sleep(d)
	}
	if err := f.errs[id]; err != nil {
		return nil, err
	}

	switch req.Task {
	case task.Digest:
		items := make([]task.DigestItem, len(req.TargetIDs))
		for i, target := range req.TargetIDs {
			items[i] = task.DigestItem{MessageID: target, Rank: i + 1, Priority: task.PriorityMedium, Summary: "summary of " + target}
		}
		return &task.Result{Task: task.Digest, Digest: items}, nil
	case task.Categorize:
		return &task.Result{Task: task.Categorize, Category: &task.Categorization{MessageID: id, Category: f.category[id]}}, nil
	case task.ExtractActions:
		return &task.Result{Task: task.ExtractActions, Actions: &task.ActionList{MessageID: id, Actions: []string{"reply to " + id}}}, nil
	case task.DraftReply:
		return &task.Result{Task: task.DraftReply, Draft: &task.Draft{MessageID: id, Body: "Thanks"}}, nil
	}
	return nil, fmt.Errorf("%w: unexpected task", task.ErrInvalidRequest)
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func malformed(id string) error {
	return &task.InferenceError{Kind: task.KindMalformedOutput, Task: task.Categorize, MessageIDs: []string{id}, Attempts: 1, Err: errors.New("category not in vocabulary")}
}

func testConfig() *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{MaxEmails: 10, Concurrency: 1},
		Organize: config.OrganizeConfig{
			Categories:     []string{"Work", "Personal", "Newsletter"},
			Folders:        map[string]string{"Work": "Work", "Personal": "Personal", "Newsletter": "Reading"},
			FallbackFolder: "Other",
		},
	}
}

// rawInbox builds unread messages whose ids are the given numbers, received
// one minute apart in the order given
func rawInbox(ids ...int) []email.RawMessage {
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	raws := make([]email.RawMessage, len(ids))
	for i, id := range ids {
		raws[i] = email.RawMessage{
			ID:           strconv.Itoa(id),
			Folder:       "INBOX",
			InternalDate: base.Add(time.Duration(i) * time.Minute),
			From:         "sender@example.com",
			Subject:      fmt.Sprintf("Message %d", id),
			Body:         []byte(fmt.Sprintf("Subject: Message %d\r\nContent-Type: text/plain\r\n\r\nBody %d\r\n", id, id)),
		}
	}
	return raws
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOrganizeMovesOnlyValidCategories(t *testing.T) {
	mailbox := &fakeMailbox{raws: rawInbox(1, 2, 3)}
	llm := &fakeLLM{
		category: map[string]string{"1": "Work", "3": "Newsletter"},
		errs:     map[string]error{"2": malformed("2")},
	}
	p := NewProcessor(testConfig(), mailbox, llm, newTestStore(t), zerolog.Nop())

	report, err := p.Organize(context.Background(), 10, false)
	require.NoError(t, err)

	assert.Equal(t, Counts{Total: 3, Succeeded: 2, Failed: 1}, report.Counts)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "2", report.Failures[0].MessageID)
	assert.Equal(t, task.KindMalformedOutput, report.Failures[0].Kind)

	require.Len(t, report.Moves, 2)
	for _, op := range report.Moves {
		assert.Equal(t, router.StatusApplied, op.Status)
	}
	assert.Equal(t, map[string]string{"1": "Work", "3": "Reading"}, mailbox.moves)
}

func TestOrganizeTwiceMovesOnce(t *testing.T) {
	store := newTestStore(t)
	mailbox := &fakeMailbox{raws: rawInbox(1, 2)}
	llm := &fakeLLM{category: map[string]string{"1": "Work", "2": "Personal"}}
	p := NewProcessor(testConfig(), mailbox, llm, store, zerolog.Nop())

	_, err := p.Organize(context.Background(), 10, false)
	require.NoError(t, err)
	assert.Equal(t, 2, llm.Calls())

	// The fake mailbox still reports both as unread
	mailbox.moves = nil
	report, err := p.Organize(context.Background(), 10, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Counts.Skipped)
	assert.Empty(t, report.Moves)
	assert.Empty(t, mailbox.moves)
	assert.Equal(t, 2, llm.Calls())

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Moves)
}

func TestOrganizeDryRun(t *testing.T) {
	mailbox := &fakeMailbox{raws: rawInbox(1, 2)}
	llm := &fakeLLM{category: map[string]string{"1": "Work", "2": "Unknown"}}
	p := NewProcessor(testConfig(), mailbox, llm, nil, zerolog.Nop())

	report, err := p.Organize(context.Background(), 10, true)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	require.Len(t, report.Moves, 2)
	assert.Equal(t, router.StatusPending, report.Moves[0].Status)
	assert.Equal(t, "Work", report.Moves[0].DestinationFolder)
	assert.Equal(t, "Other", report.Moves[1].DestinationFolder)
	assert.Empty(t, mailbox.moves)
}

func TestFetchEmptyMailbox(t *testing.T) {
	llm := &fakeLLM{}
	p := NewProcessor(testConfig(), &fakeMailbox{}, llm, nil, zerolog.Nop())

	report, err := p.FetchAndRun(context.Background(), task.Digest, 10)
	assert.Nil(t, report)

	var fetchErr *task.MailboxFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorIs(t, err, task.ErrNoMessages)
	assert.Equal(t, task.KindMailboxFetch, task.KindOf(err))
	assert.Zero(t, llm.Calls())
}

func TestFetchMailboxError(t *testing.T) {
	p := NewProcessor(testConfig(), &fakeMailbox{fetchErr: errors.New("connection reset")}, &fakeLLM{}, nil, zerolog.Nop())

	_, err := p.Organize(context.Background(), 10, false)
	var fetchErr *task.MailboxFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestFetchOrdersOldestFirst(t *testing.T) {
	raws := rawInbox(5, 3, 9)
	same := raws[0].InternalDate
	raws[2].InternalDate = same
	p := NewProcessor(testConfig(), &fakeMailbox{raws: raws}, &fakeLLM{}, nil, zerolog.Nop())

	msgs, err := p.Fetch(context.Background(), 10)
	require.NoError(t, err)
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	// 5 and 9 share a timestamp so numeric id breaks the tie
	assert.Equal(t, []string{"5", "9", "3"}, ids)
}

func TestPerMessageResultsKeepInputOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.Concurrency = 3
	llm := &fakeLLM{
		category: map[string]string{"1": "Work", "2": "Personal", "3": "Newsletter"},
		delay:    map[string]time.Duration{"1": 60 * time.Millisecond, "2": 30 * time.Millisecond},
	}
	p := NewProcessor(cfg, &fakeMailbox{raws: rawInbox(1, 2, 3)}, llm, nil, zerolog.Nop())

	report, err := p.FetchAndRun(context.Background(), task.Categorize, 10)
	require.NoError(t, err)

	require.Len(t, report.Results, 3)
	for i, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, report.Results[i].Category.MessageID)
	}
}

func TestTotalFailureReturnsReport(t *testing.T) {
	llm := &fakeLLM{errs: map[string]error{"1": malformed("1"), "2": malformed("2")}}
	p := NewProcessor(testConfig(), &fakeMailbox{raws: rawInbox(1, 2)}, llm, nil, zerolog.Nop())

	report, err := p.FetchAndRun(context.Background(), task.ExtractActions, 10)
	require.ErrorIs(t, err, ErrTotalFailure)
	require.NotNil(t, report)
	assert.Equal(t, 2, report.Counts.Failed)
	assert.Empty(t, report.Results)
}

func TestDigestFailureFailsEveryMessage(t *testing.T) {
	timeout := &task.InferenceError{Kind: task.KindTimeout, Task: task.Digest, Attempts: 3, Err: context.DeadlineExceeded}
	llm := &fakeLLM{errs: map[string]error{"1": timeout}}
	p := NewProcessor(testConfig(), &fakeMailbox{raws: rawInbox(1, 2)}, llm, nil, zerolog.Nop())

	report, err := p.FetchAndRun(context.Background(), task.Digest, 10)
	require.ErrorIs(t, err, ErrTotalFailure)
	require.Len(t, report.Failures, 2)
	for _, f := range report.Failures {
		assert.Equal(t, task.KindTimeout, f.Kind)
	}
	assert.Equal(t, 1, llm.Calls())
}

func TestDigestSingleCall(t *testing.T) {
	llm := &fakeLLM{}
	p := NewProcessor(testConfig(), &fakeMailbox{raws: rawInbox(1, 2, 3)}, llm, nil, zerolog.Nop())

	report, err := p.FetchAndRun(context.Background(), task.Digest, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, llm.Calls())
	require.Len(t, report.Results, 1)
	assert.Len(t, report.Results[0].Digest, 3)
	assert.Equal(t, 3, report.Counts.Succeeded)
}

func TestDedupSkipsProcessedMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.MarkProcessed(ctx, "INBOX/1", string(task.ExtractActions)))

	llm := &fakeLLM{}
	p := NewProcessor(testConfig(), &fakeMailbox{raws: rawInbox(1, 2)}, llm, store, zerolog.Nop())

	report, err := p.FetchAndRun(ctx, task.ExtractActions, 10)
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 2, Succeeded: 1, Skipped: 1}, report.Counts)
	assert.Equal(t, 1, llm.Calls())

	// Every message already handled: an empty report, not an error
	report, err = p.FetchAndRun(ctx, task.ExtractActions, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Counts.Skipped)
	assert.Empty(t, report.Results)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Runs)
}

func TestReprocessIgnoresLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.MarkProcessed(ctx, "INBOX/1", string(task.ExtractActions)))

	cfg := testConfig()
	cfg.Agent.Reprocess = true
	llm := &fakeLLM{}
	p := NewProcessor(cfg, &fakeMailbox{raws: rawInbox(1)}, llm, store, zerolog.Nop())

	report, err := p.FetchAndRun(ctx, task.ExtractActions, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts.Succeeded)
	assert.Equal(t, 1, llm.Calls())
}

func TestMarkSeenOnlySuccesses(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.MarkSeen = true
	mailbox := &fakeMailbox{raws: rawInbox(1, 2, 3)}
	llm := &fakeLLM{errs: map[string]error{"2": malformed("2")}}
	p := NewProcessor(cfg, mailbox, llm, nil, zerolog.Nop())

	_, err := p.FetchAndRun(context.Background(), task.ExtractActions, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, mailbox.seen)
}

func TestRunDraftReply(t *testing.T) {
	p := NewProcessor(testConfig(), &fakeMailbox{}, &fakeLLM{}, nil, zerolog.Nop())

	report, err := p.RunDraftReply(context.Background(), email.Message{ID: "4", Folder: "INBOX", Subject: "Lunch?"}, "say yes")
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "Thanks", report.Results[0].Draft.Body)
}

func TestRunReportHistoryRow(t *testing.T) {
	report := &RunReport{RunID: "r1", Task: task.Categorize, Counts: Counts{Total: 2, Failed: 1}}
	report.fail("7", malformed("7"))

	run := report.toRun("organize")
	assert.Equal(t, "organize", run.Task)
	assert.Equal(t, 1, run.Failed)
	assert.Contains(t, run.Failures, `"message_id":"7"`)
	assert.Contains(t, run.Failures, `"kind":"malformed_output"`)
}

func TestInboxCombinesTasks(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.Agent.MarkSeen = true
	mailbox := &fakeMailbox{raws: rawInbox(1, 2)}
	llm := &fakeLLM{
		category: map[string]string{"1": "Work", "2": "Personal"},
	}
	p := NewProcessor(cfg, mailbox, llm, store, zerolog.Nop())

	view, err := p.Inbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 5, llm.Calls(), "one digest call plus two per-message tasks")
	require.Len(t, view.Entries, 2)

	first := view.Entries[0]
	assert.Equal(t, "1", first.MessageID)
	assert.Equal(t, "Message 1", first.Subject)
	assert.Equal(t, 1, first.Rank)
	assert.Equal(t, task.PriorityMedium, first.Priority)
	assert.Equal(t, "summary of 1", first.Summary)
	assert.Equal(t, "Work", first.Category)
	assert.Equal(t, []string{"reply to 1"}, first.Actions)
	assert.Equal(t, "Personal", view.Entries[1].Category)
	assert.Empty(t, view.Failures)

	// A view leaves no trace in the mailbox or the ledger
	assert.Empty(t, mailbox.seen)
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Runs)
	assert.Empty(t, stats.ProcessedByTask)
}

func TestInboxKeepsPartialResults(t *testing.T) {
	llm := &fakeLLM{
		category: map[string]string{"1": "Work", "2": "Personal"},
		errs:     map[string]error{"2": malformed("2")},
	}
	p := NewProcessor(testConfig(), &fakeMailbox{raws: rawInbox(1, 2)}, llm, nil, zerolog.Nop())

	view, err := p.Inbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "Work", view.Entries[0].Category)
	assert.Empty(t, view.Entries[1].Category)
	assert.Equal(t, []string{}, view.Entries[1].Actions)
	// message 2 fails categorize and actions; digest targets 1 first so it succeeds
	assert.Len(t, view.Failures, 2)
}
