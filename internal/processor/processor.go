// Package processor orchestrates a batch run: fetch, normalize, build prompts,
// infer, record the outcome and, for organize, apply folder moves.
package processor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/corey-beep/email-agent/internal/config"
	"github.com/corey-beep/email-agent/internal/email"
	"github.com/corey-beep/email-agent/internal/prompt"
	"github.com/corey-beep/email-agent/internal/router"
	"github.com/corey-beep/email-agent/internal/storage"
	"github.com/corey-beep/email-agent/internal/task"
)

// Mailbox is the mail store the agent reads from and reorganizes
type Mailbox interface {
	FetchUnread(ctx context.Context, limit int) ([]email.RawMessage, error)
	MoveMessage(ctx context.Context, id, dest string) error
	MarkSeen(ctx context.Context, id string) error
}

// Inferencer turns a rendered request into a typed result
type Inferencer interface {
	Infer(ctx context.Context, req task.Request) (*task.Result, error)
}

// organizeLedger is the de-duplication key for completed moves, separate
// from plain categorization
const organizeLedger = "organize"

// Processor orchestrates email processing
type Processor struct {
	mailbox    Mailbox
	llm        Inferencer
	store      storage.Store
	normalizer *email.Normalizer
	builder    *prompt.Builder
	executor   *router.Executor
	agent      config.AgentConfig
	logger     zerolog.Logger
}

// NewProcessor creates a new email processor. store may be nil, which
// disables de-duplication and run history.
func NewProcessor(
	cfg *config.Config,
	mailbox Mailbox,
	llm Inferencer,
	store storage.Store,
	logger zerolog.Logger,
) *Processor {
	builder := prompt.NewBuilder(prompt.Options{
		SummaryMaxWords:     cfg.Agent.SummaryMaxWords,
		Categories:          cfg.Organize.Categories,
		ReplyTone:           cfg.Agent.ReplyTone,
		CategorizeBodyChars: cfg.Agent.CategorizeBodyChars,
	})

	agent := cfg.Agent
	if agent.Concurrency < 1 {
		agent.Concurrency = 1
	}
	if agent.MaxEmails < 1 {
		agent.MaxEmails = config.DefaultMaxEmails
	}

	return &Processor{
		mailbox:    mailbox,
		llm:        llm,
		store:      store,
		normalizer: email.NewNormalizer(cfg.Agent.MaxBodyChars),
		builder:    builder,
		executor:   router.NewExecutor(mailbox, router.NewFolderTable(&cfg.Organize), store, logger),
		agent:      agent,
		logger:     logger.With().Str("component", "processor").Logger(),
	}
}

// Fetch retrieves up to limit unread messages, normalized and ordered oldest
// first. A mailbox error or an empty mailbox is a MailboxFetchError.
func (p *Processor) Fetch(ctx context.Context, limit int) ([]email.Message, error) {
	if limit <= 0 {
		limit = p.agent.MaxEmails
	}

	raws, err := p.mailbox.FetchUnread(ctx, limit)
	if err != nil {
		return nil, &task.MailboxFetchError{Err: err}
	}

	msgs := make([]email.Message, 0, len(raws))
	for _, raw := range raws {
		m, err := p.normalizer.Normalize(raw)
		if err != nil {
			p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("Skipping message without id")
			continue
		}
		if m.DecodeFailed {
			p.logger.Warn().Str("message_id", m.ID).Msg("Message body could not be decoded")
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil, &task.MailboxFetchError{Err: task.ErrNoMessages}
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return idLess(a.ID, b.ID)
	})

	p.logger.Info().Int("count", len(msgs)).Msg("Fetched messages")
	return msgs, nil
}

// idLess orders mailbox ids numerically when both are numbers
func idLess(a, b string) bool {
	x, errA := strconv.ParseUint(a, 10, 64)
	y, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return x < y
	}
	return a < b
}

// FetchAndRun fetches up to maxEmails messages and runs taskType over them
func (p *Processor) FetchAndRun(ctx context.Context, taskType task.Type, maxEmails int) (*RunReport, error) {
	msgs, err := p.Fetch(ctx, maxEmails)
	if err != nil {
		return nil, err
	}

	switch taskType {
	case task.Digest:
		return p.RunDigest(ctx, msgs)
	case task.Categorize:
		return p.RunCategorize(ctx, msgs)
	case task.ExtractActions:
		return p.RunExtractActions(ctx, msgs)
	case task.DraftReply:
		return p.run(ctx, msgs, runSpec{task: task.DraftReply})
	}
	return nil, fmt.Errorf("%w: unknown task type %q", task.ErrInvalidRequest, taskType)
}

// RunDigest summarizes and ranks the whole batch in one inference call
func (p *Processor) RunDigest(ctx context.Context, msgs []email.Message) (*RunReport, error) {
	return p.run(ctx, msgs, runSpec{task: task.Digest, ledger: string(task.Digest), markDone: true})
}

// RunCategorize assigns a category to each message
func (p *Processor) RunCategorize(ctx context.Context, msgs []email.Message) (*RunReport, error) {
	return p.run(ctx, msgs, runSpec{task: task.Categorize, ledger: string(task.Categorize), markDone: true})
}

// RunExtractActions lists the action items of each message
func (p *Processor) RunExtractActions(ctx context.Context, msgs []email.Message) (*RunReport, error) {
	return p.run(ctx, msgs, runSpec{task: task.ExtractActions, ledger: string(task.ExtractActions), markDone: true})
}

// RunDraftReply drafts a reply to msg. Drafts are never de-duplicated.
func (p *Processor) RunDraftReply(ctx context.Context, msg email.Message, instructions string) (*RunReport, error) {
	return p.run(ctx, []email.Message{msg}, runSpec{task: task.DraftReply, instructions: instructions})
}

// Organize categorizes up to maxEmails messages and moves each into the
// folder mapped to its category. A dry run stops at the planned moves.
func (p *Processor) Organize(ctx context.Context, maxEmails int, dryRun bool) (*RunReport, error) {
	msgs, err := p.Fetch(ctx, maxEmails)
	if err != nil {
		return nil, err
	}

	report, err := p.run(ctx, msgs, runSpec{task: task.Categorize, ledger: organizeLedger, dryRun: dryRun, deferSave: true})
	if err != nil {
		if !dryRun {
			p.saveRun(ctx, report, organizeLedger)
		}
		return report, err
	}

	ops := p.executor.Plan(msgs, report.Categorizations())
	if !dryRun {
		ops = p.executor.Apply(ctx, ops)
		for _, op := range ops {
			if op.Status == router.StatusApplied {
				p.markProcessed(ctx, op.Key, organizeLedger)
			}
		}
	}
	report.Moves = ops

	summary := router.Summary(ops)
	p.logger.Info().
		Str("run_id", report.RunID).
		Bool("dry_run", dryRun).
		Int("applied", summary[router.StatusApplied]).
		Int("failed", summary[router.StatusFailed]).
		Int("pending", summary[router.StatusPending]).
		Msg("Organize completed")

	if !dryRun {
		p.saveRun(ctx, report, organizeLedger)
	}
	return report, nil
}

// runSpec describes one batch run
type runSpec struct {
	task         task.Type
	instructions string
	// ledger is the de-duplication key; empty disables de-duplication
	ledger       string
	markDone     bool
	dryRun       bool
	deferSave    bool
}

// outcome is what one inference slot produced
type outcome struct {
	result *task.Result
	err    error
}

func (p *Processor) run(ctx context.Context, msgs []email.Message, spec runSpec) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.NewString(),
		Task:      spec.task,
		StartedAt: time.Now(),
		Results:   []task.Result{},
		Failures:  []Failure{},
		DryRun:    spec.dryRun,
	}
	report.Counts.Total = len(msgs)

	pending := p.dedup(ctx, msgs, spec.ledger)
	report.Counts.Skipped = len(msgs) - len(pending)

	log := p.logger.With().Str("run_id", report.RunID).Str("task", string(spec.task)).Logger()
	log.Info().
		Int("messages", len(pending)).
		Int("skipped", report.Counts.Skipped).
		Msg("Starting run")

	if len(pending) == 0 {
		return p.finish(ctx, report, spec, nil)
	}

	opts := prompt.Options{Instructions: spec.instructions}
	succeeded := make(map[string]bool, len(pending))

	if spec.task == task.Digest {
		result, err := p.infer(ctx, spec.task, pending, opts)
		if err != nil {
			for _, m := range pending {
				report.fail(m.ID, err)
			}
		} else {
			report.Results = append(report.Results, *result)
			for _, id := range result.MessageIDs() {
				succeeded[id] = true
			}
		}
	} else {
		slots := make([]outcome, len(pending))

		var g errgroup.Group
		g.SetLimit(p.agent.Concurrency)
		for i, m := range pending {
			i, m := i, m
			g.Go(func() error {
				result, err := p.infer(ctx, spec.task, []email.Message{m}, opts)
				slots[i] = outcome{result: result, err: err}
				return nil
			})
		}
		_ = g.Wait()

		for i, slot := range slots {
			id := pending[i].ID
			if slot.err != nil {
				report.fail(id, slot.err)
				log.Warn().Err(slot.err).Str("message_id", id).Msg("Message failed")
				continue
			}
			report.Results = append(report.Results, *slot.result)
			succeeded[id] = true
		}
	}

	// Mailbox side effects run only after every inference call has returned
	for _, m := range pending {
		if !succeeded[m.ID] || spec.dryRun {
			continue
		}
		if spec.markDone && spec.ledger != "" {
			p.markProcessed(ctx, m.Key(), spec.ledger)
		}
		if p.agent.MarkSeen {
			if err := p.mailbox.MarkSeen(ctx, m.ID); err != nil {
				log.Warn().Err(err).Str("message_id", m.ID).Msg("Failed to mark message seen")
			}
		}
	}

	report.Counts.Succeeded = len(succeeded)
	report.Counts.Failed = len(report.Failures)
	return p.finish(ctx, report, spec, succeeded)
}

func (p *Processor) infer(ctx context.Context, taskType task.Type, msgs []email.Message, opts prompt.Options) (*task.Result, error) {
	req, err := p.builder.Build(taskType, msgs, opts)
	if err != nil {
		return nil, err
	}
	return p.llm.Infer(ctx, req)
}

func (p *Processor) finish(ctx context.Context, report *RunReport, spec runSpec, succeeded map[string]bool) (*RunReport, error) {
	report.FinishedAt = time.Now()

	p.logger.Info().
		Str("run_id", report.RunID).
		Str("task", string(report.Task)).
		Int("total", report.Counts.Total).
		Int("succeeded", report.Counts.Succeeded).
		Int("failed", report.Counts.Failed).
		Int("skipped", report.Counts.Skipped).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Run completed")

	if !spec.deferSave && !spec.dryRun {
		p.saveRun(ctx, report, string(report.Task))
	}

	attempted := report.Counts.Total - report.Counts.Skipped
	if attempted > 0 && len(succeeded) == 0 {
		return report, ErrTotalFailure
	}
	return report, nil
}

// dedup drops messages already processed for ledger
func (p *Processor) dedup(ctx context.Context, msgs []email.Message, ledger string) []email.Message {
	if p.store == nil || ledger == "" || p.agent.Reprocess {
		return msgs
	}

	pending := make([]email.Message, 0, len(msgs))
	for _, m := range msgs {
		done, err := p.store.IsProcessed(ctx, m.Key(), ledger)
		if err != nil {
			p.logger.Warn().Err(err).Str("message_id", m.ID).Msg("Failed to read processed ledger")
		}
		if done {
			p.logger.Debug().Str("message_id", m.ID).Str("ledger", ledger).Msg("Already processed, skipping")
			continue
		}
		pending = append(pending, m)
	}
	return pending
}

func (p *Processor) markProcessed(ctx context.Context, key, ledger string) {
	if p.store == nil {
		return
	}
	if err := p.store.MarkProcessed(ctx, key, ledger); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("Failed to mark message processed")
	}
}

func (p *Processor) saveRun(ctx context.Context, report *RunReport, label string) {
	if p.store == nil || report == nil {
		return
	}
	if err := p.store.SaveRun(ctx, report.toRun(label)); err != nil {
		p.logger.Warn().Err(err).Str("run_id", report.RunID).Msg("Failed to save run")
	}
}
