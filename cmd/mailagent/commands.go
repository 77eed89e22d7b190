package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corey-beep/email-agent/internal/email"
	"github.com/corey-beep/email-agent/internal/outbox"
	"github.com/corey-beep/email-agent/internal/processor"
	"github.com/corey-beep/email-agent/internal/router"
	"github.com/corey-beep/email-agent/internal/storage"
	"github.com/corey-beep/email-agent/internal/task"
)

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the mailbox and model endpoint are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			folders, err := s.mailbox.ListFolders(ctx)
			if err != nil {
				return err
			}
			if err := s.llm.Ping(ctx); err != nil {
				return err
			}

			missing := missingFolders(folders, router.NewFolderTable(&a.cfg.Organize).Destinations())
			if len(missing) > 0 {
				a.logger.Warn().Strs("folders", missing).Msg("Organize destinations do not exist on the server")
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"folder":               s.mailbox.Folder(),
				"folders":              folders,
				"missing_destinations": missing,
				"model":                a.cfg.LLM.Model,
			})
		},
	}
}

// missingFolders returns the destinations the server does not list
func missingFolders(folders, destinations []string) []string {
	exists := make(map[string]bool, len(folders))
	for _, f := range folders {
		exists[f] = true
	}
	missing := []string{}
	for _, d := range destinations {
		if !exists[d] {
			missing = append(missing, d)
		}
	}
	return missing
}

func newInboxCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show summary, priority, category and action items for each unread message",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			view, err := s.proc.Inbox(ctx, limit)
			if view != nil {
				if werr := writeJSON(cmd.OutOrStdout(), view); werr != nil {
					return errors.Join(err, werr)
				}
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "max unread messages to show (default from config)")
	return cmd
}

func newTaskCmd(a *app, name, short string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			taskType, err := task.ParseType(name)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.proc.FetchAndRun(ctx, taskType, limit)
			return finish(cmd, report, err)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "max unread messages to process (default from config)")
	return cmd
}

func newDraftCmd(a *app) *cobra.Command {
	var (
		id           string
		instructions string
		send         bool
	)
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Draft a reply to one unread message",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			msgs, err := s.proc.Fetch(ctx, a.cfg.Agent.MaxEmails)
			if err != nil {
				return err
			}
			msg, err := pick(msgs, id)
			if err != nil {
				return err
			}

			report, err := s.proc.RunDraftReply(ctx, msg, instructions)
			if err != nil || !send {
				return finish(cmd, report, err)
			}

			sender, err := outbox.NewSender(&a.cfg.SMTP, a.logger)
			if err != nil {
				return err
			}
			from := email.Address{Name: a.cfg.SMTP.FromName, Address: a.cfg.SMTP.FromAddress}
			reply, err := outbox.BuildReply(msg, report.Results[0].Draft, from)
			if err != nil {
				return err
			}
			if err := sender.Send(ctx, reply); err != nil {
				return err
			}
			return finish(cmd, report, nil)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "mailbox id of the message (default: oldest unread)")
	cmd.Flags().StringVar(&instructions, "instructions", "", "extra guidance for the reply")
	cmd.Flags().BoolVar(&send, "send", false, "send the draft through the configured outbound provider")
	return cmd
}

func pick(msgs []email.Message, id string) (email.Message, error) {
	if id == "" {
		return msgs[0], nil
	}
	for _, m := range msgs {
		if m.ID == id {
			return m, nil
		}
	}
	return email.Message{}, fmt.Errorf("message %s is not among the unread messages", id)
}

func newOrganizeCmd(a *app) *cobra.Command {
	var (
		limit  int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "organize",
		Short: "Categorize unread messages and move them into folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.proc.Organize(ctx, limit, dryRun)
			return finish(cmd, report, err)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "max unread messages to process (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan moves without touching the mailbox")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show run and move history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(cmd, a)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			runs, err := store.ListRuns(ctx, recent)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []*storage.Run{}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"stats":       stats,
				"recent_runs": runs,
			})
		},
	}
	cmd.Flags().IntVar(&recent, "runs", 10, "number of recent runs to list")
	return cmd
}

// finish prints whatever report exists, even when the run failed
func finish(cmd *cobra.Command, report *processor.RunReport, err error) error {
	if report != nil {
		if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil {
			return errors.Join(err, werr)
		}
	}
	return err
}
